package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/biterate/internal/db"
	"github.com/biterate/internal/service"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handler-%d?mode=memory&cache=shared", time.Now().UnixNano())
	gdb, err := db.Open(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// newTestEngine 注册与路由层相同的接口，避免 handler 测试依赖 router 包。
func newTestEngine(api *API) *gin.Engine {
	r := gin.New()
	r.SetHTMLTemplate(PreviewTemplate())
	r.GET("/", api.Index)
	r.GET("/health", api.HealthCheck)
	r.GET("/posts", api.ListPosts)
	r.GET("/posts/:id/preview", api.PreviewPost)
	r.GET("/reviews", api.ListReviews)
	r.GET("/stats", api.GetStats)
	r.POST("/run", api.RunPipeline)
	r.POST("/replies/run", api.RunReplies)
	r.POST("/telegram/webhook", api.TelegramWebhook)
	return r
}

func perform(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	return performWithHeaders(r, method, path, body, nil)
}

func performWithHeaders(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

type fakePipeline struct {
	calls  []service.RunOptions
	result service.RunResult
	err    error
}

func (f *fakePipeline) Run(_ context.Context, opts service.RunOptions) (service.RunResult, error) {
	f.calls = append(f.calls, opts)
	return f.result, f.err
}

type fakeReplyFlow struct {
	calls   []service.ReplyRunOptions
	summary service.ReplyRunSummary
	err     error
}

func (f *fakeReplyFlow) Run(_ context.Context, opts service.ReplyRunOptions) (service.ReplyRunSummary, error) {
	f.calls = append(f.calls, opts)
	return f.summary, f.err
}

func ratingPtr(v float64) *float64 { return &v }
func stringPtr(v string) *string   { return &v }
