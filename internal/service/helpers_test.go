package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/biterate/internal/db"
	"gorm.io/gorm"
)

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:service-%d?mode=memory&cache=shared", time.Now().UnixNano())
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

func floatPtr(v float64) *float64 { return &v }

// doerFunc 替代真实 HTTP 客户端。
type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []LLMRequest
}

func (f *fakeLLM) Complete(_ context.Context, req LLMRequest) (LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return LLMResponse{}, f.err
	}
	if len(f.responses) == 0 {
		return LLMResponse{}, errors.New("no scripted response")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return LLMResponse{Content: resp}, nil
}

type fakeReviewSource struct {
	records []ReviewRecord
	err     error
	company string
	calls   int
}

func (f *fakeReviewSource) Reviews(_ context.Context, _, _ []string, max int) iter.Seq2[ReviewRecord, error] {
	f.calls++
	return func(yield func(ReviewRecord, error) bool) {
		if f.err != nil {
			yield(ReviewRecord{}, f.err)
			return
		}
		for i, record := range f.records {
			if i >= max {
				return
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}

func (f *fakeReviewSource) CompanyInfo(context.Context, []string) (string, error) {
	return f.company, nil
}

type fakeImageSource struct {
	url          string
	err          error
	downloadErr  error
	generated    int
	downloadURLs []string
}

func (f *fakeImageSource) Generate(context.Context, string, string) (string, error) {
	f.generated++
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func (f *fakeImageSource) Download(_ context.Context, url string) (ImageData, error) {
	f.downloadURLs = append(f.downloadURLs, url)
	if f.downloadErr != nil {
		return ImageData{}, f.downloadErr
	}
	return ImageData{Bytes: []byte("img"), ContentType: "image/png", Format: "png"}, nil
}

// fakeNetwork 记录发布与回复调用。
type fakeNetwork struct {
	mu            sync.Mutex
	selfID        string
	searchResults map[string][]SocialStatus
	searchErr     error
	notifications []SocialNotification
	statuses      map[string]SocialStatus
	postErr       error
	failFor       map[string]bool
	posted        []StatusInput
	uploads       int
	nextID        int
}

func (f *fakeNetwork) UploadMedia(context.Context, ImageData, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return fmt.Sprintf("media-%d", f.uploads), nil
}

func (f *fakeNetwork) PostStatus(_ context.Context, input StatusInput) (SocialStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return SocialStatus{}, f.postErr
	}
	if f.failFor[input.InReplyToID] {
		return SocialStatus{}, errors.New("reply rejected by server")
	}
	f.posted = append(f.posted, input)
	f.nextID++
	id := fmt.Sprintf("9%04d", f.nextID)
	return SocialStatus{ID: id, URL: "https://social.example/@biterate/" + id}, nil
}

func (f *fakeNetwork) Search(_ context.Context, query string, limit int) ([]SocialStatus, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	results := f.searchResults[query]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeNetwork) Notifications(context.Context, int) ([]SocialNotification, error) {
	return f.notifications, nil
}

func (f *fakeNetwork) Status(_ context.Context, id string) (SocialStatus, error) {
	status, ok := f.statuses[id]
	if !ok {
		return SocialStatus{}, errors.New("status not found")
	}
	return status, nil
}

func (f *fakeNetwork) CurrentAccountID(context.Context) (string, error) {
	return f.selfID, nil
}

func (f *fakeNetwork) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

// scriptedNotifier 在请求发出后把预设事件投递到 hub。
type scriptedNotifier struct {
	hub      *ApprovalEventHub
	script   func(token string) []ApprovalEvent
	sendErr  error
	mu       sync.Mutex
	sent     []ApprovalRequest
	prompts  int
	outcomes []ApprovalResult
}

func (n *scriptedNotifier) SendForApproval(_ context.Context, token string, req ApprovalRequest) error {
	n.mu.Lock()
	n.sent = append(n.sent, req)
	n.mu.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	if n.script != nil {
		for _, event := range n.script(token) {
			n.hub.Publish(event)
		}
	}
	return nil
}

func (n *scriptedNotifier) PromptReason(context.Context, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts++
	return nil
}

func (n *scriptedNotifier) NotifyOutcome(_ context.Context, _ ApprovalRequest, result ApprovalResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, result)
	return nil
}

// stubApprover 直接返回预设结果。
type stubApprover struct {
	result ApprovalResult
	err    error
	calls  int
}

func (s *stubApprover) Enabled() bool { return true }

func (s *stubApprover) Request(context.Context, ApprovalRequest) (ApprovalResult, error) {
	s.calls++
	return s.result, s.err
}
