package router

import (
	"time"

	"github.com/biterate/internal/handler"
	"github.com/biterate/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Options 描述路由层的可选组件。
type Options struct {
	// TriggerTokenHash 非空时 POST /run 与 POST /replies/run 需要 Bearer Token。
	TriggerTokenHash string
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(api *handler.API, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.SetHTMLTemplate(handler.PreviewTemplate())

	r.GET("/", api.Index)
	r.GET("/health", api.HealthCheck)
	r.GET("/posts", api.ListPosts)
	r.GET("/posts/:id/preview", api.PreviewPost)
	r.GET("/reviews", api.ListReviews)
	r.GET("/stats", api.GetStats)
	r.POST("/telegram/webhook", api.TelegramWebhook)

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	// 触发类接口
	trigger := r.Group("")
	trigger.Use(handler.TriggerAuth(opts.TriggerTokenHash))
	{
		trigger.POST("/run", api.RunPipeline)
		trigger.POST("/replies/run", api.RunReplies)
	}

	return r
}

// requestLogger 用 zap 记录每个请求的方法、路径、状态码与耗时。
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("http request", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}
