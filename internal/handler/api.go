package handler

import (
	"context"

	"github.com/biterate/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PipelineRunner 执行一次帖子生成流水线。
type PipelineRunner interface {
	Run(ctx context.Context, opts service.RunOptions) (service.RunResult, error)
}

// ReplyRunner 执行一次回复工作流。
type ReplyRunner interface {
	Run(ctx context.Context, opts service.ReplyRunOptions) (service.ReplyRunSummary, error)
}

// Deps 汇集 HTTP 层需要的组件。Pipeline、Replies 与 Telegram 相关字段可为空，对应接口返回 503。
type Deps struct {
	DB             *gorm.DB
	Posts          *service.PostService
	Reviews        *service.ReviewService
	Stats          *service.StatsService
	Pipeline       PipelineRunner
	ReplyFlow      ReplyRunner
	ApprovalEvents *service.ApprovalEventHub
	Notifier       *service.TelegramNotifier
	TelegramChatID int64
	// TelegramWebhookSecret 与 X-Telegram-Bot-Api-Secret-Token 请求头比对
	TelegramWebhookSecret string
	Logger                *zap.Logger
}

// API bundles shared dependencies for HTTP handlers.
type API struct {
	db        *gorm.DB
	posts     *service.PostService
	reviews   *service.ReviewService
	stats     *service.StatsService
	pipeline  PipelineRunner
	replyFlow ReplyRunner
	events    *service.ApprovalEventHub
	notifier  *service.TelegramNotifier
	chatID    int64
	secret    string
	logger    *zap.Logger
}

// NewAPI constructs a handler set with shared services.
func NewAPI(deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	posts := deps.Posts
	if posts == nil {
		posts = service.NewPostService(deps.DB)
	}
	reviews := deps.Reviews
	if reviews == nil {
		reviews = service.NewReviewService(deps.DB)
	}
	stats := deps.Stats
	if stats == nil {
		stats = service.NewStatsService(deps.DB, nil, 0, logger)
	}

	return &API{
		db:        deps.DB,
		posts:     posts,
		reviews:   reviews,
		stats:     stats,
		pipeline:  deps.Pipeline,
		replyFlow: deps.ReplyFlow,
		events:    deps.ApprovalEvents,
		notifier:  deps.Notifier,
		chatID:    deps.TelegramChatID,
		secret:    deps.TelegramWebhookSecret,
		logger:    logger,
	}
}

// DB exposes the underlying gorm instance.
func (a *API) DB() *gorm.DB {
	return a.db
}
