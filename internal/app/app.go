package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/biterate/internal/cache"
	"github.com/biterate/internal/config"
	"github.com/biterate/internal/db"
	"github.com/biterate/internal/handler"
	"github.com/biterate/internal/logging"
	"github.com/biterate/internal/metrics"
	"github.com/biterate/internal/service"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 持有按配置构建好的全部组件，由 CLI 子命令共享。
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	DB      *gorm.DB
	Metrics *metrics.Metrics

	Posts     *service.PostService
	Reviews   *service.ReviewService
	Approvals *service.ApprovalService
	Replies   *service.ReplyService
	Logs      *service.WorkflowLogService
	Stats     *service.StatsService
	Pages     *service.PageStateService

	Pipeline  *service.Pipeline
	ReplyFlow *service.ReplyWorkflow
	Listener  *service.MentionListener
	// NotionListener 在 Notion 页面变更时触发 Pipeline
	NotionListener *service.NotionListener

	// 以下字段在对应集成未配置时为空
	Events         *service.ApprovalEventHub
	Notifier       *service.TelegramNotifier
	TelegramBot    *tgbotapi.BotAPI
	TelegramChatID int64

	cache *cache.Cache
}

// New 打开数据库并按配置装配各组件。LLM 凭据缺失视为错误，其余集成缺失时降级。
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gdb, err := db.Open(cfg.Database.Path, logging.Component(logger, "db"))
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        gdb,
		Metrics:   metrics.New(),
		Posts:     service.NewPostService(gdb),
		Reviews:   service.NewReviewService(gdb),
		Approvals: service.NewApprovalService(gdb),
		Replies:   service.NewReplyService(gdb),
		Logs:      service.NewWorkflowLogService(gdb),
		Pages:     service.NewPageStateService(gdb),
	}

	statsCache, err := cache.New(ctx, cfg.Redis, logging.Component(logger, "cache"))
	if err != nil {
		// 缓存不可用时直接读库
		logger.Warn("stats cache unavailable", zap.Error(err))
	}
	a.cache = statsCache
	if statsCache != nil {
		a.Stats = service.NewStatsService(gdb, statsCache, cfg.Redis.StatsTTL, logger)
	} else {
		a.Stats = service.NewStatsService(gdb, nil, 0, logger)
	}

	llm, err := service.NewLLM(ctx, cfg.LLM, cfg.LLMAPIKey(), logging.Component(logger, "llm"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	generator := service.NewDraftGenerator(llm, logging.Component(logger, "generator"))

	var network service.SocialNetwork
	mastodon, err := service.NewMastodonClient(cfg.Secrets.MastodonInstanceURL, cfg.Secrets.MastodonAccessToken, logging.Component(logger, "mastodon"))
	if err != nil {
		logger.Warn("mastodon not configured, publishing disabled", zap.Error(err))
	} else {
		network = mastodon
	}
	var publisher *service.Publisher
	if network != nil {
		publisher = service.NewPublisher(network, cfg.Mastodon.Visibility, logging.Component(logger, "publisher"))
	}

	approver := a.setupTelegram(cfg)

	var images service.ImageSource
	if cfg.Image.Enabled {
		images = service.NewImageGenerator(cfg.Secrets.ReplicateAPIToken, cfg.Image.MaxPollAttempts, cfg.Image.PollInterval, logging.Component(logger, "image"))
	}

	notion := service.NewNotionSource(cfg.Secrets.NotionAPIKey, logging.Component(logger, "notion"))
	a.Pipeline = service.NewPipeline(service.PipelineDeps{
		Source:    notion,
		Generator: generator,
		Images:    images,
		Approver:  approver,
		Publisher: publisher,
		Reviews:   a.Reviews,
		Posts:     a.Posts,
		Approvals: a.Approvals,
		Logs:      a.Logs,
		Stats:     a.Stats,
		Knowledge: service.NewKnowledgeService(gdb),
		Metrics:   a.Metrics,
		Logger:    logging.Component(logger, "pipeline"),
	}, service.PipelineConfig{
		DatabaseIDs: cfg.Notion.DatabaseIDs,
		PageIDs:     cfg.Notion.PageIDs,
		MaxReviews:  cfg.Notion.MaxReviews,
		Generation: service.GenerationConfig{
			Tone:            cfg.Post.Tone,
			MaxLength:       cfg.Post.MaxLength,
			IncludeHashtags: cfg.Post.IncludeHashtags,
			Hashtags:        cfg.Post.Hashtags,
			Guidelines:      cfg.Post.Guidelines,
			MaxTokens:       cfg.LLM.MaxTokens,
			Temperature:     cfg.LLM.Temperature,
		},
		ImageEnabled:        cfg.Image.Enabled,
		TriggerWord:         cfg.Image.TriggerWord,
		ImageModel:          cfg.Image.Model,
		DegradeWithoutImage: cfg.Image.DegradeWithoutImage,
		Visibility:          cfg.Mastodon.Visibility,
		DryRun:              cfg.Mastodon.DryRun,
		RelatedLimit:        cfg.Post.RelatedLimit,
	})

	a.ReplyFlow = service.NewReplyWorkflow(service.ReplyWorkflowDeps{
		Network:   network,
		Publisher: publisher,
		Generator: generator,
		Replies:   a.Replies,
		Logs:      a.Logs,
		Stats:     a.Stats,
		Metrics:   a.Metrics,
		Logger:    logging.Component(logger, "replies"),
	}, service.ReplyWorkflowConfig{
		SearchQueries: cfg.Replies.SearchQueries,
		PerQueryLimit: cfg.Replies.PerQueryLimit,
		MaxPosts:      cfg.Replies.MaxPosts,
		MaxLength:     cfg.Replies.MaxLength,
		Tone:          cfg.Replies.Tone,
		DryRun:        cfg.Replies.DryRun,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
	})

	a.Listener = service.NewMentionListener(service.MentionListenerDeps{
		Network:   network,
		Publisher: publisher,
		Generator: generator,
		Replies:   a.Replies,
		Logs:      a.Logs,
		Approver:  approver,
		Stats:     a.Stats,
		Metrics:   a.Metrics,
		Logger:    logging.Component(logger, "listener"),
	}, service.MentionListenerConfig{
		PollInterval: cfg.Listener.PollInterval,
		AutoReply:    cfg.Listener.AutoReply,
		MaxLength:    cfg.Replies.MaxLength,
		Tone:         cfg.Replies.Tone,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
	})

	a.NotionListener = service.NewNotionListener(service.NotionListenerDeps{
		Pages:    notion,
		States:   a.Pages,
		Pipeline: a.Pipeline,
		Logger:   logging.Component(logger, "notion_listener"),
	}, service.NotionListenerConfig{
		PageIDs:      cfg.Notion.PageIDs,
		PollInterval: cfg.NotionListener.PollInterval,
		AutoPost:     cfg.NotionListener.AutoPost,
	})

	return a, nil
}

// setupTelegram 在启用且凭据齐全时创建审核门，否则返回 nil，流水线按免审核处理。
func (a *App) setupTelegram(cfg config.Config) service.Approver {
	if !cfg.Telegram.Enabled {
		return nil
	}
	log := logging.Component(a.Logger, "telegram")

	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.Secrets.TelegramChatID), 10, 64)
	if err != nil {
		log.Warn("telegram chat id is invalid, approval disabled", zap.Error(err))
		return nil
	}
	bot, err := service.NewTelegramBot(cfg.Secrets.TelegramBotToken)
	if err != nil {
		log.Warn("telegram bot unavailable, approval disabled", zap.Error(err))
		return nil
	}

	if cfg.Telegram.Mode == "webhook" {
		if cfg.Telegram.WebhookURL == "" {
			log.Info("telegram webhook url not set, expecting setWebhook to be called externally with the configured secret")
		} else if err := service.RegisterWebhook(bot, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			log.Warn("failed to register telegram webhook", zap.Error(err))
		} else {
			log.Info("telegram webhook registered", zap.String("url", cfg.Telegram.WebhookURL))
		}
	}

	a.TelegramBot = bot
	a.TelegramChatID = chatID
	a.Events = service.NewApprovalEventHub()
	a.Notifier = service.NewTelegramNotifier(bot, chatID, log)
	return service.NewApprovalGate(true, a.Notifier, a.Events, cfg.Telegram.ApprovalTimeout, cfg.Telegram.ReasonTimeout, log)
}

// StartTelegramPoller 在 poll 模式下启动长轮询，webhook 模式或未配置时不做任何事。
func (a *App) StartTelegramPoller(ctx context.Context) {
	if a.TelegramBot == nil || a.Config.Telegram.Mode != "poll" {
		return
	}
	go service.RunTelegramPoller(ctx, a.TelegramBot, a.TelegramChatID, a.Events, a.Notifier, logging.Component(a.Logger, "telegram"))
}

// HandlerDeps 返回 HTTP 层需要的依赖。
func (a *App) HandlerDeps() handler.Deps {
	deps := handler.Deps{
		DB:        a.DB,
		Posts:     a.Posts,
		Reviews:   a.Reviews,
		Stats:     a.Stats,
		Pipeline:  a.Pipeline,
		ReplyFlow: a.ReplyFlow,
		Logger:    logging.Component(a.Logger, "http"),
	}
	// webhook 只在 webhook 模式下接收更新，避免与长轮询重复投递
	if a.Events != nil && a.Config.Telegram.Mode == "webhook" {
		deps.ApprovalEvents = a.Events
		deps.Notifier = a.Notifier
		deps.TelegramChatID = a.TelegramChatID
		deps.TelegramWebhookSecret = a.Config.Telegram.WebhookSecret
	}
	return deps
}

// Close 释放数据库与缓存连接。
func (a *App) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.Logger.Warn("failed to close cache", zap.Error(err))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Logger.Warn("failed to close database", zap.Error(err))
		}
	}
}
