package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PageWatcher 返回页面的最后编辑时间。
type PageWatcher interface {
	LastEdited(ctx context.Context, pageID string) (string, error)
}

// PostRunner 执行一次帖子生成。
type PostRunner interface {
	Run(ctx context.Context, opts RunOptions) (RunResult, error)
}

// NotionListenerConfig 是页面监听参数。
type NotionListenerConfig struct {
	PageIDs      []string
	PollInterval time.Duration
	AutoPost     bool
}

// NotionListenerDeps 汇集页面监听的依赖。
type NotionListenerDeps struct {
	Pages    PageWatcher
	States   *PageStateService
	Pipeline PostRunner
	Logger   *zap.Logger
}

// NotionPollSummary 汇总一次页面检查。
type NotionPollSummary struct {
	Checked     int        `json:"checked"`
	Initialized int        `json:"initialized"`
	Changed     []string   `json:"changed"`
	Errors      int        `json:"errors"`
	Run         *RunResult `json:"run,omitempty"`
}

// NotionListener 轮询 Notion 页面的 last_edited_time，页面变更后触发一次帖子生成。
// 首次见到的页面只记录状态，不触发。
type NotionListener struct {
	deps NotionListenerDeps
	cfg  NotionListenerConfig
}

func NewNotionListener(deps NotionListenerDeps, cfg NotionListenerConfig) *NotionListener {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	return &NotionListener{deps: deps, cfg: cfg}
}

// Run 按固定间隔检查直到 ctx 取消。
func (l *NotionListener) Run(ctx context.Context) error {
	if len(l.cfg.PageIDs) == 0 {
		return errors.New("no notion page ids to watch")
	}
	if l.deps.Pages == nil {
		return ErrAPIKeyMissing
	}
	l.deps.Logger.Info("notion listener started",
		zap.Int("pages", len(l.cfg.PageIDs)),
		zap.Duration("interval", l.cfg.PollInterval),
		zap.Bool("auto_post", l.cfg.AutoPost),
	)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := l.PollOnce(ctx); err != nil {
			l.deps.Logger.Warn("notion poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			l.deps.Logger.Info("notion listener stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce 检查全部页面。单个页面读取失败只记录日志；
// 只要有页面变更且开启自动发帖，就运行一次流水线。
func (l *NotionListener) PollOnce(ctx context.Context) (NotionPollSummary, error) {
	summary := NotionPollSummary{Changed: []string{}}
	for _, pageID := range l.cfg.PageIDs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++
		logger := l.deps.Logger.With(zap.String("page_id", pageID))

		edited, err := l.deps.Pages.LastEdited(ctx, pageID)
		if err != nil {
			summary.Errors++
			logger.Warn("failed to read page edit time", zap.Error(err))
			continue
		}
		stored, err := l.deps.States.Get(pageID)
		if err != nil {
			return summary, errors.Wrap(err, "load page state")
		}

		switch {
		case stored == nil:
			if err := l.deps.States.Save(pageID, edited, false); err != nil {
				return summary, errors.Wrap(err, "save page state")
			}
			summary.Initialized++
			logger.Info("tracking notion page", zap.String("last_edited_time", edited))
		case stored.LastEditedTime != edited:
			if err := l.deps.States.Save(pageID, edited, l.cfg.AutoPost); err != nil {
				return summary, errors.Wrap(err, "save page state")
			}
			summary.Changed = append(summary.Changed, pageID)
			logger.Info("notion page changed", zap.String("previous", stored.LastEditedTime), zap.String("current", edited))
		default:
			if err := l.deps.States.Touch(pageID); err != nil {
				logger.Warn("failed to update page check time", zap.Error(err))
			}
		}
	}

	if len(summary.Changed) == 0 {
		return summary, nil
	}
	if !l.cfg.AutoPost {
		l.deps.Logger.Info("auto post disabled, skipping generation", zap.Strings("changed", summary.Changed))
		return summary, nil
	}
	if l.deps.Pipeline == nil {
		return summary, errors.New("no pipeline configured")
	}

	// 所有页面的内容一起进入同一次生成
	result, err := l.deps.Pipeline.Run(ctx, RunOptions{})
	summary.Run = &result
	if err != nil {
		return summary, errors.Wrap(err, "run pipeline")
	}
	l.deps.Logger.Info("post generation triggered by notion change",
		zap.String("run_id", result.RunID),
		zap.String("outcome", result.Outcome),
	)
	return summary, nil
}
