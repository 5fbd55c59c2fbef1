package service

import (
	"context"
	"fmt"
	"time"

	"github.com/biterate/internal/db"
	"github.com/biterate/internal/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const mentionNotificationLimit = 20

// MentionListenerConfig 是提及监听的参数。
type MentionListenerConfig struct {
	PollInterval time.Duration
	AutoReply    bool
	MaxLength    int
	Tone         string
	MaxTokens    int
	Temperature  float64
}

// MentionListenerDeps 汇集提及监听的依赖。Approver 可为空。
type MentionListenerDeps struct {
	Network   SocialNetwork
	Publisher *Publisher
	Generator *DraftGenerator
	Replies   *ReplyService
	Logs      *WorkflowLogService
	Approver  Approver
	Stats     *StatsService
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// MentionPollSummary 汇总一次轮询。
type MentionPollSummary struct {
	RunID     string         `json:"run_id"`
	Relevant  int            `json:"relevant"`
	Published int            `json:"published"`
	Pending   int            `json:"pending"`
	Failed    int            `json:"failed"`
	Replies   []ReplyOutcome `json:"replies"`
}

// MentionListener 轮询通知，对提及与针对本账号状态的回复自动生成回复。
type MentionListener struct {
	deps   MentionListenerDeps
	cfg    MentionListenerConfig
	selfID string
}

// NewMentionListener creates a MentionListener.
func NewMentionListener(deps MentionListenerDeps, cfg MentionListenerConfig) *MentionListener {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 500
	}
	return &MentionListener{deps: deps, cfg: cfg}
}

// Run 按固定间隔轮询直到 ctx 取消。无法确定当前账号时直接返回错误。
func (l *MentionListener) Run(ctx context.Context) error {
	if err := l.resolveSelf(ctx); err != nil {
		return err
	}
	l.deps.Logger.Info("mention listener started", zap.Duration("interval", l.cfg.PollInterval))

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := l.PollOnce(ctx); err != nil {
			l.deps.Logger.Warn("mention poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			l.deps.Logger.Info("mention listener stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (l *MentionListener) resolveSelf(ctx context.Context) error {
	if l.selfID != "" {
		return nil
	}
	if l.deps.Network == nil {
		return ErrAPIKeyMissing
	}
	id, err := l.deps.Network.CurrentAccountID(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve current account")
	}
	l.selfID = id
	return nil
}

// PollOnce 执行一次轮询，每次都会写入一条 reply_generation 运行记录。
func (l *MentionListener) PollOnce(ctx context.Context) (MentionPollSummary, error) {
	entry, err := l.deps.Logs.Start(db.WorkflowReplyGeneration, map[string]any{
		"source":     "mentions",
		"auto_reply": l.cfg.AutoReply,
	})
	if err != nil {
		return MentionPollSummary{}, errors.Wrap(err, "start workflow log")
	}
	summary := MentionPollSummary{RunID: entry.RunID, Replies: []ReplyOutcome{}}
	logger := l.deps.Logger.With(zap.String("run_id", entry.RunID))

	relevant, err := l.relevantNotifications(ctx)
	if err != nil {
		err = errors.Wrap(err, "notifications")
		if _, logErr := l.deps.Logs.Fail(entry.RunID, err, nil); logErr != nil {
			logger.Error("failed to record workflow failure", zap.Error(logErr))
		}
		l.deps.Metrics.ObserveRun(db.WorkflowReplyGeneration, db.WorkflowStatusFailed)
		return summary, err
	}
	summary.Relevant = len(relevant)
	if len(relevant) > 0 {
		logger.Info("new mentions to reply to", zap.Int("count", len(relevant)))
	}

	for _, item := range relevant {
		outcome := l.handle(ctx, entry.RunID, item, logger)
		switch outcome.Status {
		case db.ReplyStatusPublished:
			summary.Published++
		case db.ReplyStatusPending:
			summary.Pending++
		default:
			summary.Failed++
		}
		l.deps.Metrics.ObserveReply(outcome.Status)
		summary.Replies = append(summary.Replies, outcome)
	}

	if _, err := l.deps.Logs.Complete(entry.RunID, map[string]any{
		"relevant":  summary.Relevant,
		"published": summary.Published,
		"pending":   summary.Pending,
		"failed":    summary.Failed,
	}); err != nil {
		logger.Error("failed to record workflow completion", zap.Error(err))
	}
	l.deps.Metrics.ObserveRun(db.WorkflowReplyGeneration, db.WorkflowStatusCompleted)
	if len(relevant) > 0 {
		l.deps.Stats.Invalidate(ctx)
	}
	return summary, nil
}

type mentionItem struct {
	notification SocialNotification
	parent       *SocialStatus
}

// relevantNotifications 保留 mention 与针对本账号状态的回复，跳过已处理的通知。
func (l *MentionListener) relevantNotifications(ctx context.Context) ([]mentionItem, error) {
	if err := l.resolveSelf(ctx); err != nil {
		return nil, err
	}
	notifications, err := l.deps.Network.Notifications(ctx, mentionNotificationLimit)
	if err != nil {
		return nil, err
	}

	var relevant []mentionItem
	for _, n := range notifications {
		if n.Type != "mention" && n.Type != "reply" {
			continue
		}
		if n.Status == nil || n.ID == "" {
			continue
		}
		handled, err := l.deps.Replies.ExistsForNotification(n.ID)
		if err != nil {
			return nil, err
		}
		if handled {
			continue
		}

		if n.Status.InReplyToID != "" {
			parent, err := l.deps.Network.Status(ctx, n.Status.InReplyToID)
			if err != nil {
				l.deps.Logger.Debug("parent status unavailable", zap.String("status_id", n.Status.InReplyToID), zap.Error(err))
				continue
			}
			if parent.AccountID != l.selfID {
				continue
			}
			relevant = append(relevant, mentionItem{notification: n, parent: &parent})
			continue
		}
		if n.Type == "mention" {
			relevant = append(relevant, mentionItem{notification: n})
		}
	}
	return relevant, nil
}

func (l *MentionListener) handle(ctx context.Context, runID string, item mentionItem, logger *zap.Logger) ReplyOutcome {
	status := item.notification.Status
	outcome := ReplyOutcome{OriginalPostID: status.ID}
	logger = logger.With(zap.String("notification_id", item.notification.ID))

	var original string
	if item.parent != nil {
		original = item.parent.Content
	}

	input := ReplyInput{
		OriginalPostID:       status.ID,
		OriginalPostURL:      status.URL,
		OriginalContent:      status.Content,
		SourceNotificationID: item.notification.ID,
		Tone:                 l.cfg.Tone,
		WorkflowRunID:        runID,
	}

	draft, err := l.deps.Generator.GenerateReply(ctx, ReplyPrompt{
		OriginalContent: original,
		Comment:         status.Content,
		Author:          status.AccountAcct,
		Tone:            l.cfg.Tone,
		MaxLength:       l.cfg.MaxLength,
		MaxTokens:       l.cfg.MaxTokens,
		Temperature:     l.cfg.Temperature,
	})
	if err != nil {
		logger.Warn("reply generation failed", zap.Error(err))
		return l.store(input, outcome, err, logger)
	}
	input.ReplyContent = WithMention(status.AccountAcct, draft.Content, l.cfg.MaxLength)
	input.Tone = draft.Tone

	if !l.cfg.AutoReply {
		reply, err := l.deps.Replies.Create(input)
		if err != nil {
			logger.Error("failed to store reply", zap.Error(err))
			outcome.Status = db.ReplyStatusFailed
			outcome.Error = err.Error()
			return outcome
		}
		outcome.ReplyID = reply.ID
		outcome.Status = db.ReplyStatusPending
		logger.Info("auto reply disabled, reply stored as pending", zap.Uint("reply_id", reply.ID))
		return outcome
	}

	if l.deps.Approver != nil && l.deps.Approver.Enabled() {
		result, err := l.deps.Approver.Request(ctx, ApprovalRequest{
			Subject: "Reply to comment:\n\n" + truncateWithEllipsis(status.Content, 200),
			Text:    input.ReplyContent,
		})
		if err != nil {
			return l.store(input, outcome, errors.Wrap(err, "approval"), logger)
		}
		l.deps.Metrics.ObserveApproval(result.Outcome())
		if !result.Approved() {
			cause := fmt.Errorf("reply %s", result.Outcome())
			if result.Reason != "" {
				cause = fmt.Errorf("reply %s: %s", result.Outcome(), result.Reason)
			}
			return l.store(input, outcome, cause, logger)
		}
	}

	reply, err := l.deps.Replies.Create(input)
	if err != nil {
		logger.Error("failed to store reply", zap.Error(err))
		outcome.Status = db.ReplyStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.ReplyID = reply.ID

	result, err := l.deps.Publisher.Reply(ctx, status.ID, input.ReplyContent)
	if err != nil {
		logger.Warn("reply publish failed", zap.Error(err))
		if _, markErr := l.deps.Replies.MarkFailed(reply.ID, err.Error()); markErr != nil {
			logger.Error("failed to mark reply failed", zap.Error(markErr))
		}
		outcome.Status = db.ReplyStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	if _, err := l.deps.Replies.MarkPublished(reply.ID, result.ExternalID, result.URL); err != nil {
		logger.Error("failed to mark reply published", zap.Error(err))
	}
	outcome.Status = db.ReplyStatusPublished
	return outcome
}

// store 写入 failed 回复行，使该通知不会在下次轮询时重复处理。
func (l *MentionListener) store(input ReplyInput, outcome ReplyOutcome, cause error, logger *zap.Logger) ReplyOutcome {
	outcome.Status = db.ReplyStatusFailed
	outcome.Error = cause.Error()

	reply, err := l.deps.Replies.Create(input)
	if err != nil {
		logger.Error("failed to store reply", zap.Error(err))
		return outcome
	}
	outcome.ReplyID = reply.ID
	if _, err := l.deps.Replies.MarkFailed(reply.ID, cause.Error()); err != nil {
		logger.Error("failed to mark reply failed", zap.Error(err))
	}
	return outcome
}
