package service

import (
	"context"
	"strings"

	"github.com/biterate/internal/db"
	"github.com/biterate/internal/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultSearchQueries 是未配置时使用的检索词。
var DefaultSearchQueries = []string{"restaurant", "food review", "dining", "foodie", "restaurant review"}

// ReplyWorkflowConfig 是回复工作流的参数。
type ReplyWorkflowConfig struct {
	SearchQueries []string
	PerQueryLimit int
	MaxPosts      int
	MaxLength     int
	Tone          string
	DryRun        bool
	MaxTokens     int
	Temperature   float64
}

// ReplyRunOptions 是单次运行的选项，DryRun 与配置取或。
type ReplyRunOptions struct {
	DryRun bool
}

// ReplyOutcome 记录单个候选的处理结果。
type ReplyOutcome struct {
	ReplyID        uint   `json:"reply_id,omitempty"`
	OriginalPostID string `json:"original_post_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// ReplyRunSummary 汇总一次回复工作流。
type ReplyRunSummary struct {
	RunID      string         `json:"run_id"`
	DryRun     bool           `json:"dry_run"`
	Candidates int            `json:"candidates"`
	Published  int            `json:"published"`
	Pending    int            `json:"pending"`
	Failed     int            `json:"failed"`
	Replies    []ReplyOutcome `json:"replies"`
}

// ReplyWorkflowDeps 汇集回复工作流依赖。
type ReplyWorkflowDeps struct {
	Network   SocialNetwork
	Publisher *Publisher
	Generator *DraftGenerator
	Replies   *ReplyService
	Logs      *WorkflowLogService
	Stats     *StatsService
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// ReplyWorkflow 检索美食相关状态并逐条生成回复。
type ReplyWorkflow struct {
	deps ReplyWorkflowDeps
	cfg  ReplyWorkflowConfig
}

// NewReplyWorkflow creates a ReplyWorkflow.
func NewReplyWorkflow(deps ReplyWorkflowDeps, cfg ReplyWorkflowConfig) *ReplyWorkflow {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if len(cfg.SearchQueries) == 0 {
		cfg.SearchQueries = DefaultSearchQueries
	}
	if cfg.PerQueryLimit <= 0 {
		cfg.PerQueryLimit = 2
	}
	if cfg.MaxPosts <= 0 {
		cfg.MaxPosts = 5
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 500
	}
	return &ReplyWorkflow{deps: deps, cfg: cfg}
}

// Run 执行一次回复工作流。单个候选失败只记录在对应回复行上；检索失败时整次运行失败。
func (w *ReplyWorkflow) Run(ctx context.Context, opts ReplyRunOptions) (ReplyRunSummary, error) {
	dryRun := opts.DryRun || w.cfg.DryRun
	entry, err := w.deps.Logs.Start(db.WorkflowReplyGeneration, map[string]any{
		"dry_run": dryRun,
		"source":  "search",
		"queries": w.cfg.SearchQueries,
	})
	if err != nil {
		return ReplyRunSummary{}, errors.Wrap(err, "start workflow log")
	}
	summary := ReplyRunSummary{RunID: entry.RunID, DryRun: dryRun, Replies: []ReplyOutcome{}}
	logger := w.deps.Logger.With(zap.String("run_id", entry.RunID))

	candidates, err := w.collectCandidates(ctx, dryRun)
	if err != nil {
		err = errors.Wrap(err, "search")
		if _, logErr := w.deps.Logs.Fail(entry.RunID, err, nil); logErr != nil {
			logger.Error("failed to record workflow failure", zap.Error(logErr))
		}
		w.deps.Metrics.ObserveRun(db.WorkflowReplyGeneration, db.WorkflowStatusFailed)
		return summary, err
	}
	summary.Candidates = len(candidates)
	logger.Info("reply candidates collected", zap.Int("count", len(candidates)))

	for _, candidate := range candidates {
		outcome := w.handleCandidate(ctx, entry.RunID, candidate, dryRun, logger)
		switch outcome.Status {
		case db.ReplyStatusPublished:
			summary.Published++
		case db.ReplyStatusPending:
			summary.Pending++
		default:
			summary.Failed++
		}
		w.deps.Metrics.ObserveReply(outcome.Status)
		summary.Replies = append(summary.Replies, outcome)
	}

	if _, err := w.deps.Logs.Complete(entry.RunID, map[string]any{
		"candidates": summary.Candidates,
		"published":  summary.Published,
		"pending":    summary.Pending,
		"failed":     summary.Failed,
	}); err != nil {
		logger.Error("failed to record workflow completion", zap.Error(err))
	}
	w.deps.Metrics.ObserveRun(db.WorkflowReplyGeneration, db.WorkflowStatusCompleted)
	w.deps.Stats.Invalidate(ctx)
	return summary, nil
}

// collectCandidates 按检索词依次搜索，按 id 去重，跳过已发布回复与自己的状态，最多 MaxPosts 条。
// 试运行额外跳过已有待发布回复的状态；正式运行会发布这些回复。
func (w *ReplyWorkflow) collectCandidates(ctx context.Context, dryRun bool) ([]SocialStatus, error) {
	if w.deps.Network == nil {
		return nil, ErrAPIKeyMissing
	}
	selfID, err := w.deps.Network.CurrentAccountID(ctx)
	if err != nil {
		w.deps.Logger.Warn("could not resolve current account", zap.Error(err))
		selfID = ""
	}

	seen := make(map[string]struct{})
	var candidates []SocialStatus
	for _, query := range w.cfg.SearchQueries {
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}
		statuses, err := w.deps.Network.Search(ctx, query, w.cfg.PerQueryLimit)
		if err != nil {
			return nil, errors.Wrapf(err, "query %q", query)
		}
		for _, status := range statuses {
			if status.ID == "" || strings.TrimSpace(status.Content) == "" {
				continue
			}
			if _, dup := seen[status.ID]; dup {
				continue
			}
			seen[status.ID] = struct{}{}
			if selfID != "" && status.AccountID == selfID {
				continue
			}
			replied, err := w.deps.Replies.PublishedForOriginal(status.ID)
			if err != nil {
				return nil, err
			}
			if replied {
				continue
			}
			if dryRun {
				pending, err := w.deps.Replies.PendingForOriginal(status.ID)
				if err != nil {
					return nil, err
				}
				if pending != nil {
					continue
				}
			}
			candidates = append(candidates, status)
			if len(candidates) >= w.cfg.MaxPosts {
				return candidates, nil
			}
		}
	}
	return candidates, nil
}

func (w *ReplyWorkflow) handleCandidate(ctx context.Context, runID string, status SocialStatus, dryRun bool, logger *zap.Logger) ReplyOutcome {
	outcome := ReplyOutcome{OriginalPostID: status.ID}
	logger = logger.With(zap.String("status_id", status.ID))

	if !dryRun {
		pending, err := w.deps.Replies.PendingForOriginal(status.ID)
		if err != nil {
			logger.Error("failed to look up pending reply", zap.Error(err))
			outcome.Status = db.ReplyStatusFailed
			outcome.Error = err.Error()
			return outcome
		}
		if pending != nil {
			logger.Info("publishing reply stored by an earlier dry run", zap.Uint("reply_id", pending.ID))
			outcome.ReplyID = pending.ID
			return w.publishReply(ctx, status, pending.ID, pending.ReplyContent, outcome, logger)
		}
	}

	draft, err := w.deps.Generator.GenerateReply(ctx, ReplyPrompt{
		Comment:     status.Content,
		Author:      status.AccountAcct,
		Tone:        w.cfg.Tone,
		MaxLength:   w.cfg.MaxLength,
		MaxTokens:   w.cfg.MaxTokens,
		Temperature: w.cfg.Temperature,
	})
	if err != nil {
		logger.Warn("reply generation failed", zap.Error(err))
		return w.recordFailure(runID, status, outcome, err, logger)
	}

	text := WithMention(status.AccountAcct, draft.Content, w.cfg.MaxLength)
	reply, err := w.deps.Replies.Create(ReplyInput{
		OriginalPostID:  status.ID,
		OriginalPostURL: status.URL,
		OriginalContent: status.Content,
		ReplyContent:    text,
		Tone:            draft.Tone,
		WorkflowRunID:   runID,
	})
	if err != nil {
		logger.Error("failed to store reply", zap.Error(err))
		outcome.Status = db.ReplyStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.ReplyID = reply.ID

	if dryRun {
		outcome.Status = db.ReplyStatusPending
		logger.Info("dry run: reply not sent", zap.Uint("reply_id", reply.ID))
		return outcome
	}

	return w.publishReply(ctx, status, reply.ID, text, outcome, logger)
}

func (w *ReplyWorkflow) publishReply(ctx context.Context, status SocialStatus, replyID uint, text string, outcome ReplyOutcome, logger *zap.Logger) ReplyOutcome {
	result, err := w.deps.Publisher.Reply(ctx, status.ID, text)
	if err != nil {
		logger.Warn("reply publish failed", zap.Error(err))
		if _, markErr := w.deps.Replies.MarkFailed(replyID, err.Error()); markErr != nil {
			logger.Error("failed to mark reply failed", zap.Error(markErr))
		}
		outcome.Status = db.ReplyStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	if _, err := w.deps.Replies.MarkPublished(replyID, result.ExternalID, result.URL); err != nil {
		logger.Error("failed to mark reply published", zap.Error(err))
	}
	outcome.Status = db.ReplyStatusPublished
	return outcome
}

// recordFailure 在生成失败时也写入一行 failed 回复，便于追踪。
func (w *ReplyWorkflow) recordFailure(runID string, status SocialStatus, outcome ReplyOutcome, cause error, logger *zap.Logger) ReplyOutcome {
	outcome.Status = db.ReplyStatusFailed
	outcome.Error = cause.Error()

	reply, err := w.deps.Replies.Create(ReplyInput{
		OriginalPostID:  status.ID,
		OriginalPostURL: status.URL,
		OriginalContent: status.Content,
		Tone:            w.cfg.Tone,
		WorkflowRunID:   runID,
	})
	if err != nil {
		logger.Error("failed to store failed reply", zap.Error(err))
		return outcome
	}
	outcome.ReplyID = reply.ID
	if _, err := w.deps.Replies.MarkFailed(reply.ID, cause.Error()); err != nil {
		logger.Error("failed to mark reply failed", zap.Error(err))
	}
	return outcome
}
