package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/biterate/internal/db"
	"github.com/biterate/internal/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// 流水线阶段名，同时用于错误包装与耗时指标。
const (
	StageRetrieve = "retrieve"
	StageDraft    = "draft"
	StageImage    = "image"
	StageApproval = "approval"
	StagePublish  = "publish"
)

// 一次运行的结果。
const (
	OutcomePublished = "published"
	OutcomeDryRun    = "dry_run"
	OutcomeRejected  = "rejected"
	OutcomeTimedOut  = "timed_out"
	OutcomeNoReviews = "no_reviews"
	OutcomeFailed    = "failed"
)

// PipelineConfig 是生成帖子流水线的参数。
type PipelineConfig struct {
	DatabaseIDs         []string
	PageIDs             []string
	MaxReviews          int
	Generation          GenerationConfig
	ImageEnabled        bool
	TriggerWord         string
	ImageModel          string
	DegradeWithoutImage bool
	Visibility          string
	DryRun              bool
	// RelatedLimit 是检索上下文的条数上限，0 表示不检索
	RelatedLimit int
}

// PipelineDeps 汇集流水线依赖。Images 与 Approver 可为空。
type PipelineDeps struct {
	Source    ReviewSource
	Generator *DraftGenerator
	Images    ImageSource
	Approver  Approver
	Publisher *Publisher
	Reviews   *ReviewService
	Posts     *PostService
	Approvals *ApprovalService
	Logs      *WorkflowLogService
	Stats     *StatsService
	Knowledge *KnowledgeService
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// RunOptions 是单次运行的选项，DryRun 与配置取或。
type RunOptions struct {
	DryRun bool
}

// RunResult 汇总一次运行。
type RunResult struct {
	RunID           string   `json:"run_id"`
	Outcome         string   `json:"outcome"`
	Post            *db.Post `json:"post,omitempty"`
	Reviews         int      `json:"reviews"`
	ImageURL        string   `json:"image_url,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	RelatedItems    int      `json:"related_items"`
	DryRun          bool     `json:"dry_run"`
}

// Pipeline 串联数据获取、草稿生成、配图、审核与发布。
type Pipeline struct {
	deps PipelineDeps
	cfg  PipelineConfig
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxReviews <= 0 {
		cfg.MaxReviews = 10
	}
	return &Pipeline{deps: deps, cfg: cfg}
}

type pipelineRun struct {
	*Pipeline
	result  RunResult
	logger  *zap.Logger
	draft   Draft
	records []ReviewRecord
	company string
	bypass  bool
}

// Run 执行一次完整流水线。任一阶段失败都会写入 failed 运行记录并返回带阶段名的错误；
// 驳回与审核超时属于正常结果，不返回错误。
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	dryRun := opts.DryRun || p.cfg.DryRun
	entry, err := p.deps.Logs.Start(db.WorkflowPostGeneration, map[string]any{"dry_run": dryRun})
	if err != nil {
		return RunResult{Outcome: OutcomeFailed, DryRun: dryRun}, errors.Wrap(err, "start workflow log")
	}

	run := &pipelineRun{
		Pipeline: p,
		result:   RunResult{RunID: entry.RunID, DryRun: dryRun},
		logger:   p.deps.Logger.With(zap.String("run_id", entry.RunID)),
	}
	run.logger.Info("post generation started", zap.Bool("dry_run", dryRun))

	err = run.execute(ctx)
	p.deps.Stats.Invalidate(ctx)

	if err != nil {
		run.result.Outcome = OutcomeFailed
		if _, logErr := p.deps.Logs.Fail(entry.RunID, err, run.metadata()); logErr != nil {
			run.logger.Error("failed to record workflow failure", zap.Error(logErr))
		}
		p.deps.Metrics.ObserveRun(db.WorkflowPostGeneration, db.WorkflowStatusFailed)
		run.logger.Error("post generation failed", zap.Error(err))
		return run.result, err
	}

	if _, logErr := p.deps.Logs.Complete(entry.RunID, run.metadata()); logErr != nil {
		run.logger.Error("failed to record workflow completion", zap.Error(logErr))
	}
	p.deps.Metrics.ObserveRun(db.WorkflowPostGeneration, db.WorkflowStatusCompleted)
	run.logger.Info("post generation finished", zap.String("outcome", run.result.Outcome))
	return run.result, nil
}

func (r *pipelineRun) metadata() map[string]any {
	md := map[string]any{
		"reviews": r.result.Reviews,
		"outcome": r.result.Outcome,
	}
	if r.result.Post != nil {
		md["post_id"] = r.result.Post.ID
	}
	if r.result.ImageURL != "" {
		md["image_url"] = r.result.ImageURL
	}
	if r.result.RejectionReason != "" {
		md["rejection_reason"] = r.result.RejectionReason
	}
	return md
}

func (r *pipelineRun) stage(name string, fn func() error) error {
	started := time.Now()
	err := fn()
	r.deps.Metrics.ObserveStage(name, time.Since(started))
	if err != nil {
		return errors.Wrap(err, name)
	}
	return nil
}

func (r *pipelineRun) execute(ctx context.Context) error {
	if err := r.stage(StageRetrieve, func() error { return r.retrieve(ctx) }); err != nil {
		return err
	}
	if len(r.records) == 0 && r.company == "" {
		r.result.Outcome = OutcomeNoReviews
		r.logger.Info("no reviews available, nothing to generate")
		return nil
	}

	if err := r.stage(StageDraft, func() error { return r.generateDraft(ctx) }); err != nil {
		return err
	}
	// 先落库草稿，配图失败时帖子仍以 failed 状态保留
	post, err := r.deps.Posts.Create(PostInput{
		Content:             r.draft.Content,
		Hashtags:            r.draft.Hashtags,
		RestaurantMentioned: r.draft.RestaurantMentioned,
		RatingMentioned:     r.draft.RatingMentioned,
		Tone:                r.draft.Tone,
		WorkflowRunID:       r.result.RunID,
	})
	if err != nil {
		return errors.Wrap(err, "store post")
	}
	r.result.Post = post

	if err := r.stage(StageImage, func() error { return r.generateImage(ctx) }); err != nil {
		return err
	}

	approved := false
	if err := r.stage(StageApproval, func() error {
		var err error
		approved, err = r.approve(ctx)
		return err
	}); err != nil {
		return err
	}
	if !approved {
		return nil
	}

	if r.result.DryRun {
		r.result.Outcome = OutcomeDryRun
		r.logger.Info("dry run: post not published", zap.Uint("post_id", post.ID), zap.String("status", post.Status))
		return nil
	}
	return r.stage(StagePublish, func() error { return r.publish(ctx) })
}

// retrieve 获取点评并落库，评分越界的点评记录日志后跳过。
func (r *pipelineRun) retrieve(ctx context.Context) error {
	if r.deps.Source == nil {
		return &RetrievalError{Source: "notion", Err: ErrAPIKeyMissing}
	}
	for record, err := range r.deps.Source.Reviews(ctx, r.cfg.DatabaseIDs, r.cfg.PageIDs, r.cfg.MaxReviews) {
		if err != nil {
			return err
		}
		if _, _, err := r.deps.Reviews.Upsert(record); err != nil {
			if stderrors.Is(err, ErrRatingOutOfRange) || stderrors.Is(err, ErrExternalIDRequired) {
				r.logger.Warn("skipping invalid review", zap.String("external_id", record.ExternalID), zap.Error(err))
				continue
			}
			return errors.Wrap(err, "store review")
		}
		r.records = append(r.records, record)
	}
	r.result.Reviews = len(r.records)

	company, err := r.deps.Source.CompanyInfo(ctx, r.cfg.PageIDs)
	if err != nil {
		return err
	}
	r.company = company
	r.logger.Info("reviews fetched", zap.Int("count", len(r.records)), zap.Int("company_info_chars", len(company)))
	return nil
}

func (r *pipelineRun) generateDraft(ctx context.Context) error {
	if r.deps.Generator == nil {
		return &GenerationError{Reason: "no draft generator configured"}
	}
	gen := r.cfg.Generation
	gen.RelatedContext = r.relatedContext()
	draft, err := r.deps.Generator.Generate(ctx, r.records, r.company, gen)
	if err != nil {
		return err
	}
	r.draft = draft
	return nil
}

// relatedContext 检索历史内容，失败时不带上下文继续生成。
func (r *pipelineRun) relatedContext() string {
	if r.deps.Knowledge == nil || r.cfg.RelatedLimit <= 0 || len(r.records) == 0 {
		return ""
	}
	exclude := make([]string, 0, len(r.records))
	for _, record := range r.records {
		exclude = append(exclude, record.ExternalID)
	}
	query := RelatedQuery(r.records)
	hits, err := r.deps.Knowledge.Related(query, exclude, r.cfg.RelatedLimit)
	if err != nil {
		r.logger.Warn("related context lookup failed", zap.Error(err))
		return ""
	}
	r.result.RelatedItems = len(hits)
	r.logger.Info("related context retrieved", zap.String("query", query), zap.Int("items", len(hits)))
	return FormatKnowledge(hits)
}

// generateImage 失败时按配置降级为无图，或将帖子标记为 failed 并中止运行。
func (r *pipelineRun) generateImage(ctx context.Context) error {
	if !r.cfg.ImageEnabled || r.deps.Images == nil {
		return nil
	}
	post := r.result.Post
	url, err := r.deps.Images.Generate(ctx, r.cfg.TriggerWord, r.cfg.ImageModel)
	if err != nil {
		if r.cfg.DegradeWithoutImage {
			r.logger.Warn("image generation failed, continuing without image", zap.Error(err))
			return nil
		}
		if updated, markErr := r.deps.Posts.TransitionStatus(post.ID, db.PostStatusFailed, true); markErr != nil {
			r.logger.Error("failed to mark post failed", zap.Uint("post_id", post.ID), zap.Error(markErr))
		} else {
			r.result.Post = updated
		}
		return err
	}

	updated, err := r.deps.Posts.SetImageURL(post.ID, url)
	if err != nil {
		return errors.Wrap(err, "attach image")
	}
	r.result.Post = updated
	r.result.ImageURL = url
	return nil
}

// approve 返回是否可以继续发布；驳回与超时会更新帖子状态并写入审核记录。
func (r *pipelineRun) approve(ctx context.Context) (bool, error) {
	post := r.result.Post
	if r.deps.Approver == nil || !r.deps.Approver.Enabled() {
		r.bypass = true
		return true, nil
	}

	result, err := r.deps.Approver.Request(ctx, ApprovalRequest{
		PostID:   post.ID,
		Text:     r.draft.Text(),
		ImageURL: r.result.ImageURL,
	})
	if err != nil {
		return false, err
	}
	if result.Bypassed {
		r.bypass = true
		return true, nil
	}
	r.deps.Metrics.ObserveApproval(result.Outcome())

	if _, err := r.deps.Approvals.Record(ApprovalInput{
		PostID:   post.ID,
		Decision: result.Decision(),
		Reason:   result.Reason,
		TimedOut: result.State == ApprovalTimedOut,
	}); err != nil {
		return false, errors.Wrap(err, "record approval")
	}

	if result.Approved() {
		updated, err := r.deps.Posts.TransitionStatus(post.ID, db.PostStatusApproved, false)
		if err != nil {
			return false, err
		}
		r.result.Post = updated
		return true, nil
	}

	if result.Reason != "" {
		if _, err := r.deps.Approvals.RecordFeedback(post.ID, db.FeedbackRejection, result.Reason); err != nil {
			return false, errors.Wrap(err, "record feedback")
		}
	}
	updated, err := r.deps.Posts.TransitionStatus(post.ID, db.PostStatusRejected, false)
	if err != nil {
		return false, err
	}
	r.result.Post = updated
	r.result.RejectionReason = result.Reason
	if stderrors.Is(result.Err(), ErrApprovalTimeout) {
		r.result.Outcome = OutcomeTimedOut
	} else {
		r.result.Outcome = OutcomeRejected
	}
	return false, nil
}

// publish 发布帖子；失败时帖子标记为 failed。
func (r *pipelineRun) publish(ctx context.Context) error {
	post := r.result.Post
	req := PublishRequest{
		Text:       r.draft.Content,
		Hashtags:   r.draft.Hashtags,
		ImageURL:   r.result.ImageURL,
		Visibility: r.cfg.Visibility,
	}
	if r.result.ImageURL != "" && r.deps.Images != nil {
		image, err := r.deps.Images.Download(ctx, r.result.ImageURL)
		switch {
		case err == nil:
			req.Image = &image
			if r.draft.RestaurantMentioned != "" {
				req.ImageDescription = "Generated image for " + r.draft.RestaurantMentioned
			}
		case r.cfg.DegradeWithoutImage:
			r.logger.Warn("image download failed, publishing without media", zap.Error(err))
		default:
			return r.markFailed(post.ID, &PublishError{Op: "download image", Err: err})
		}
	}

	if r.deps.Publisher == nil {
		return r.markFailed(post.ID, &PublishError{Op: "publish", Err: ErrAPIKeyMissing})
	}
	published, err := r.deps.Publisher.Publish(ctx, req)
	if err != nil {
		return r.markFailed(post.ID, err)
	}

	updated, err := r.deps.Posts.MarkPublished(post.ID, published.ExternalID, published.URL, r.bypass)
	if err != nil {
		return errors.Wrap(err, "mark published")
	}
	r.result.Post = updated
	r.result.Outcome = OutcomePublished
	return nil
}

func (r *pipelineRun) markFailed(postID uint, cause error) error {
	updated, err := r.deps.Posts.TransitionStatus(postID, db.PostStatusFailed, r.bypass)
	if err != nil {
		r.logger.Error("failed to mark post failed", zap.Uint("post_id", postID), zap.Error(err))
	} else {
		r.result.Post = updated
	}
	return cause
}
