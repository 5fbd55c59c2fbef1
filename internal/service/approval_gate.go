package service

import (
	"context"
	"strings"
	"time"

	"github.com/biterate/internal/db"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ApprovalState 是人工审核状态机的状态。
type ApprovalState string

const (
	ApprovalSent             ApprovalState = "sent"
	ApprovalAwaitingDecision ApprovalState = "awaiting_decision"
	// ApprovalAwaitingReason 是驳回后等待原因的中间状态
	ApprovalAwaitingReason ApprovalState = "awaiting_reason"
	ApprovalApproved       ApprovalState = "approved"
	ApprovalRejected       ApprovalState = "rejected"
	ApprovalTimedOut       ApprovalState = "timed_out"
)

// Terminal 表示状态是否为终态。
func (s ApprovalState) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalTimedOut
}

type approvalInputKind int

const (
	inputDispatched approvalInputKind = iota
	inputApprove
	inputReject
	inputText
	inputTimeout
)

// nextApprovalState 是纯状态迁移函数，不适用的输入保持原状态。
func nextApprovalState(state ApprovalState, input approvalInputKind) ApprovalState {
	switch state {
	case ApprovalSent:
		if input == inputDispatched {
			return ApprovalAwaitingDecision
		}
	case ApprovalAwaitingDecision:
		switch input {
		case inputApprove:
			return ApprovalApproved
		case inputReject:
			return ApprovalAwaitingReason
		case inputTimeout:
			return ApprovalTimedOut
		}
	case ApprovalAwaitingReason:
		switch input {
		case inputText, inputTimeout:
			return ApprovalRejected
		}
	}
	return state
}

// ApprovalRequest 是提交人工审核的内容。
type ApprovalRequest struct {
	PostID   uint
	Text     string
	ImageURL string
	Subject  string
}

// ApprovalResult 是审核的最终结果。
type ApprovalResult struct {
	State    ApprovalState
	Reason   string
	Token    string
	Bypassed bool
}

// Decision 返回持久化使用的 approve 或 reject。
func (r ApprovalResult) Decision() string {
	if r.State == ApprovalApproved {
		return db.DecisionApprove
	}
	return db.DecisionReject
}

// Approved 表示可以继续发布。
func (r ApprovalResult) Approved() bool {
	return r.State == ApprovalApproved
}

// Err 在超时时返回 ErrApprovalTimeout。
func (r ApprovalResult) Err() error {
	if r.State == ApprovalTimedOut {
		return ErrApprovalTimeout
	}
	return nil
}

// Outcome 返回 approved、rejected 或 timed_out。
func (r ApprovalResult) Outcome() string {
	return string(r.State)
}

// ApprovalNotifier 将审核请求推送给审核人。
type ApprovalNotifier interface {
	SendForApproval(ctx context.Context, token string, req ApprovalRequest) error
	PromptReason(ctx context.Context, token string) error
	NotifyOutcome(ctx context.Context, req ApprovalRequest, result ApprovalResult) error
}

// Approver 决定草稿能否发布。
type Approver interface {
	Enabled() bool
	Request(ctx context.Context, req ApprovalRequest) (ApprovalResult, error)
}

// ApprovalGate 驱动审核状态机，事件来自 ApprovalEventHub。
type ApprovalGate struct {
	enabled       bool
	notifier      ApprovalNotifier
	events        *ApprovalEventHub
	timeout       time.Duration
	reasonTimeout time.Duration
	newToken      func() string
	logger        *zap.Logger
}

// NewApprovalGate creates a gate. A nil notifier disables the gate.
func NewApprovalGate(enabled bool, notifier ApprovalNotifier, events *ApprovalEventHub, timeout, reasonTimeout time.Duration, logger *zap.Logger) *ApprovalGate {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if reasonTimeout <= 0 {
		reasonTimeout = 2 * time.Minute
	}
	if events == nil {
		events = NewApprovalEventHub()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalGate{
		enabled:       enabled && notifier != nil,
		notifier:      notifier,
		events:        events,
		timeout:       timeout,
		reasonTimeout: reasonTimeout,
		newToken:      func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:16] },
		logger:        logger,
	}
}

// Enabled 表示是否需要人工审核。
func (g *ApprovalGate) Enabled() bool {
	return g != nil && g.enabled
}

// Events 返回事件分发器，供轮询与 webhook 投递事件。
func (g *ApprovalGate) Events() *ApprovalEventHub {
	return g.events
}

// Request 推送审核请求并等待结果。关闭时直接视为已批准。
// 超时返回 ApprovalTimedOut 状态与 nil 错误；只有推送失败或 ctx 取消才返回错误。
func (g *ApprovalGate) Request(ctx context.Context, req ApprovalRequest) (ApprovalResult, error) {
	if !g.Enabled() {
		return ApprovalResult{State: ApprovalApproved, Bypassed: true}, nil
	}

	token := g.newToken()
	events, cancel := g.events.Subscribe()
	defer cancel()

	state := ApprovalSent
	if err := g.notifier.SendForApproval(ctx, token, req); err != nil {
		return ApprovalResult{State: state, Token: token}, err
	}
	state = nextApprovalState(state, inputDispatched)
	g.logger.Info("approval requested", zap.Uint("post_id", req.PostID), zap.String("token", token))

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	result := ApprovalResult{Token: token}
	for !state.Terminal() {
		var input approvalInputKind
		var event ApprovalEvent

		select {
		case <-ctx.Done():
			result.State = state
			return result, ctx.Err()
		case <-timer.C:
			input = inputTimeout
		case event = <-events:
			var ok bool
			input, ok = g.acceptEvent(state, token, event)
			if !ok {
				continue
			}
		}

		next := nextApprovalState(state, input)
		if next == state {
			continue
		}

		switch next {
		case ApprovalAwaitingReason:
			if err := g.notifier.PromptReason(ctx, token); err != nil {
				g.logger.Warn("failed to prompt for rejection reason", zap.Error(err))
			}
			timer.Reset(g.reasonTimeout)
		case ApprovalRejected:
			if input == inputText {
				result.Reason = strings.TrimSpace(event.Text)
			}
		}
		state = next
	}

	result.State = state
	if err := g.notifier.NotifyOutcome(ctx, req, result); err != nil {
		g.logger.Warn("failed to notify approval outcome", zap.Error(err))
	}
	g.logger.Info("approval resolved",
		zap.Uint("post_id", req.PostID),
		zap.String("outcome", result.Outcome()),
		zap.Bool("has_reason", result.Reason != ""),
	)
	return result, nil
}

// acceptEvent 过滤其他请求的按钮事件；文本仅在等待驳回原因时生效。
func (g *ApprovalGate) acceptEvent(state ApprovalState, token string, event ApprovalEvent) (approvalInputKind, bool) {
	switch event.Kind {
	case ApprovalEventApprove:
		return inputApprove, event.Token == token
	case ApprovalEventReject:
		return inputReject, event.Token == token
	case ApprovalEventText:
		if state != ApprovalAwaitingReason {
			return 0, false
		}
		if event.Token != "" && event.Token != token {
			return 0, false
		}
		return inputText, true
	default:
		return 0, false
	}
}
