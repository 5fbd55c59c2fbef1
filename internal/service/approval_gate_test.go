package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNextApprovalState(t *testing.T) {
	cases := []struct {
		name  string
		state ApprovalState
		input approvalInputKind
		want  ApprovalState
	}{
		{"dispatch", ApprovalSent, inputDispatched, ApprovalAwaitingDecision},
		{"approve", ApprovalAwaitingDecision, inputApprove, ApprovalApproved},
		{"reject waits for reason", ApprovalAwaitingDecision, inputReject, ApprovalAwaitingReason},
		{"main timeout", ApprovalAwaitingDecision, inputTimeout, ApprovalTimedOut},
		{"text before reject ignored", ApprovalAwaitingDecision, inputText, ApprovalAwaitingDecision},
		{"reason text", ApprovalAwaitingReason, inputText, ApprovalRejected},
		{"reason timeout", ApprovalAwaitingReason, inputTimeout, ApprovalRejected},
		{"approve after reject ignored", ApprovalAwaitingReason, inputApprove, ApprovalAwaitingReason},
		{"terminal approved", ApprovalApproved, inputReject, ApprovalApproved},
		{"terminal timed out", ApprovalTimedOut, inputApprove, ApprovalTimedOut},
		{"sent ignores approve", ApprovalSent, inputApprove, ApprovalSent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextApprovalState(tc.state, tc.input); got != tc.want {
				t.Fatalf("nextApprovalState(%s) = %s, want %s", tc.state, got, tc.want)
			}
		})
	}
}

func TestParseCallbackData(t *testing.T) {
	event, ok := ParseCallbackData("approve:abc123")
	if !ok || event.Kind != ApprovalEventApprove || event.Token != "abc123" {
		t.Fatalf("unexpected parse result %+v ok=%v", event, ok)
	}
	for _, raw := range []string{"approve", "approve:", "publish:abc", ""} {
		if _, ok := ParseCallbackData(raw); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
	if got := CallbackData(ApprovalEventReject, "tok"); got != "reject:tok" {
		t.Fatalf("unexpected callback data %q", got)
	}
}

func newTestGate(notifier *scriptedNotifier, hub *ApprovalEventHub, timeout, reasonTimeout time.Duration) *ApprovalGate {
	gate := NewApprovalGate(true, notifier, hub, timeout, reasonTimeout, nil)
	gate.newToken = func() string { return "tok-1" }
	return gate
}

func TestApprovalGate_Approve(t *testing.T) {
	hub := NewApprovalEventHub()
	notifier := &scriptedNotifier{hub: hub, script: func(token string) []ApprovalEvent {
		return []ApprovalEvent{{Kind: ApprovalEventApprove, Token: token}}
	}}
	gate := newTestGate(notifier, hub, time.Second, time.Second)

	result, err := gate.Request(context.Background(), ApprovalRequest{PostID: 1, Text: "hello"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !result.Approved() || result.Decision() != "approve" {
		t.Fatalf("expected approval, got %+v", result)
	}
	if len(notifier.outcomes) != 1 || notifier.outcomes[0].State != ApprovalApproved {
		t.Fatalf("expected outcome notification, got %+v", notifier.outcomes)
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected subscription to be released")
	}
}

func TestApprovalGate_RejectWithReason(t *testing.T) {
	hub := NewApprovalEventHub()
	notifier := &scriptedNotifier{hub: hub, script: func(token string) []ApprovalEvent {
		return []ApprovalEvent{
			{Kind: ApprovalEventText, Text: "too early"},
			{Kind: ApprovalEventReject, Token: token},
			{Kind: ApprovalEventText, Text: "  Too salty  "},
		}
	}}
	gate := newTestGate(notifier, hub, time.Second, time.Second)

	result, err := gate.Request(context.Background(), ApprovalRequest{PostID: 1, Text: "hello"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if result.State != ApprovalRejected || result.Reason != "Too salty" {
		t.Fatalf("expected rejection with reason, got %+v", result)
	}
	if notifier.prompts != 1 {
		t.Fatalf("expected one reason prompt, got %d", notifier.prompts)
	}
	if result.Err() != nil {
		t.Fatalf("rejection should not report timeout")
	}
}

func TestApprovalGate_RejectReasonTimeout(t *testing.T) {
	hub := NewApprovalEventHub()
	notifier := &scriptedNotifier{hub: hub, script: func(token string) []ApprovalEvent {
		return []ApprovalEvent{{Kind: ApprovalEventReject, Token: token}}
	}}
	gate := newTestGate(notifier, hub, time.Second, 20*time.Millisecond)

	result, err := gate.Request(context.Background(), ApprovalRequest{PostID: 1, Text: "hello"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if result.State != ApprovalRejected || result.Reason != "" {
		t.Fatalf("expected rejection without reason, got %+v", result)
	}
}

func TestApprovalGate_TimeoutIgnoresStaleButtons(t *testing.T) {
	hub := NewApprovalEventHub()
	notifier := &scriptedNotifier{hub: hub, script: func(string) []ApprovalEvent {
		return []ApprovalEvent{{Kind: ApprovalEventApprove, Token: "stale"}}
	}}
	gate := newTestGate(notifier, hub, 30*time.Millisecond, time.Second)

	result, err := gate.Request(context.Background(), ApprovalRequest{PostID: 1, Text: "hello"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if result.State != ApprovalTimedOut {
		t.Fatalf("expected timeout, got %+v", result)
	}
	if !errors.Is(result.Err(), ErrApprovalTimeout) {
		t.Fatalf("expected ErrApprovalTimeout, got %v", result.Err())
	}
	if result.Decision() != "reject" {
		t.Fatalf("timeout should persist as reject, got %s", result.Decision())
	}
}

func TestApprovalGate_DisabledBypasses(t *testing.T) {
	gate := NewApprovalGate(false, &scriptedNotifier{}, nil, 0, 0, nil)
	result, err := gate.Request(context.Background(), ApprovalRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !result.Bypassed || !result.Approved() {
		t.Fatalf("expected bypass approval, got %+v", result)
	}

	if NewApprovalGate(true, nil, nil, 0, 0, nil).Enabled() {
		t.Fatalf("gate without notifier should be disabled")
	}
}

func TestApprovalGate_SendFailure(t *testing.T) {
	hub := NewApprovalEventHub()
	notifier := &scriptedNotifier{hub: hub, sendErr: errors.New("telegram down")}
	gate := newTestGate(notifier, hub, time.Second, time.Second)

	if _, err := gate.Request(context.Background(), ApprovalRequest{Text: "hello"}); err == nil {
		t.Fatalf("expected send failure")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected subscription to be released on failure")
	}
}

func TestApprovalEventHub_PublishIsNonBlocking(t *testing.T) {
	hub := NewApprovalEventHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < 20; i++ {
		hub.Publish(ApprovalEvent{Kind: ApprovalEventText, Text: "x"})
	}
	if len(events) != 16 {
		t.Fatalf("expected buffered events to cap at 16, got %d", len(events))
	}

	cancel()
	cancel()
	if delivered := hub.Publish(ApprovalEvent{Kind: ApprovalEventText}); delivered != 0 {
		t.Fatalf("expected no subscribers after cancel, got %d", delivered)
	}
}
