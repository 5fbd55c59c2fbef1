package service

import (
	"context"
	"strings"
	"testing"

	"github.com/biterate/internal/db"
)

func mentionNetwork() *fakeNetwork {
	return &fakeNetwork{
		selfID: "me",
		notifications: []SocialNotification{
			{ID: "n1", Type: "mention", Status: &SocialStatus{ID: "s1", Content: "@biterate where should I eat?", AccountAcct: "alice"}},
			{ID: "n2", Type: "favourite", Status: &SocialStatus{ID: "s2", Content: "fav"}},
			{ID: "n3", Type: "mention", Status: &SocialStatus{ID: "s3", Content: "replying to someone else", AccountAcct: "bob", InReplyToID: "other"}},
			{ID: "n4", Type: "mention", Status: &SocialStatus{ID: "s4", Content: "Loved this review", AccountAcct: "carol", InReplyToID: "mine"}},
			{ID: "n5", Type: "mention"},
		},
		statuses: map[string]SocialStatus{
			"mine":  {ID: "mine", AccountID: "me", Content: "Pho Corner is great"},
			"other": {ID: "other", AccountID: "someone"},
		},
	}
}

func newMentionFixture(t *testing.T, network *fakeNetwork, approver Approver, cfg MentionListenerConfig) (*MentionListener, *ReplyService, *fakeLLM) {
	t.Helper()
	gdb := setupServiceTestDB(t)
	replies := NewReplyService(gdb)
	llm := &fakeLLM{responses: []string{replyDraftJSON}}
	listener := NewMentionListener(MentionListenerDeps{
		Network:   network,
		Publisher: NewPublisher(network, "public", nil),
		Generator: NewDraftGenerator(llm, nil),
		Replies:   replies,
		Logs:      NewWorkflowLogService(gdb),
		Approver:  approver,
	}, cfg)
	return listener, replies, llm
}

func TestMentionListener_RepliesToRelevantMentionsOnce(t *testing.T) {
	network := mentionNetwork()
	listener, replies, llm := newMentionFixture(t, network, nil, MentionListenerConfig{AutoReply: true})

	summary, err := listener.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if summary.Relevant != 2 || summary.Published != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	targets := []string{network.posted[0].InReplyToID, network.posted[1].InReplyToID}
	if targets[0] != "s1" || targets[1] != "s4" {
		t.Fatalf("unexpected reply targets %v", targets)
	}
	if !strings.HasPrefix(network.posted[1].Text, "@carol ") {
		t.Fatalf("expected mention prefix, got %q", network.posted[1].Text)
	}
	if !strings.Contains(llm.requests[1].UserPrompt, "Pho Corner is great") {
		t.Fatalf("expected parent status in the prompt")
	}

	again, err := listener.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if again.Relevant != 0 || network.postedCount() != 2 {
		t.Fatalf("handled notifications must not be replied to twice, got %+v", again)
	}
	if exists, _ := replies.ExistsForNotification("n4"); !exists {
		t.Fatalf("expected notification n4 to be recorded")
	}
}

func TestMentionListener_WithoutAutoReplyStoresPending(t *testing.T) {
	network := mentionNetwork()
	listener, replies, _ := newMentionFixture(t, network, nil, MentionListenerConfig{})

	summary, err := listener.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if summary.Pending != 2 || network.postedCount() != 0 {
		t.Fatalf("expected pending replies only, got %+v", summary)
	}
	reply, _ := replies.Get(summary.Replies[0].ReplyID)
	if reply == nil || reply.Status != db.ReplyStatusPending || reply.SourceNotificationID == nil || *reply.SourceNotificationID != "n1" {
		t.Fatalf("unexpected stored reply %+v", reply)
	}
}

func TestMentionListener_RejectedReplyIsNotPublished(t *testing.T) {
	network := mentionNetwork()
	approver := &stubApprover{result: ApprovalResult{State: ApprovalRejected, Reason: "off topic"}}
	listener, replies, _ := newMentionFixture(t, network, approver, MentionListenerConfig{AutoReply: true})

	summary, err := listener.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if summary.Failed != 2 || network.postedCount() != 0 || approver.calls != 2 {
		t.Fatalf("rejected replies must not be published, got %+v", summary)
	}
	reply, _ := replies.Get(summary.Replies[0].ReplyID)
	if reply == nil || reply.Status != db.ReplyStatusFailed || !strings.Contains(reply.ErrorMessage, "off topic") {
		t.Fatalf("unexpected stored reply %+v", reply)
	}

	again, _ := listener.PollOnce(context.Background())
	if again.Relevant != 0 || approver.calls != 2 {
		t.Fatalf("rejected notifications must not be prompted again")
	}
}
