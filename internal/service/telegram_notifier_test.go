package service

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBot struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func (b *recordingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *recordingBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestTelegramNotifier_SendForApproval(t *testing.T) {
	bot := &recordingBot{}
	notifier := NewTelegramNotifier(bot, 42, nil)

	err := notifier.SendForApproval(context.Background(), "tok", ApprovalRequest{
		Text:     "Great ramen",
		ImageURL: "https://img.example/1.png",
	})
	require.NoError(t, err)
	require.Len(t, bot.sent, 2)

	photo, ok := bot.sent[0].(tgbotapi.PhotoConfig)
	require.True(t, ok, "first message should be the image preview")
	assert.Equal(t, int64(42), photo.ChatID)

	msg, ok := bot.sent[1].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(msg.Text, "📝 New Post for Approval\n\nGreat ramen\n\nCharacters: 11"))

	keyboard, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, keyboard.InlineKeyboard, 1)
	row := keyboard.InlineKeyboard[0]
	require.Len(t, row, 2)
	require.NotNil(t, row[0].CallbackData)
	assert.Equal(t, "approve:tok", *row[0].CallbackData)
	assert.Equal(t, "reject:tok", *row[1].CallbackData)
}

func TestTelegramNotifier_Outcomes(t *testing.T) {
	bot := &recordingBot{}
	notifier := NewTelegramNotifier(bot, 7, nil)
	ctx := context.Background()

	require.NoError(t, notifier.PromptReason(ctx, "tok"))
	require.NoError(t, notifier.NotifyOutcome(ctx, ApprovalRequest{Text: "post"}, ApprovalResult{State: ApprovalRejected, Reason: "bland"}))
	require.NoError(t, notifier.NotifyOutcome(ctx, ApprovalRequest{Text: "post"}, ApprovalResult{State: ApprovalTimedOut}))
	require.Len(t, bot.sent, 3)

	prompt := bot.sent[0].(tgbotapi.MessageConfig)
	assert.Contains(t, prompt.Text, "Please reply with the reason for rejection.")
	assert.Contains(t, bot.sent[1].(tgbotapi.MessageConfig).Text, "Reason: bland")
	assert.Contains(t, bot.sent[2].(tgbotapi.MessageConfig).Text, "timed out")
}

func TestEventFromUpdate(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 99}

	event, ok := EventFromUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		Data:    "reject:tok",
		Message: &tgbotapi.Message{Chat: chat},
	}}, 99)
	require.True(t, ok)
	assert.Equal(t, ApprovalEventReject, event.Kind)
	assert.Equal(t, "tok", event.Token)
	assert.Equal(t, "cb-1", event.CallbackID)

	event, ok = EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Text: " portions too small "}}, 99)
	require.True(t, ok)
	assert.Equal(t, ApprovalEventText, event.Kind)
	assert.Equal(t, "portions too small", event.Text)

	_, ok = EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "spam"}}, 99)
	assert.False(t, ok, "messages from other chats are ignored")

	_, ok = EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Text: "/start"}}, 99)
	assert.False(t, ok, "commands are ignored")
}

func TestDispatchUpdate_AnswersCallback(t *testing.T) {
	bot := &recordingBot{}
	notifier := NewTelegramNotifier(bot, 5, nil)
	hub := NewApprovalEventHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	delivered := DispatchUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		Data:    "approve:tok",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}},
	}}, 5, hub, notifier)

	require.True(t, delivered)
	require.Len(t, bot.requests, 1)
	event := <-events
	assert.Equal(t, ApprovalEventApprove, event.Kind)
}

func TestDispatchUpdate_RoutesReasonToPromptedRequest(t *testing.T) {
	bot := &recordingBot{}
	notifier := NewTelegramNotifier(bot, 5, nil)
	hub := NewApprovalEventHub()
	events, cancel := hub.Subscribe()
	defer cancel()
	ctx := context.Background()

	// 两个请求先后进入等待原因状态，提示消息 id 分别为 1 和 2
	require.NoError(t, notifier.PromptReason(ctx, "tok-a"))
	require.NoError(t, notifier.PromptReason(ctx, "tok-b"))

	chat := &tgbotapi.Chat{ID: 5}
	reply := tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Text: "too salty", ReplyToMessage: &tgbotapi.Message{MessageID: 1}}}
	require.True(t, DispatchUpdate(reply, 5, hub, notifier))
	event := <-events
	assert.Equal(t, "tok-a", event.Token)
	assert.Equal(t, 1, event.ReplyToMessageID)

	plain := tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Text: "bland"}}
	require.True(t, DispatchUpdate(plain, 5, hub, notifier))
	assert.Equal(t, "tok-b", (<-events).Token, "unanchored text goes to the latest prompt")

	require.NoError(t, notifier.NotifyOutcome(ctx, ApprovalRequest{}, ApprovalResult{State: ApprovalRejected, Token: "tok-b", Reason: "bland"}))
	require.True(t, DispatchUpdate(plain, 5, hub, notifier))
	assert.Equal(t, "tok-a", (<-events).Token)

	require.NoError(t, notifier.NotifyOutcome(ctx, ApprovalRequest{}, ApprovalResult{State: ApprovalRejected, Token: "tok-a"}))
	assert.False(t, DispatchUpdate(plain, 5, hub, notifier), "no request is waiting for a reason")
	assert.Empty(t, events)
}

type recordingRegistrar struct {
	endpoint string
	params   tgbotapi.Params
}

func (r *recordingRegistrar) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	r.endpoint = endpoint
	r.params = params
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestRegisterWebhook(t *testing.T) {
	reg := &recordingRegistrar{}
	require.NoError(t, RegisterWebhook(reg, " https://biterate.example/telegram/webhook ", "s3cret"))
	assert.Equal(t, "setWebhook", reg.endpoint)
	assert.Equal(t, "https://biterate.example/telegram/webhook", reg.params["url"])
	assert.Equal(t, "s3cret", reg.params["secret_token"])
	assert.JSONEq(t, `["message","callback_query"]`, reg.params["allowed_updates"])

	assert.Error(t, RegisterWebhook(reg, "", "s3cret"))
	assert.Error(t, RegisterWebhook(reg, "https://biterate.example/telegram/webhook", ""))
}
