package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// telegramBot 是 tgbotapi.BotAPI 中通知器用到的部分，便于测试替换。
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// NewTelegramBot 使用带超时的 HTTP 客户端创建机器人。
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrAPIKeyMissing
	}
	return tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: 60 * time.Second})
}

// webhookRegistrar 是 tgbotapi.BotAPI 中注册 webhook 用到的部分。
type webhookRegistrar interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// RegisterWebhook 调用 setWebhook 注册回调地址与 secret token。
// tgbotapi 的 WebhookConfig 不支持 secret_token，因此直接构造请求参数。
func RegisterWebhook(bot webhookRegistrar, url, secret string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("webhook url is empty")
	}
	if secret == "" {
		return fmt.Errorf("webhook secret is empty")
	}
	params := tgbotapi.Params{"url": url, "secret_token": secret}
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return err
	}
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("注册 webhook 失败: %w", err)
	}
	return nil
}

// maxReasonPrompts 限制记录的驳回原因提示数量
const maxReasonPrompts = 32

type reasonPrompt struct {
	messageID int
	token     string
}

// TelegramNotifier 通过 Telegram 推送审核请求，按钮数据携带请求 token。
// 驳回原因提示的消息 id 与 token 对应记录，文本回复据此只投递给一个请求。
type TelegramNotifier struct {
	bot    telegramBot
	chatID int64
	logger *zap.Logger

	mu      sync.Mutex
	prompts []reasonPrompt
}

// NewTelegramNotifier creates a notifier bound to one chat.
func NewTelegramNotifier(bot telegramBot, chatID int64, logger *zap.Logger) *TelegramNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, logger: logger}
}

// ApprovalMessage 生成审核消息正文。
func ApprovalMessage(req ApprovalRequest) string {
	var b strings.Builder
	if req.Subject != "" {
		b.WriteString(req.Subject)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "📝 New Post for Approval\n\n%s\n\nCharacters: %d", req.Text, utf8.RuneCountInString(req.Text))
	if req.ImageURL != "" {
		fmt.Fprintf(&b, "\n\n🖼️ Image will be attached: %s", req.ImageURL)
	}
	return b.String()
}

func approvalKeyboard(token string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", CallbackData(ApprovalEventApprove, token)),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", CallbackData(ApprovalEventReject, token)),
		),
	)
}

// SendForApproval 先发送图片预览（失败仅记录），再发送带按钮的审核消息。
func (n *TelegramNotifier) SendForApproval(ctx context.Context, token string, req ApprovalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.ImageURL != "" {
		photo := tgbotapi.NewPhoto(n.chatID, tgbotapi.FileURL(req.ImageURL))
		photo.Caption = "🖼️ Generated image"
		if _, err := n.bot.Send(photo); err != nil {
			n.logger.Warn("failed to send image preview", zap.Error(err))
		}
	}

	msg := tgbotapi.NewMessage(n.chatID, ApprovalMessage(req))
	msg.ReplyMarkup = approvalKeyboard(token)
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("发送审核消息失败: %w", err)
	}
	return nil
}

// PromptReason 请求审核人回复驳回原因。
func (n *TelegramNotifier) PromptReason(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, "❌ REJECTED\n\nPlease reply with the reason for rejection.")
	msg.ReplyMarkup = tgbotapi.ForceReply{ForceReply: true, InputFieldPlaceholder: "Reason"}
	sent, err := n.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("发送驳回原因提示失败: %w", err)
	}

	n.mu.Lock()
	n.prompts = append(n.prompts, reasonPrompt{messageID: sent.MessageID, token: token})
	if len(n.prompts) > maxReasonPrompts {
		n.prompts = n.prompts[len(n.prompts)-maxReasonPrompts:]
	}
	n.mu.Unlock()
	return nil
}

// ReasonTarget 返回文本回复对应的请求 token。
// 回复了某条提示消息时取该提示的 token，否则取最近一次仍在等待的提示。
func (n *TelegramNotifier) ReasonTarget(replyToMessageID int) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if replyToMessageID != 0 {
		for _, p := range n.prompts {
			if p.messageID == replyToMessageID {
				return p.token, true
			}
		}
	}
	if len(n.prompts) == 0 {
		return "", false
	}
	return n.prompts[len(n.prompts)-1].token, true
}

func (n *TelegramNotifier) forgetPrompt(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.prompts[:0]
	for _, p := range n.prompts {
		if p.token != token {
			kept = append(kept, p)
		}
	}
	n.prompts = kept
}

// NotifyOutcome 回执审核结果。
func (n *TelegramNotifier) NotifyOutcome(ctx context.Context, req ApprovalRequest, result ApprovalResult) error {
	if result.Token != "" {
		n.forgetPrompt(result.Token)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var text string
	switch result.State {
	case ApprovalApproved:
		text = "✅ APPROVED\n\n" + req.Text
	case ApprovalRejected:
		if result.Reason != "" {
			text = "📝 Feedback recorded!\n\nReason: " + result.Reason
		} else {
			text = "❌ Rejected without a reason."
		}
	case ApprovalTimedOut:
		text = "⏱️ Approval timed out. The post was not published."
	default:
		return nil
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		return fmt.Errorf("发送审核结果失败: %w", err)
	}
	return nil
}

// AnswerCallback 确认按钮点击，避免客户端一直显示加载状态。
func (n *TelegramNotifier) AnswerCallback(callbackID, text string) error {
	if callbackID == "" {
		return nil
	}
	_, err := n.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}

// EventFromUpdate 将 Telegram 更新转换为审核事件，只接受配置的会话。
func EventFromUpdate(update tgbotapi.Update, chatID int64) (ApprovalEvent, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil || cq.Message.Chat.ID != chatID {
			return ApprovalEvent{}, false
		}
		event, ok := ParseCallbackData(cq.Data)
		if !ok {
			return ApprovalEvent{}, false
		}
		event.CallbackID = cq.ID
		return event, true
	}

	if msg := update.Message; msg != nil {
		if msg.Chat == nil || msg.Chat.ID != chatID {
			return ApprovalEvent{}, false
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" || strings.HasPrefix(text, "/") {
			return ApprovalEvent{}, false
		}
		event := ApprovalEvent{Kind: ApprovalEventText, Text: text}
		if msg.ReplyToMessage != nil {
			event.ReplyToMessageID = msg.ReplyToMessage.MessageID
		}
		return event, true
	}
	return ApprovalEvent{}, false
}

// DispatchUpdate 将更新投递给等待中的审核请求并应答按钮回调。
func DispatchUpdate(update tgbotapi.Update, chatID int64, hub *ApprovalEventHub, notifier *TelegramNotifier) bool {
	event, ok := EventFromUpdate(update, chatID)
	if !ok {
		return false
	}
	if event.Kind == ApprovalEventText && notifier != nil {
		// 没有等待原因的请求时文本无人接收
		token, found := notifier.ReasonTarget(event.ReplyToMessageID)
		if !found {
			return false
		}
		event.Token = token
	}
	delivered := hub.Publish(event)
	if notifier != nil && event.CallbackID != "" {
		answer := "Received"
		if delivered == 0 {
			answer = "This request is no longer pending"
		}
		if err := notifier.AnswerCallback(event.CallbackID, answer); err != nil {
			notifier.logger.Warn("failed to answer callback", zap.Error(err))
		}
	}
	return delivered > 0
}

// RunTelegramPoller 使用长轮询接收更新，直到 ctx 取消。
func RunTelegramPoller(ctx context.Context, bot *tgbotapi.BotAPI, chatID int64, hub *ApprovalEventHub, notifier *TelegramNotifier, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := bot.GetUpdatesChan(cfg)
	logger.Info("telegram poller started", zap.Int64("chat_id", chatID))

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			logger.Info("telegram poller stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			DispatchUpdate(update, chatID, hub, notifier)
		}
	}
}
