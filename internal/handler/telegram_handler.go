package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/biterate/internal/service"
	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramWebhook 接收 Telegram 推送的更新并转发给等待中的审核请求。
// 请求头中的 secret token 必须与注册 webhook 时一致。
// 可解析的更新一律返回 200，避免 Telegram 对无关更新反复重试。
func (a *API) TelegramWebhook(c *gin.Context) {
	if a.events == nil || a.secret == "" {
		respondError(c, http.StatusServiceUnavailable, "telegram approval is not configured")
		return
	}
	got := c.GetHeader(telegramSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.secret)) != 1 {
		a.logger.Warn("telegram update rejected", zap.String("client_ip", c.ClientIP()))
		respondError(c, http.StatusUnauthorized, "invalid telegram secret token")
		return
	}

	var update tgbotapi.Update
	if !bindJSON(c, &update, "invalid telegram update") {
		return
	}

	delivered := service.DispatchUpdate(update, a.chatID, a.events, a.notifier)
	a.logger.Debug("telegram update received", zap.Int("update_id", update.UpdateID), zap.Bool("delivered", delivered))
	c.JSON(http.StatusOK, gin.H{"ok": true, "delivered": delivered})
}
