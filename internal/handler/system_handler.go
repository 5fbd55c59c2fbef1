package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Index 列出可用接口。
func (a *API) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "BiteRate Social Media Agent API",
		"version": "1.0.0",
		"endpoints": gin.H{
			"POST /run":              "Trigger the post generation workflow",
			"POST /replies/run":      "Trigger the reply workflow",
			"GET /posts":             "Get recent posts",
			"GET /posts/:id/preview": "Render a post preview",
			"GET /reviews":           "Get reviews",
			"GET /stats":             "Get statistics",
			"GET /health":            "Health check",
			"GET /metrics":           "Prometheus metrics",
			"POST /telegram/webhook": "Telegram approval updates",
		},
	})
}

// HealthCheck 提供部署平台与监控系统使用的健康检查端点。
func (a *API) HealthCheck(c *gin.Context) {
	sqlDB, err := a.db.DB()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "database handle unavailable",
		})
		return
	}

	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "error",
			"message": "database unreachable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": "up",
	})
}
