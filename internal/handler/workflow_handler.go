package handler

import (
	"context"
	"net/http"

	"github.com/biterate/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type runRequest struct {
	DryRun bool `json:"dry_run"`
}

// RunPipeline 同步执行一次帖子生成流水线。
// 运行与请求上下文解绑，客户端断开不会中断正在进行的审核或发布。
func (a *API) RunPipeline(c *gin.Context) {
	if a.pipeline == nil {
		respondError(c, http.StatusServiceUnavailable, "pipeline is not configured")
		return
	}
	var payload runRequest
	if !bindOptionalJSON(c, &payload, "invalid run request") {
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	result, err := a.pipeline.Run(ctx, service.RunOptions{DryRun: payload.DryRun})
	if err != nil {
		a.logger.Warn("pipeline run failed", zap.String("run_id", result.RunID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   err.Error(),
			"run_id":  result.RunID,
			"outcome": service.OutcomeFailed,
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RunReplies 同步执行一次回复工作流。
func (a *API) RunReplies(c *gin.Context) {
	if a.replyFlow == nil {
		respondError(c, http.StatusServiceUnavailable, "reply workflow is not configured")
		return
	}
	var payload runRequest
	if !bindOptionalJSON(c, &payload, "invalid run request") {
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	summary, err := a.replyFlow.Run(ctx, service.ReplyRunOptions{DryRun: payload.DryRun})
	if err != nil {
		a.logger.Warn("reply workflow failed", zap.String("run_id", summary.RunID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"run_id": summary.RunID,
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}
