package service

import (
	"errors"
	"fmt"
)

var (
	ErrPostNotFound            = errors.New("post not found")
	ErrReplyNotFound           = errors.New("reply not found")
	ErrWorkflowLogNotFound     = errors.New("workflow log not found")
	ErrInvalidStatusTransition = errors.New("invalid post status transition")
	ErrInvalidStatus           = errors.New("invalid status")
	ErrRatingOutOfRange        = errors.New("rating must be between 0 and 5")
	ErrExternalIDRequired      = errors.New("external id is required")
	ErrInvalidDecision         = errors.New("invalid approval decision")
	ErrReasonWithoutReject     = errors.New("rejection reason is only allowed for reject decisions")
	ErrInvalidFeedbackType     = errors.New("invalid feedback type")
	ErrAPIKeyMissing           = errors.New("api key is required")

	// ErrApprovalTimeout 表示审核窗口内未收到决定，属于正常结果而非失败。
	ErrApprovalTimeout = errors.New("approval timed out")
)

// RetrievalError 表示 Notion 数据源不可达或未授权。
type RetrievalError struct {
	Source string
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve %s: %v", e.Source, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError 表示模型调用失败或返回内容无法解析为预期结构。
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "generation failed: " + e.Reason
	}
	return fmt.Sprintf("generation failed: %s: %v", e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ImageGenerationError 表示配图任务失败或轮询次数耗尽。
type ImageGenerationError struct {
	PredictionID string
	Status       string
	Err          error
}

func (e *ImageGenerationError) Error() string {
	msg := "image generation failed"
	if e.PredictionID != "" {
		msg += " (prediction " + e.PredictionID + ")"
	}
	if e.Status != "" {
		msg += ": status " + e.Status
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ImageGenerationError) Unwrap() error { return e.Err }

// PublishError 表示发布到 Mastodon 失败。
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
