package service

import (
	"errors"
	"strings"

	"github.com/biterate/internal/db"
	"gorm.io/gorm"
)

// ApprovalInput 描述一次审核结果。
type ApprovalInput struct {
	PostID   uint
	Decision string
	Reason   string
	TimedOut bool
}

// ApprovalService 记录审核结果与反馈。
type ApprovalService struct {
	db *gorm.DB
}

// NewApprovalService creates an ApprovalService instance.
func NewApprovalService(gdb *gorm.DB) *ApprovalService {
	return &ApprovalService{db: gdb}
}

// Record 写入审核记录。超时记为 reject 且 TimedOut 为 true，原因为空时保存 NULL。
func (s *ApprovalService) Record(input ApprovalInput) (*db.Approval, error) {
	decision := strings.TrimSpace(input.Decision)
	if decision != db.DecisionApprove && decision != db.DecisionReject {
		return nil, ErrInvalidDecision
	}

	reason := strings.TrimSpace(input.Reason)
	if reason != "" && decision != db.DecisionReject {
		return nil, ErrReasonWithoutReject
	}
	if input.TimedOut && decision != db.DecisionReject {
		return nil, ErrInvalidDecision
	}

	if err := s.ensurePost(input.PostID); err != nil {
		return nil, err
	}

	approval := db.Approval{
		PostID:   input.PostID,
		Decision: decision,
		TimedOut: input.TimedOut,
	}
	if reason != "" {
		approval.RejectionReason = &reason
	}
	if err := s.db.Create(&approval).Error; err != nil {
		return nil, err
	}
	return &approval, nil
}

// RecordFeedback 保存文字反馈，空文本直接忽略。
func (s *ApprovalService) RecordFeedback(postID uint, feedbackType, text string) (*db.Feedback, error) {
	switch feedbackType {
	case db.FeedbackRejection, db.FeedbackEdit, db.FeedbackImprovement:
	default:
		return nil, ErrInvalidFeedbackType
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if err := s.ensurePost(postID); err != nil {
		return nil, err
	}

	feedback := db.Feedback{
		PostID:       postID,
		FeedbackType: feedbackType,
		FeedbackText: text,
	}
	if err := s.db.Create(&feedback).Error; err != nil {
		return nil, err
	}
	return &feedback, nil
}

// Latest 返回帖子最近一次审核记录。
func (s *ApprovalService) Latest(postID uint) (*db.Approval, error) {
	var approval db.Approval
	err := s.db.Where("post_id = ?", postID).Order("id desc").First(&approval).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &approval, nil
}

// FeedbackFor 返回帖子的全部反馈。
func (s *ApprovalService) FeedbackFor(postID uint) ([]db.Feedback, error) {
	var feedback []db.Feedback
	if err := s.db.Where("post_id = ?", postID).Order("id asc").Find(&feedback).Error; err != nil {
		return nil, err
	}
	return feedback, nil
}

func (s *ApprovalService) ensurePost(postID uint) error {
	var count int64
	if err := s.db.Model(&db.Post{}).Where("id = ?", postID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrPostNotFound
	}
	return nil
}
