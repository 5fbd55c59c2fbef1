package service

import (
	"errors"
	"strings"
	"time"

	"github.com/biterate/internal/db"
	"gorm.io/gorm"
)

// ReplyInput 描述待保存的回复。
type ReplyInput struct {
	OriginalPostID       string
	OriginalPostURL      string
	OriginalContent      string
	SourceNotificationID string
	ReplyContent         string
	Tone                 string
	WorkflowRunID        string
}

// ReplyService wraps reply persistence.
type ReplyService struct {
	db *gorm.DB
}

// NewReplyService creates a ReplyService instance.
func NewReplyService(gdb *gorm.DB) *ReplyService {
	return &ReplyService{db: gdb}
}

// Create 以 pending 状态保存回复。
func (s *ReplyService) Create(input ReplyInput) (*db.Reply, error) {
	originalID := strings.TrimSpace(input.OriginalPostID)
	if originalID == "" {
		return nil, ErrExternalIDRequired
	}

	reply := db.Reply{
		OriginalPostID:  originalID,
		OriginalPostURL: strings.TrimSpace(input.OriginalPostURL),
		OriginalContent: input.OriginalContent,
		ReplyContent:    input.ReplyContent,
		Tone:            strings.TrimSpace(input.Tone),
		Status:          db.ReplyStatusPending,
		WorkflowRunID:   input.WorkflowRunID,
	}
	if nid := strings.TrimSpace(input.SourceNotificationID); nid != "" {
		reply.SourceNotificationID = &nid
	}
	if err := s.db.Create(&reply).Error; err != nil {
		return nil, err
	}
	return &reply, nil
}

// MarkPublished 写入外部回复 id，只允许从 pending 迁移。
func (s *ReplyService) MarkPublished(id uint, externalID, externalURL string) (*db.Reply, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ErrExternalIDRequired
	}
	now := time.Now()
	return s.transition(id, map[string]any{
		"status":            db.ReplyStatusPublished,
		"external_reply_id": externalID,
		"external_url":      strings.TrimSpace(externalURL),
		"published_at":      now,
	})
}

// MarkFailed 记录失败原因。
func (s *ReplyService) MarkFailed(id uint, reason string) (*db.Reply, error) {
	return s.transition(id, map[string]any{
		"status":        db.ReplyStatusFailed,
		"error_message": truncateRunes(strings.TrimSpace(reason), 1000),
	})
}

func (s *ReplyService) transition(id uint, updates map[string]any) (*db.Reply, error) {
	result := s.db.Model(&db.Reply{}).
		Where("id = ? AND status = ?", id, db.ReplyStatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidStatusTransition
	}
	return s.Get(id)
}

// Get fetches a reply by id.
func (s *ReplyService) Get(id uint) (*db.Reply, error) {
	var reply db.Reply
	if err := s.db.First(&reply, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReplyNotFound
		}
		return nil, err
	}
	return &reply, nil
}

// PublishedForOriginal 判断是否已向该帖子发布过回复。
func (s *ReplyService) PublishedForOriginal(originalPostID string) (bool, error) {
	var count int64
	err := s.db.Model(&db.Reply{}).
		Where("original_post_id = ? AND status = ?", originalPostID, db.ReplyStatusPublished).
		Count(&count).Error
	return count > 0, err
}

// PendingForOriginal 返回该帖子最近一条未发布的回复，没有时返回 nil。
func (s *ReplyService) PendingForOriginal(originalPostID string) (*db.Reply, error) {
	var reply db.Reply
	err := s.db.Where("original_post_id = ? AND status = ?", originalPostID, db.ReplyStatusPending).
		Order("id desc").
		First(&reply).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// ExistsForNotification 判断提及通知是否已处理。
func (s *ReplyService) ExistsForNotification(notificationID string) (bool, error) {
	var count int64
	err := s.db.Model(&db.Reply{}).
		Where("source_notification_id = ?", notificationID).
		Count(&count).Error
	return count > 0, err
}

// List returns the latest replies.
func (s *ReplyService) List(limit int) ([]db.Reply, error) {
	var replies []db.Reply
	if err := s.db.Order("created_at desc, id desc").Limit(normalizeLimit(limit)).Find(&replies).Error; err != nil {
		return nil, err
	}
	return replies, nil
}

// Count 返回回复总数。
func (s *ReplyService) Count() (int64, error) {
	var total int64
	err := s.db.Model(&db.Reply{}).Count(&total).Error
	return total, err
}
