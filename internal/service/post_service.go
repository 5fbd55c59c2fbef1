package service

import (
	"errors"
	"strings"
	"time"

	"github.com/biterate/internal/db"
	"gorm.io/gorm"
)

// PostService wraps post related database operations.
type PostService struct {
	db *gorm.DB
}

// PostInput represents fields accepted when creating a post draft.
type PostInput struct {
	Content             string
	Hashtags            []string
	RestaurantMentioned string
	RatingMentioned     *float64
	Tone                string
	ImageURL            *string
	WorkflowRunID       string
}

// PostFilter describes filters for listing posts.
type PostFilter struct {
	Status string
	Limit  int
}

// NewPostService creates a PostService instance.
func NewPostService(gdb *gorm.DB) *PostService {
	return &PostService{db: gdb}
}

// Create 以 pending 状态保存草稿。
func (s *PostService) Create(input PostInput) (*db.Post, error) {
	if err := validateRating(input.RatingMentioned); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, errors.New("post content is required")
	}

	var imageURL *string
	if input.ImageURL != nil && strings.TrimSpace(*input.ImageURL) != "" {
		trimmed := strings.TrimSpace(*input.ImageURL)
		imageURL = &trimmed
	}

	post := db.Post{
		Content:             content,
		Hashtags:            input.Hashtags,
		RestaurantMentioned: strings.TrimSpace(input.RestaurantMentioned),
		RatingMentioned:     input.RatingMentioned,
		Tone:                strings.TrimSpace(input.Tone),
		ImageURL:            imageURL,
		Status:              db.PostStatusPending,
		WorkflowRunID:       input.WorkflowRunID,
	}
	if post.Hashtags == nil {
		post.Hashtags = []string{}
	}
	if err := s.db.Create(&post).Error; err != nil {
		return nil, err
	}
	return &post, nil
}

// Get fetches a post by id.
func (s *PostService) Get(id uint) (*db.Post, error) {
	var post db.Post
	if err := s.db.First(&post, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	return &post, nil
}

// List returns posts ordered by creation time, optionally filtered by status.
func (s *PostService) List(filter PostFilter) ([]db.Post, error) {
	query := s.db.Model(&db.Post{})
	if status := strings.TrimSpace(filter.Status); status != "" {
		if !IsValidPostStatus(status) {
			return nil, ErrInvalidStatus
		}
		query = query.Where("status = ?", status)
	}

	var posts []db.Post
	if err := query.Order("created_at desc, id desc").Limit(normalizeLimit(filter.Limit)).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// IsValidPostStatus reports whether status is one of the known post statuses.
func IsValidPostStatus(status string) bool {
	for _, candidate := range db.PostStatuses {
		if candidate == status {
			return true
		}
	}
	return false
}

// allowedSources 返回可以迁移到目标状态的来源状态。
// bypassApproval 为 true 时允许 pending 直接进入 published 或 failed。
func allowedSources(to string, bypassApproval bool) []string {
	switch to {
	case db.PostStatusApproved, db.PostStatusRejected:
		return []string{db.PostStatusPending}
	case db.PostStatusPublished, db.PostStatusFailed:
		if bypassApproval {
			return []string{db.PostStatusPending, db.PostStatusApproved}
		}
		return []string{db.PostStatusApproved}
	default:
		return nil
	}
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to string, bypassApproval bool) bool {
	for _, source := range allowedSources(to, bypassApproval) {
		if source == from {
			return true
		}
	}
	return false
}

// SetImageURL 为 pending 帖子写入配图链接，其他状态返回 ErrInvalidStatusTransition。
func (s *PostService) SetImageURL(id uint, url string) (*db.Post, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("image url is required")
	}
	result := s.db.Model(&db.Post{}).
		Where("id = ? AND status = ?", id, db.PostStatusPending).
		Update("image_url", url)
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

// TransitionStatus 通过带条件的 UPDATE 迁移状态，非法迁移返回 ErrInvalidStatusTransition。
func (s *PostService) TransitionStatus(id uint, to string, bypassApproval bool) (*db.Post, error) {
	if to == db.PostStatusPublished {
		return nil, ErrExternalIDRequired
	}
	return s.transition(id, to, bypassApproval, map[string]any{"status": to})
}

// MarkPublished 将帖子标记为已发布并写入外部 id 与链接。
func (s *PostService) MarkPublished(id uint, externalID, externalURL string, bypassApproval bool) (*db.Post, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ErrExternalIDRequired
	}
	now := time.Now()
	return s.transition(id, db.PostStatusPublished, bypassApproval, map[string]any{
		"status":           db.PostStatusPublished,
		"external_post_id": externalID,
		"external_url":     strings.TrimSpace(externalURL),
		"published_at":     now,
	})
}

func (s *PostService) transition(id uint, to string, bypassApproval bool, updates map[string]any) (*db.Post, error) {
	sources := allowedSources(to, bypassApproval)
	if len(sources) == 0 {
		return nil, ErrInvalidStatusTransition
	}

	result := s.db.Model(&db.Post{}).
		Where("id = ? AND status IN ?", id, sources).
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
