package db

import "time"

const (
	PostStatusPending   = "pending"
	PostStatusApproved  = "approved"
	PostStatusRejected  = "rejected"
	PostStatusPublished = "published"
	PostStatusFailed    = "failed"
)

// PostStatuses 列出帖子允许的全部状态。
var PostStatuses = []string{
	PostStatusPending,
	PostStatusApproved,
	PostStatusRejected,
	PostStatusPublished,
	PostStatusFailed,
}

// Post 是模型生成的帖子草稿及其发布结果。
type Post struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Content             string     `gorm:"type:text;not null" json:"content"`
	Hashtags            []string   `gorm:"serializer:json;type:text" json:"hashtags"`
	RestaurantMentioned string     `gorm:"size:255" json:"restaurant_mentioned,omitempty"`
	RatingMentioned     *float64   `gorm:"check:chk_posts_rating,rating_mentioned IS NULL OR (rating_mentioned >= 0 AND rating_mentioned <= 5)" json:"rating_mentioned,omitempty"`
	Tone                string     `gorm:"size:100" json:"tone"`
	ImageURL            *string    `gorm:"type:text" json:"image_url"`
	Status              string     `gorm:"size:16;not null;index;check:chk_posts_status,status IN ('pending','approved','rejected','published','failed')" json:"status"`
	ExternalPostID      string     `gorm:"size:64;index" json:"external_post_id,omitempty"`
	ExternalURL         string     `gorm:"type:text" json:"external_url,omitempty"`
	WorkflowRunID       string     `gorm:"size:36;index" json:"workflow_run_id"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	PublishedAt         *time.Time `json:"published_at,omitempty"`
}

// HasImage 表示帖子是否附带配图。
func (p Post) HasImage() bool {
	return p.ImageURL != nil && *p.ImageURL != ""
}
