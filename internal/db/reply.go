package db

import "time"

const (
	ReplyStatusPending   = "pending"
	ReplyStatusPublished = "published"
	ReplyStatusFailed    = "failed"
)

// Reply 是针对第三方帖子或提及生成的回复。
type Reply struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	OriginalPostID  string `gorm:"size:64;not null;index" json:"original_post_id"`
	OriginalPostURL string `gorm:"type:text" json:"original_post_url"`
	OriginalContent string `gorm:"type:text" json:"original_content"`
	// SourceNotificationID 仅由提及监听写入，用于去重
	SourceNotificationID *string    `gorm:"size:64;uniqueIndex" json:"source_notification_id,omitempty"`
	ReplyContent         string     `gorm:"type:text;not null" json:"reply_content"`
	Tone                 string     `gorm:"size:100" json:"tone"`
	Status               string     `gorm:"size:16;not null;index;check:chk_replies_status,status IN ('pending','published','failed')" json:"status"`
	ExternalReplyID      string     `gorm:"size:64" json:"external_reply_id,omitempty"`
	ExternalURL          string     `gorm:"type:text" json:"external_url,omitempty"`
	ErrorMessage         string     `gorm:"type:text" json:"error_message,omitempty"`
	WorkflowRunID        string     `gorm:"size:36;index" json:"workflow_run_id"`
	CreatedAt            time.Time  `json:"created_at"`
	PublishedAt          *time.Time `json:"published_at,omitempty"`
}
