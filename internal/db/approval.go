package db

import "time"

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"

	FeedbackRejection   = "rejection"
	FeedbackEdit        = "edit"
	FeedbackImprovement = "improvement"
)

// Approval 记录一次人工审核结果。超时也记为 reject，由 TimedOut 区分。
type Approval struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	PostID          uint      `gorm:"not null;index" json:"post_id"`
	Post            *Post     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Decision        string    `gorm:"size:16;not null;check:chk_approvals_decision,decision IN ('approve','reject')" json:"decision"`
	RejectionReason *string   `gorm:"type:text;check:chk_approvals_reason,rejection_reason IS NULL OR decision = 'reject'" json:"rejection_reason"`
	TimedOut        bool      `gorm:"not null;default:false" json:"timed_out"`
	CreatedAt       time.Time `json:"created_at"`
}

// Feedback 是针对帖子的文字反馈，仅作留档。
type Feedback struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	PostID       uint      `gorm:"not null;index" json:"post_id"`
	Post         *Post     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	FeedbackType string    `gorm:"size:16;not null;check:chk_feedback_type,feedback_type IN ('rejection','edit','improvement')" json:"feedback_type"`
	FeedbackText string    `gorm:"type:text;not null" json:"feedback_text"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 使用单数表名。
func (Feedback) TableName() string {
	return "feedback"
}
