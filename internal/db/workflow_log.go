package db

import "time"

const (
	WorkflowPostGeneration  = "post_generation"
	WorkflowReplyGeneration = "reply_generation"

	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
)

// WorkflowLog 每次工作流运行对应一行，失败时保存错误信息。
type WorkflowLog struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	RunID        string         `gorm:"size:36;uniqueIndex;not null" json:"run_id"`
	WorkflowType string         `gorm:"size:32;not null;index;check:chk_workflow_logs_type,workflow_type IN ('post_generation','reply_generation')" json:"workflow_type"`
	Status       string         `gorm:"size:16;not null;check:chk_workflow_logs_status,status IN ('running','completed','failed')" json:"status"`
	StartedAt    time.Time      `gorm:"not null" json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	Metadata     map[string]any `gorm:"serializer:json;type:text" json:"metadata,omitempty"`
}
