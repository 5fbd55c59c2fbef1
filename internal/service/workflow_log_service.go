package service

import (
	"errors"
	"strings"
	"time"

	"github.com/biterate/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkflowLogService 记录每次工作流运行。
type WorkflowLogService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewWorkflowLogService creates a WorkflowLogService instance.
func NewWorkflowLogService(gdb *gorm.DB) *WorkflowLogService {
	return &WorkflowLogService{db: gdb, now: time.Now}
}

// Start 生成 run id 并写入 running 状态的记录。
func (s *WorkflowLogService) Start(workflowType string, metadata map[string]any) (*db.WorkflowLog, error) {
	if workflowType != db.WorkflowPostGeneration && workflowType != db.WorkflowReplyGeneration {
		return nil, errors.New("unknown workflow type")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	entry := db.WorkflowLog{
		RunID:        uuid.NewString(),
		WorkflowType: workflowType,
		Status:       db.WorkflowStatusRunning,
		StartedAt:    s.now(),
		Metadata:     metadata,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// Complete 标记运行成功，并合并附加的元数据。
func (s *WorkflowLogService) Complete(runID string, metadata map[string]any) (*db.WorkflowLog, error) {
	return s.finish(runID, db.WorkflowStatusCompleted, "", metadata)
}

// Fail 标记运行失败并保存错误信息。
func (s *WorkflowLogService) Fail(runID string, cause error, metadata map[string]any) (*db.WorkflowLog, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	return s.finish(runID, db.WorkflowStatusFailed, message, metadata)
}

func (s *WorkflowLogService) finish(runID, status, message string, metadata map[string]any) (*db.WorkflowLog, error) {
	entry, err := s.Get(runID)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for key, value := range entry.Metadata {
		merged[key] = value
	}
	for key, value := range metadata {
		merged[key] = value
	}

	completedAt := s.now()
	entry.Status = status
	entry.CompletedAt = &completedAt
	entry.ErrorMessage = truncateRunes(strings.TrimSpace(message), 2000)
	entry.Metadata = merged

	if err := s.db.Model(entry).
		Select("status", "completed_at", "error_message", "metadata").
		Updates(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// Get 根据 run id 查询记录。
func (s *WorkflowLogService) Get(runID string) (*db.WorkflowLog, error) {
	var entry db.WorkflowLog
	if err := s.db.Where("run_id = ?", runID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowLogNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// List 返回最近的运行记录，workflowType 为空时不过滤。
func (s *WorkflowLogService) List(workflowType string, limit int) ([]db.WorkflowLog, error) {
	query := s.db.Model(&db.WorkflowLog{})
	if workflowType != "" {
		query = query.Where("workflow_type = ?", workflowType)
	}
	var entries []db.WorkflowLog
	if err := query.Order("started_at desc, id desc").Limit(normalizeLimit(limit)).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
