package service

import (
	"errors"
	"strings"
	"time"

	"github.com/biterate/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PageStateService 读写 Notion 页面监听状态。
type PageStateService struct {
	db *gorm.DB
}

func NewPageStateService(gdb *gorm.DB) *PageStateService {
	return &PageStateService{db: gdb}
}

// Get 返回页面状态，未记录时返回 nil。
func (s *PageStateService) Get(pageID string) (*db.PageState, error) {
	var state db.PageState
	err := s.db.Where("page_id = ?", strings.TrimSpace(pageID)).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Save 写入页面最新的 last_edited_time。triggered 为 true 时同时记录触发时间。
func (s *PageStateService) Save(pageID, lastEdited string, triggered bool) error {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return errors.New("page id is required")
	}
	now := time.Now()
	state := db.PageState{PageID: pageID, LastEditedTime: lastEdited, LastCheckedAt: now}
	columns := []string{"last_edited_time", "last_checked_at"}
	if triggered {
		state.LastTriggeredAt = &now
		columns = append(columns, "last_triggered_at")
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "page_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&state).Error
}

// Touch 只更新检查时间。
func (s *PageStateService) Touch(pageID string) error {
	return s.db.Model(&db.PageState{}).
		Where("page_id = ?", strings.TrimSpace(pageID)).
		Update("last_checked_at", time.Now()).Error
}
