package db

import "time"

// PageState 记录 Notion 页面上次处理时的 last_edited_time，用于检测变更。
type PageState struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	PageID         string    `gorm:"size:64;not null;uniqueIndex" json:"page_id"`
	LastEditedTime string    `gorm:"size:40;not null" json:"last_edited_time"`
	LastCheckedAt  time.Time `json:"last_checked_at"`
	// LastTriggeredAt 为最近一次因该页面变更触发生成的时间
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}
