package db

import "time"

// Review 是从 Notion 拉取的餐厅点评，内容写入后不再修改，仅在重新拉取时刷新 UpdatedAt。
type Review struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	ExternalID string   `gorm:"size:64;uniqueIndex;not null" json:"external_id"`
	Restaurant string   `gorm:"size:255;not null" json:"restaurant"`
	Rating     *float64 `gorm:"check:chk_reviews_rating,rating IS NULL OR (rating >= 0 AND rating <= 5)" json:"rating"`
	Review     string   `gorm:"type:text" json:"review"`
	Cuisine    string   `gorm:"size:100" json:"cuisine"`
	Location   string   `gorm:"size:255" json:"location"`
	// Source 记录来源：database 或 page
	Source    string    `gorm:"size:16" json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
