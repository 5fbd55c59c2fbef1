package service

import (
	"errors"
	"strings"
	"time"

	"github.com/biterate/internal/db"
	"gorm.io/gorm"
)

// ReviewRecord 是从数据源解析出的点评，尚未持久化。
type ReviewRecord struct {
	ExternalID string
	Restaurant string
	Rating     *float64
	Review     string
	Cuisine    string
	Location   string
	Source     string
}

// ReviewService wraps review persistence.
type ReviewService struct {
	db *gorm.DB
}

// NewReviewService creates a ReviewService instance.
func NewReviewService(gdb *gorm.DB) *ReviewService {
	return &ReviewService{db: gdb}
}

// Upsert 按 external id 写入点评。已存在时只刷新 updated_at，内容保持首次写入的版本。
func (s *ReviewService) Upsert(record ReviewRecord) (*db.Review, bool, error) {
	if err := validateRating(record.Rating); err != nil {
		return nil, false, err
	}
	externalID := strings.TrimSpace(record.ExternalID)
	if externalID == "" {
		return nil, false, ErrExternalIDRequired
	}

	var existing db.Review
	err := s.db.Where("external_id = ?", externalID).First(&existing).Error
	switch {
	case err == nil:
		now := time.Now()
		if err := s.db.Model(&existing).UpdateColumn("updated_at", now).Error; err != nil {
			return nil, false, err
		}
		existing.UpdatedAt = now
		return &existing, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, err
	}

	restaurant := strings.TrimSpace(record.Restaurant)
	if restaurant == "" {
		restaurant = "Unknown Restaurant"
	}
	review := db.Review{
		ExternalID: externalID,
		Restaurant: restaurant,
		Rating:     record.Rating,
		Review:     strings.TrimSpace(record.Review),
		Cuisine:    strings.TrimSpace(record.Cuisine),
		Location:   strings.TrimSpace(record.Location),
		Source:     record.Source,
	}
	if err := s.db.Create(&review).Error; err != nil {
		return nil, false, err
	}
	return &review, true, nil
}

// List returns the latest reviews.
func (s *ReviewService) List(limit int) ([]db.Review, error) {
	var reviews []db.Review
	if err := s.db.Order("created_at desc, id desc").Limit(normalizeLimit(limit)).Find(&reviews).Error; err != nil {
		return nil, err
	}
	return reviews, nil
}

// Count 返回点评总数。
func (s *ReviewService) Count() (int64, error) {
	var total int64
	err := s.db.Model(&db.Review{}).Count(&total).Error
	return total, err
}

func validateRating(rating *float64) error {
	if rating == nil {
		return nil
	}
	if *rating < 0 || *rating > 5 {
		return ErrRatingOutOfRange
	}
	return nil
}

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
