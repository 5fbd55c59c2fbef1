package service

import (
	"context"
	"time"

	"github.com/biterate/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const statsCacheKey = "stats:summary"

// Stats 是 /stats 接口返回的汇总计数。
type Stats struct {
	TotalPosts     int64 `json:"total_posts"`
	PublishedPosts int64 `json:"published_posts"`
	PendingPosts   int64 `json:"pending_posts"`
	ApprovedPosts  int64 `json:"approved_posts"`
	RejectedPosts  int64 `json:"rejected_posts"`
	FailedPosts    int64 `json:"failed_posts"`
	TotalReviews   int64 `json:"total_reviews"`
	TotalReplies   int64 `json:"total_replies"`
}

// StatsCache 是统计结果缓存，未启用时方法返回错误，调用方直接回源。
type StatsCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// StatsService 基于两个汇总视图提供统计查询。
type StatsService struct {
	db     *gorm.DB
	cache  StatsCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatsService creates a StatsService instance. cache may be nil.
func NewStatsService(gdb *gorm.DB, cache StatsCache, ttl time.Duration, logger *zap.Logger) *StatsService {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsService{db: gdb, cache: cache, ttl: ttl, logger: logger}
}

// Summary 汇总帖子、点评与回复数量，缓存可用时优先读取缓存。
func (s *StatsService) Summary(ctx context.Context) (Stats, error) {
	if s.cache != nil {
		var cached Stats
		if ok, err := s.cache.GetJSON(ctx, statsCacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	stats, err := s.load()
	if err != nil {
		return Stats{}, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, statsCacheKey, stats, s.ttl); err != nil {
			s.logger.Debug("stats cache write skipped", zap.Error(err))
		}
	}
	return stats, nil
}

// Invalidate 在运行结束后清除统计缓存。
func (s *StatsService) Invalidate(ctx context.Context) {
	if s == nil || s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statsCacheKey); err != nil {
		s.logger.Debug("stats cache invalidation skipped", zap.Error(err))
	}
}

func (s *StatsService) load() (Stats, error) {
	counts, err := s.StatusCounts()
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, row := range counts {
		stats.TotalPosts += row.Count
		switch row.Status {
		case db.PostStatusPublished:
			stats.PublishedPosts = row.Count
		case db.PostStatusPending:
			stats.PendingPosts = row.Count
		case db.PostStatusApproved:
			stats.ApprovedPosts = row.Count
		case db.PostStatusRejected:
			stats.RejectedPosts = row.Count
		case db.PostStatusFailed:
			stats.FailedPosts = row.Count
		}
	}

	if err := s.db.Model(&db.Review{}).Count(&stats.TotalReviews).Error; err != nil {
		return Stats{}, err
	}
	if err := s.db.Model(&db.Reply{}).Count(&stats.TotalReplies).Error; err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// StatusCounts 读取 post_status_counts 视图。
func (s *StatsService) StatusCounts() ([]db.PostStatusCount, error) {
	var rows []db.PostStatusCount
	if err := s.db.Order("status asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RecentPosts 读取 recent_posts 视图。
func (s *StatsService) RecentPosts(limit int) ([]db.RecentPost, error) {
	var rows []db.RecentPost
	if err := s.db.Limit(normalizeLimit(limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
