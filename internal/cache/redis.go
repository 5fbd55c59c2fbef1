package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/biterate/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheDisabled is returned when cache operations are attempted but cache is disabled.
var ErrCacheDisabled = errors.New("cache is disabled")

const keyPrefix = "biterate:"

// Cache 封装 Redis 客户端，未配置时为 nil，所有方法对 nil 安全。
type Cache struct {
	client *redis.Client
}

// New 根据配置创建缓存；未配置 URL 时返回 nil 与 nil 错误。
func New(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*Cache, error) {
	if !cfg.Enabled() {
		if log != nil {
			log.Info("redis cache disabled")
		}
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if log != nil {
		log.Info("redis connection established", zap.String("addr", opt.Addr))
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// GetJSON 读取 JSON 值，键不存在时返回 false。
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil {
		return false, ErrCacheDisabled
	}
	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON 以 JSON 写入并设置过期时间。
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, raw, ttl).Err()
}

// Delete removes a key from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// Health checks Redis health.
func (c *Cache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
