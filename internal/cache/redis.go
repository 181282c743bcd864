package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Logger   *log.Logger
	Now      func() time.Time
}

// RedisCache shares finished reports between API processes. Redis enforces
// the TTL; ExpiresAt is checked again on read so clock skew never serves a
// stale report.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *log.Logger
	now    func() time.Time
}

func NewRedisCache(ctx context.Context, config RedisConfig) (*RedisCache, error) {
	if config.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisCache(client, config), nil
}

func newRedisCache(client *redis.Client, config RedisConfig) *RedisCache {
	if config.Prefix == "" {
		config.Prefix = "painel:report:"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RedisCache{
		client: client,
		prefix: config.Prefix,
		logger: config.Logger,
		now:    config.Now,
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get treats Redis failures as a miss; the caller recomputes the report.
func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logf("result cache read failed key=%s err=%v", key, err)
		}
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logf("result cache decode failed key=%s err=%v", key, err)
		return Entry{}, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
			c.logf("result cache evict failed key=%s err=%v", key, err)
		}
		return Entry{}, false
	}
	return entry, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := c.now()
	payload, err := json.Marshal(Entry{Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *RedisCache) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
