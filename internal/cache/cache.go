package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ninjaorg/hyadmin/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// SetParseJob stores a terminal job. Non-terminal jobs are skipped: they can
// still change and the store is the only source of truth for them.
func SetParseJob(ctx context.Context, c Cache, job *models.ParseJob, ttl time.Duration) error {
	if !job.IsTerminal() {
		return nil
	}
	b, err := json.Marshal(cachedJob{ParseJob: job, CallbackToken: job.CallbackToken})
	if err != nil {
		return fmt.Errorf("encode parse job: %w", err)
	}
	return c.Set(ctx, ParseJobKey(job.ID), b, ttl)
}

// GetParseJob returns a cached terminal job.
func GetParseJob(ctx context.Context, c Cache, id int64) (*models.ParseJob, bool, error) {
	b, found, err := c.Get(ctx, ParseJobKey(id))
	if err != nil || !found {
		return nil, false, err
	}
	var cj cachedJob
	if err := json.Unmarshal(b, &cj); err != nil {
		return nil, false, fmt.Errorf("decode parse job: %w", err)
	}
	cj.ParseJob.CallbackToken = cj.CallbackToken
	return cj.ParseJob, true, nil
}

// cachedJob keeps the callback token, which the API representation omits.
type cachedJob struct {
	*models.ParseJob
	CallbackToken string `json:"callback_token"`
}
