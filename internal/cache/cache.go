package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache provides caching and coordination primitives backed by Redis.
// The job queue uses it for idempotent-enqueue guards and the worker
// start rate limit; the progress endpoint uses it as a low-latency
// read-through cache in front of the request store.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Progress cache

// progressEntry is the cached read-through shape for one request's
// observable state.
type progressEntry struct {
	Status   string  `json:"status"`
	Progress int     `json:"progress"`
	VideoID  *string `json:"video_id,omitempty"`
}

// SetProgress caches a request's current {status, progress, videoId},
// mirrored by the worker after every store update.
func (c *Cache) SetProgress(ctx context.Context, requestID, status string, progress int, videoID *string, ttl time.Duration) error {
	data, err := json.Marshal(progressEntry{Status: status, Progress: progress, VideoID: videoID})
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	key := fmt.Sprintf("progress:%s", requestID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetProgress retrieves the cached progress snapshot. ok == false with a nil
// error means a cache miss; the caller must fall back to the Request Store.
func (c *Cache) GetProgress(ctx context.Context, requestID string) (status string, progress int, videoID *string, ok bool, err error) {
	key := fmt.Sprintf("progress:%s", requestID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return "", 0, nil, false, nil
		}
		return "", 0, nil, false, fmt.Errorf("failed to get progress from cache: %w", err)
	}

	var entry progressEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", 0, nil, false, fmt.Errorf("failed to unmarshal progress: %w", err)
	}

	return entry.Status, entry.Progress, entry.VideoID, true, nil
}

// Rate limiting

// CheckRateLimit checks if a rate limit has been exceeded within window,
// used by the queue's consumer loop to cap worker starts per minute.
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.client.Incr(ctx, rateLimitKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		if err := c.client.Expire(ctx, rateLimitKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set expiry: %w", err)
		}
	}

	return count <= limit, nil
}

// Idempotency / locking

// AcquireLock attempts to acquire a distributed lock, used as the enqueue
// idempotency guard (`enqueued:{requestId}`).
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Cache) ReleaseLock(ctx context.Context, resource string) error {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.Del(ctx, key).Err()
}

// Generic helpers

// SetWithJSON sets a value with JSON marshaling
func (c *Cache) SetWithJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetWithJSON gets a value with JSON unmarshaling. A cache miss returns a
// nil error and leaves dest untouched.
func (c *Cache) GetWithJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("failed to get value from cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return nil
}

// Exists checks if a key exists
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Ping checks Redis connectivity for the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
