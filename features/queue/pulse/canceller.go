package pulse

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// cancelTTL bounds how long a cancellation flag outlives its execution.
const cancelTTL = 24 * time.Hour

// RedisCanceller records execution cancellation requests as Redis keys so
// any worker process observes them, not only the one running the execution.
type RedisCanceller struct {
	redis  *redis.Client
	prefix string
}

// NewRedisCanceller constructs a canceller namespaced under prefix,
// defaulting to "loom".
func NewRedisCanceller(r *redis.Client, prefix string) *RedisCanceller {
	if prefix == "" {
		prefix = "loom"
	}
	return &RedisCanceller{redis: r, prefix: prefix}
}

// RequestCancel flags the execution for cancellation.
func (c *RedisCanceller) RequestCancel(ctx context.Context, executionID string) error {
	if err := c.redis.Set(ctx, c.key(executionID), 1, cancelTTL).Err(); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// Cancelled reports whether the execution has been flagged. Redis errors
// read as not-cancelled so a transient outage never aborts running work.
func (c *RedisCanceller) Cancelled(ctx context.Context, executionID string) bool {
	n, err := c.redis.Exists(ctx, c.key(executionID)).Result()
	return err == nil && n > 0
}

// Clear removes the flag once the execution reached a terminal state.
func (c *RedisCanceller) Clear(ctx context.Context, executionID string) error {
	return c.redis.Del(ctx, c.key(executionID)).Err()
}

func (c *RedisCanceller) key(executionID string) string {
	return c.prefix + ":cancel:" + executionID
}
