package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter in Redis. Allow only reads; Record
// increments, so a request that fails later in the pipeline costs nothing.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (rl *RateLimiter) key(userID int64) string {
	return fmt.Sprintf("rate_limit:generation:%d", userID)
}

func (rl *RateLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	n, err := rl.client.Get(ctx, rl.key(userID)).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("rate limit read: %w", err)
	}
	return n < rl.limit, nil
}

func (rl *RateLimiter) Record(ctx context.Context, userID int64) error {
	key := rl.key(userID)
	n, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rate limit incr: %w", err)
	}
	// First hit in the window owns the expiry.
	if n == 1 {
		if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
			return fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return nil
}
