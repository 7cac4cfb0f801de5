package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared across nodes. One INCR
// per request; the first hit in a window sets the expiry.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
}

// NewRedisLimiter allows limit requests per window per client key.
func NewRedisLimiter(client redis.UniversalClient, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := fmt.Sprintf("rmos:ratelimit:%s:%d", key, time.Now().Unix()/int64(l.window.Seconds()))
	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return count.Val() <= l.limit, nil
}
