package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter counts requests per key in fixed one-minute windows shared by
// every replica pointing at the same Redis.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int
	now       func() time.Time
}

func NewRedisLimiter(client *redis.Client, perMinute int) *RedisLimiter {
	return &RedisLimiter{client: client, perMinute: perMinute, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := windowKey(key, l.now())
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, 2*time.Minute)
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("redis rate limit: %w", err)
	}
	return incr.Val() <= int64(l.perMinute), nil
}

func (l *RedisLimiter) Close() error { return l.client.Close() }

func windowKey(key string, now time.Time) string {
	return fmt.Sprintf("xhssign:ratelimit:%s:%d", key, now.Unix()/60)
}
