// Package store holds the per-client rate limit state for /sign.
package store

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"xhssign/internal/config"
)

// Limiter decides whether a client identified by key may make another
// request. On a backend error implementations return allowed=true alongside
// the error so an outage does not take signing down with it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// New builds the limiter described by cfg: Redis when an address is set,
// otherwise in-process. It returns nil when rate limiting is disabled.
func New(ctx context.Context, cfg config.RateLimitConfig) (Limiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, nil
	}
	if cfg.RedisAddr == "" {
		return NewMemoryLimiter(cfg.RequestsPerMinute, cfg.Burst, 15*time.Minute), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisLimiter(client, cfg.RequestsPerMinute), nil
}

// NormalizeIP returns the host portion of addr.
func NormalizeIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}
