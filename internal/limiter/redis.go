package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is the subset of the redis client the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Redis is a fixed-window limiter: at most limit attempts per key per window.
type Redis struct {
	rdb    Counter
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedis constructs a Redis-backed limiter.
func NewRedis(rdb Counter, limit int, window time.Duration) *Redis {
	return &Redis{rdb: rdb, limit: int64(limit), window: window, now: time.Now}
}

// Allow implements Limiter.
func (l *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	slot := now.UnixNano() / int64(l.window)
	k := fmt.Sprintf("gk:rl:%s:%d", key, slot)

	n, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		// the key outlives its window by one window so late readers still see it
		if err := l.rdb.Expire(ctx, k, 2*l.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if n > l.limit {
		end := time.Unix(0, (slot+1)*int64(l.window))
		return false, end.Sub(now), nil
	}
	return true, 0, nil
}
