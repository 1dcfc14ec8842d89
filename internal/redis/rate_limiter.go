package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func rateKey(client string) string { return "build:api:ratelimit:" + client }

// RateLimiter counts requests per client over a sliding window. Several
// masters sharing one Redis share the budget of a client.
type RateLimiter interface {
	Allow(ctx context.Context, client string) (bool, error)
	Limit() int
}

type windowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows at most limit requests per client within window.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &windowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (l *windowLimiter) Limit() int { return l.limit }

// Allow records one request and reports whether it fits in the window.
// Rejected requests still count, so a client hammering the API stays
// locked out until it backs off.
func (l *windowLimiter) Allow(ctx context.Context, client string) (bool, error) {
	ts := l.now().UnixNano()
	key := rateKey(client)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(ts-l.window.Nanoseconds(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: ts})
	count := pipe.ZCard(ctx, key)
	pipe.PExpire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", client, err)
	}
	return count.Val() <= int64(l.limit), nil
}
