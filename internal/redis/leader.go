package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaderKey = "build:schedule:leader"

// renewScript extends the lease only if this instance still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Leader is a lease that lets exactly one of several scheduled masters on a
// network start a build.
type Leader struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
}

// NewLeader returns a lease held under instanceID for ttl at a time.
func NewLeader(client *redis.Client, instanceID string, ttl time.Duration) *Leader {
	return &Leader{client: client, instanceID: instanceID, ttl: ttl}
}

// Acquire takes the lease, or renews it when this instance already holds
// it. It reports false when another instance is the leader.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaderKey, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.client, []string{leaderKey}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew: %w", err)
	}
	return n == 1, nil
}

// Release gives the lease up if this instance holds it.
func (l *Leader) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{leaderKey}, l.instanceID).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release: %w", err)
	}
	return nil
}
