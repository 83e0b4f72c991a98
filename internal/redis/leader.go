package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only when this instance still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Elector implements single-holder leases over Redis SETNX. Periodic jobs
// that must run on exactly one instance call AcquireOrRenew on every tick
// and skip the tick when it returns false.
type Elector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewElector returns an Elector for the given lease key. instanceID must be
// unique per process.
func NewElector(client *redis.Client, key, instanceID string, ttl time.Duration) *Elector {
	return &Elector{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// AcquireOrRenew attempts to take the lease, or extend it when already held
// by this instance. Returns true while this instance is the leader. A Redis
// error counts as not-leader so a partitioned instance stops doing work.
func (e *Elector) AcquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	result, err := renewScript.Run(ctx, e.client, []string{e.key}, e.instanceID, e.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return result == 1, nil
}

// Release gives the lease up if this instance still holds it.
func (e *Elector) Release(ctx context.Context) error {
	releaseScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	err := releaseScript.Run(ctx, e.client, []string{e.key}, e.instanceID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
