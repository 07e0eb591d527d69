// Package ratelimit enforces the hourly send ceilings from spec.md
// §4.1 with a single atomic Redis round-trip per check: both scripts
// are preloaded with ScriptLoad at construction and invoked by SHA,
// reloading on a NOSCRIPT response.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reachinbox/scheduler/observability"
)

// admitScript checks the bucket counter against limit and increments
// it in the same round-trip, so two concurrent admits can never both
// observe room for the last slot.
const admitScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
    return 0
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`

// releaseScript decrements a bucket counter, used to back out an
// admission when a later stage (e.g. the other scope in a dual check)
// rejects the send after this scope already admitted it.
const releaseScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current > 0 then
    redis.call("DECR", KEYS[1])
end
return 1
`

// Limiter enforces global and per-sender hourly ceilings via Redis.
type Limiter struct {
	client *redis.Client

	admitSHA   string
	releaseSHA string

	bucketTTL time.Duration
}

// NewLimiter preloads both scripts once so later calls pay only the
// EvalSha round-trip.
func NewLimiter(ctx context.Context, client *redis.Client) (*Limiter, error) {
	admitSHA, err := client.ScriptLoad(ctx, admitScript).Result()
	if err != nil {
		return nil, err
	}
	releaseSHA, err := client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return nil, err
	}
	return &Limiter{
		client:     client,
		admitSHA:   admitSHA,
		releaseSHA: releaseSHA,
		bucketTTL:  2 * time.Hour, // outlives the bucket's own hour so late stragglers still decrement cleanly
	}, nil
}

// TryAdmit attempts to consume one slot from scope's current-hour
// bucket against limit. Returns true if admitted.
func (l *Limiter) TryAdmit(ctx context.Context, scope string, limit int) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	key := bucketKey(scope, time.Now())
	result, err := l.evalAdmit(ctx, key, limit)
	if err != nil {
		observability.RateLimitAdmissions.WithLabelValues(scope, "error").Inc()
		return false, err
	}

	admitted := result == 1
	outcome := "rejected"
	if admitted {
		outcome = "allowed"
	}
	observability.RateLimitAdmissions.WithLabelValues(scope, outcome).Inc()
	return admitted, nil
}

func (l *Limiter) evalAdmit(ctx context.Context, key string, limit int) (int64, error) {
	result, err := l.client.EvalSha(ctx, l.admitSHA, []string{key}, limit, int(l.bucketTTL.Seconds())).Result()
	if err != nil && isNoScript(err) {
		sha, loadErr := l.client.ScriptLoad(ctx, admitScript).Result()
		if loadErr != nil {
			return 0, loadErr
		}
		l.admitSHA = sha
		result, err = l.client.EvalSha(ctx, l.admitSHA, []string{key}, limit, int(l.bucketTTL.Seconds())).Result()
	}
	if err != nil {
		return 0, err
	}
	n, ok := result.(int64)
	if !ok {
		return 0, errors.New("ratelimit: unexpected script result type")
	}
	return n, nil
}

// Release backs out one admitted slot from scope's current-hour
// bucket. Used when a dual-scope check (global + sender) admits the
// first scope but the second scope rejects.
func (l *Limiter) Release(ctx context.Context, scope string) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	key := bucketKey(scope, time.Now())
	_, err := l.client.EvalSha(ctx, l.releaseSHA, []string{key}).Result()
	if err != nil && isNoScript(err) {
		sha, loadErr := l.client.ScriptLoad(ctx, releaseScript).Result()
		if loadErr != nil {
			return loadErr
		}
		l.releaseSHA = sha
		_, err = l.client.EvalSha(ctx, l.releaseSHA, []string{key}).Result()
	}
	return err
}

// TryAdmitBoth admits against the global scope and a sender scope
// together, releasing the global slot if the sender scope rejects so
// neither counter drifts from actual sends (spec.md §4.1: both
// ceilings must hold simultaneously for a send to proceed).
func (l *Limiter) TryAdmitBoth(ctx context.Context, globalLimit int, senderScope string, senderLimit int) (bool, error) {
	globalOK, err := l.TryAdmit(ctx, GlobalScope, globalLimit)
	if err != nil {
		return false, err
	}
	if !globalOK {
		return false, nil
	}

	senderOK, err := l.TryAdmit(ctx, senderScope, senderLimit)
	if err != nil {
		_ = l.Release(ctx, GlobalScope)
		return false, err
	}
	if !senderOK {
		_ = l.Release(ctx, GlobalScope)
		return false, nil
	}
	return true, nil
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}
