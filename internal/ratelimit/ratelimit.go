// Package ratelimit keeps the API's per-tenant request budget and
// idempotency keys in Redis, so every API replica sees the same counts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter per tenant.
type Limiter struct {
	rdb    *r.Client
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewLimiter allows limit requests per tenant per minute. A limit of zero
// or less disables limiting.
func NewLimiter(rdb *r.Client, limit int) *Limiter {
	return &Limiter{rdb: rdb, limit: int64(limit), window: time.Minute, now: time.Now}
}

type Decision struct {
	Allowed   bool
	Remaining int64
	Reset     time.Duration
}

func (l *Limiter) Allow(ctx context.Context, tenantID string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	start := now.Truncate(l.window)
	key := fmt.Sprintf("rl:%s:%d", tenantID, start.Unix())

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}

	n := incr.Val()
	return Decision{
		Allowed:   n <= l.limit,
		Remaining: max(l.limit-n, 0),
		Reset:     start.Add(l.window).Sub(now),
	}, nil
}

// Idempotency maps a client-chosen key to the job it created.
type Idempotency struct {
	rdb *r.Client
	ttl time.Duration
}

const pending = "-"

var ErrInProgress = errors.New("ratelimit: request with this idempotency key is in progress")

func NewIdempotency(rdb *r.Client, ttl time.Duration) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: ttl}
}

func idemKey(tenantID, key string) string { return "idem:" + tenantID + ":" + key }

// Reserve claims key for the tenant. If the key was already used it
// returns the job id recorded for it, or ErrInProgress while the first
// request is still enqueueing.
func (i *Idempotency) Reserve(ctx context.Context, tenantID, key string) (jobID string, reserved bool, err error) {
	k := idemKey(tenantID, key)
	ok, err := i.rdb.SetNX(ctx, k, pending, i.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("ratelimit: reserve: %w", err)
	}
	if ok {
		return "", true, nil
	}

	v, err := i.rdb.Get(ctx, k).Result()
	switch {
	case errors.Is(err, r.Nil):
		// Expired between SETNX and GET; try once more.
		return i.Reserve(ctx, tenantID, key)
	case err != nil:
		return "", false, fmt.Errorf("ratelimit: reserve: %w", err)
	case v == pending:
		return "", false, ErrInProgress
	}
	return v, false, nil
}

// Bind records the job created under a reserved key.
func (i *Idempotency) Bind(ctx context.Context, tenantID, key, jobID string) error {
	if err := i.rdb.Set(ctx, idemKey(tenantID, key), jobID, i.ttl).Err(); err != nil {
		return fmt.Errorf("ratelimit: bind: %w", err)
	}
	return nil
}

// Release drops a reservation whose enqueue failed so the client can retry.
func (i *Idempotency) Release(ctx context.Context, tenantID, key string) error {
	if err := i.rdb.Del(ctx, idemKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("ratelimit: release: %w", err)
	}
	return nil
}
