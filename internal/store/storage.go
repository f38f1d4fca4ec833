// Package store keeps short-lived records, such as login challenges and
// attempt counters, in redis hashes shared by every instance.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Quota is the outcome of Acquire.
type Quota struct {
	// Used counts the attempts taken in the current window, this one
	// included. It is zero when the attempt was refused.
	Used int64
	// LockedUntil is the unix time the key stays locked until, or zero.
	LockedUntil int64
}

func (q Quota) Granted() bool {
	return q.Used > 0
}

// Storage reads and writes flat records keyed by string. Record fields are
// mapped with `redis` struct tags.
type Storage interface {
	Load(ctx context.Context, key string, dst any) error
	Put(ctx context.Context, key string, val any, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Field(ctx context.Context, key, field string, dst any) error
	// Incr adds delta to a numeric field of an existing record and returns
	// the new value. It returns ErrNotFound when the record is gone.
	Incr(ctx context.Context, key, field string, delta int64) (int64, error)
	// Acquire takes one attempt from a counter that resets window after its
	// first attempt. Taking the limit-th attempt locks the key for lockout,
	// and a locked key refuses attempts until now passes the lock.
	Acquire(ctx context.Context, key string, limit int64, window, lockout time.Duration, now time.Time) (Quota, error)
}
