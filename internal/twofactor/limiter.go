package twofactor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/store"
	"github.com/khanghh/identcore/params"
)

// AttemptState counts failed verifications of a user inside the current
// attempt window. It lives in redis so every instance sees the same count.
type AttemptState struct {
	Failures    int   `redis:"failures"`
	LockedUntil int64 `redis:"locked_until"`
}

type attemptLimiter struct {
	store    *store.Hash[AttemptState]
	resolver *config.Resolver
}

func stateKey(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

// Check returns a UserLockedError while the user is locked out.
func (l *attemptLimiter) Check(ctx context.Context, userID uint, now time.Time) error {
	var lockedUntil int64
	err := l.store.Field(ctx, stateKey(userID), "locked_until", &lockedUntil)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if until := time.Unix(lockedUntil, 0); until.After(now) {
		return &UserLockedError{Until: until}
	}
	return nil
}

// attempt is a verification slot taken from the user's attempt window.
type attempt struct {
	left        int
	lockedUntil time.Time
}

// Reserve takes an attempt before a code is checked, so concurrent guesses
// cannot exceed the limit. The attempt that reaches the limit starts the
// lockout; a locked user gets a UserLockedError.
func (l *attemptLimiter) Reserve(ctx context.Context, userID uint, now time.Time) (*attempt, error) {
	maxAttempts := l.resolver.GetInt(ctx, config.KeyMFAMaxAttempts)
	window := l.resolver.GetDuration(ctx, config.KeyMFAAttemptWindow)
	lockout := l.resolver.GetDuration(ctx, config.KeyMFALockoutDuration)
	quota, err := l.store.Acquire(ctx, stateKey(userID), int64(maxAttempts), window, lockout, now)
	if err != nil {
		return nil, err
	}
	if !quota.Granted() {
		return nil, &UserLockedError{Until: time.Unix(quota.LockedUntil, 0)}
	}
	a := &attempt{left: maxAttempts - int(quota.Used)}
	if quota.LockedUntil > 0 {
		a.left = 0
		a.lockedUntil = time.Unix(quota.LockedUntil, 0)
	}
	return a, nil
}

func (l *attemptLimiter) Reset(ctx context.Context, userID uint) error {
	err := l.store.Remove(ctx, stateKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func newAttemptLimiter(storage store.Storage, resolver *config.Resolver) *attemptLimiter {
	return &attemptLimiter{
		store:    store.NewHash[AttemptState](storage, params.AttemptStateKeyPrefix),
		resolver: resolver,
	}
}
