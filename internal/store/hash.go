package store

import (
	"context"
	"time"
)

// Hash is a typed view of records of type T stored under a common key prefix.
type Hash[T any] struct {
	storage Storage
	prefix  string
}

func (h *Hash[T]) key(id string) string {
	return h.prefix + id
}

func (h *Hash[T]) Load(ctx context.Context, id string) (*T, error) {
	var rec T
	if err := h.storage.Load(ctx, h.key(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (h *Hash[T]) Put(ctx context.Context, id string, rec *T, ttl time.Duration) error {
	return h.storage.Put(ctx, h.key(id), rec, ttl)
}

func (h *Hash[T]) Remove(ctx context.Context, id string) error {
	return h.storage.Remove(ctx, h.key(id))
}

func (h *Hash[T]) Field(ctx context.Context, id, field string, dst any) error {
	return h.storage.Field(ctx, h.key(id), field, dst)
}

func (h *Hash[T]) Incr(ctx context.Context, id, field string, delta int64) (int64, error) {
	return h.storage.Incr(ctx, h.key(id), field, delta)
}

func (h *Hash[T]) Acquire(ctx context.Context, id string, limit int64, window, lockout time.Duration, now time.Time) (Quota, error) {
	return h.storage.Acquire(ctx, h.key(id), limit, window, lockout, now)
}

func NewHash[T any](storage Storage, prefix string) *Hash[T] {
	return &Hash[T]{
		storage: storage,
		prefix:  prefix,
	}
}
