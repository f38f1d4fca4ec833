package config

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khanghh/identcore/internal/metrics"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
	"github.com/spf13/cast"
	"golang.org/x/sync/singleflight"
)

type Source string

const (
	SourceOverride Source = "override"
	SourceStore    Source = "store"
	SourceDefault  Source = "default"
)

// Entry is a resolved configuration value.
type Entry struct {
	Key        string
	Value      string
	Source     Source
	ResolvedAt time.Time
	TTL        time.Duration
}

type cacheEntry struct {
	entry     Entry
	expiresAt time.Time
}

// Resolver resolves runtime configuration keys in the order override, store,
// default. Store results are cached per key for a short TTL and concurrent
// misses for the same key share a single store query.
type Resolver struct {
	keys         map[string]Key
	overrides    OverrideSource
	settingRepo  SettingRepository
	metrics      metrics.Recorder
	cacheTTL     time.Duration
	storeTimeout time.Duration
	cache        sync.Map
	group        singleflight.Group
	generation   atomic.Uint64
	now          func() time.Time
}

func (r *Resolver) lookupKey(name string) (Key, error) {
	k, ok := r.keys[name]
	if !ok {
		return Key{}, &ConfigurationError{Key: name, Err: ErrKeyNotRegistered}
	}
	return k, nil
}

func (r *Resolver) defaultEntry(k Key) Entry {
	return Entry{Key: k.Name, Value: k.Default, Source: SourceDefault, ResolvedAt: r.now(), TTL: r.cacheTTL}
}

func (r *Resolver) fetch(ctx context.Context, k Key) (Entry, error) {
	gen := r.generation.Load()
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	value, found, err := r.settingRepo.Get(ctx, k.Name)
	if err != nil {
		if !k.hasDefault() {
			return Entry{}, &ConfigurationError{Key: k.Name, Source: SourceStore, Err: err}
		}
		slog.Warn("Configuration store unavailable, using default", "key", k.Name, "error", err)
		r.metrics.RecordConfigDegraded(k.Name)
		return r.defaultEntry(k), nil
	}

	var entry Entry
	switch {
	case found:
		entry = Entry{Key: k.Name, Value: value, Source: SourceStore, ResolvedAt: r.now(), TTL: r.cacheTTL}
	case k.hasDefault():
		entry = r.defaultEntry(k)
	default:
		return Entry{}, &ConfigurationError{Key: k.Name, Err: ErrKeyNotFound}
	}

	// a write that landed while the query was in flight wins over this result
	if r.generation.Load() == gen {
		r.cache.Store(k.Name, &cacheEntry{entry: entry, expiresAt: entry.ResolvedAt.Add(r.cacheTTL)})
	}
	return entry, nil
}

// Resolve returns the winning entry for key together with its source.
func (r *Resolver) Resolve(ctx context.Context, key string) (Entry, error) {
	k, err := r.lookupKey(key)
	if err != nil {
		return Entry{}, err
	}

	if value, ok := r.overrides.Lookup(key); ok {
		r.metrics.RecordConfigResolution(string(SourceOverride))
		return Entry{Key: key, Value: value, Source: SourceOverride, ResolvedAt: r.now()}, nil
	}

	if cached, ok := r.cache.Load(key); ok {
		ce := cached.(*cacheEntry)
		if r.now().Before(ce.expiresAt) {
			r.metrics.RecordConfigResolution(string(ce.entry.Source))
			return ce.entry, nil
		}
	}

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.fetch(detached, k)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		entry := res.Val.(Entry)
		r.metrics.RecordConfigResolution(string(entry.Source))
		return entry, nil
	case <-ctx.Done():
		if !k.hasDefault() {
			return Entry{}, &ConfigurationError{Key: key, Err: ctx.Err()}
		}
		return r.defaultEntry(k), nil
	}
}

func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	entry, err := r.Resolve(ctx, key)
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

// GetString returns the resolved value, or an empty string when the key
// cannot be resolved.
func (r *Resolver) GetString(ctx context.Context, key string) string {
	val, err := r.Get(ctx, key)
	if err != nil {
		slog.Error("Failed to resolve configuration key", "key", key, "error", err)
		return ""
	}
	return val
}

func (r *Resolver) GetDuration(ctx context.Context, key string) time.Duration {
	return parseOrDefault(r, ctx, key, cast.ToDurationE)
}

func (r *Resolver) GetInt(ctx context.Context, key string) int {
	return parseOrDefault(r, ctx, key, cast.ToIntE)
}

func (r *Resolver) GetBool(ctx context.Context, key string) bool {
	return parseOrDefault(r, ctx, key, cast.ToBoolE)
}

func parseOrDefault[T any](r *Resolver, ctx context.Context, key string, parse func(interface{}) (T, error)) T {
	var zero T
	entry, err := r.Resolve(ctx, key)
	if err != nil {
		slog.Error("Failed to resolve configuration key", "key", key, "error", err)
		return zero
	}
	val, err := parse(entry.Value)
	if err == nil {
		return val
	}
	k := r.keys[key]
	slog.Warn("Invalid configuration value, using default", "key", key, "source", entry.Source, "error", err)
	r.metrics.RecordConfigDegraded(key)
	val, err = parse(k.Default)
	if err != nil {
		return zero
	}
	return val
}

// Set persists value to the store and drops the cached entry so the next
// lookup reads it back. Keys with an active override keep the override.
func (r *Resolver) Set(ctx context.Context, key string, value string) error {
	if _, err := r.lookupKey(key); err != nil {
		return err
	}
	if _, ok := r.overrides.Lookup(key); ok {
		slog.Warn("Configuration key is overridden, stored value will be shadowed", "key", key)
	}
	if err := r.settingRepo.Put(ctx, key, value); err != nil {
		return &ConfigurationError{Key: key, Source: SourceStore, Err: err}
	}
	r.Invalidate(key)
	return nil
}

func (r *Resolver) Invalidate(key string) {
	r.generation.Add(1)
	r.group.Forget(key)
	r.cache.Delete(key)
}

// Keys returns the registered keys sorted by name.
func (r *Resolver) Keys() []Key {
	keys := make([]Key, 0, len(r.keys))
	for _, k := range r.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// Stored returns every value in the store ordered by key, including values
// of keys that are no longer registered.
func (r *Resolver) Stored(ctx context.Context) ([]model.ConfigEntry, error) {
	entries, err := r.settingRepo.List(ctx)
	if err != nil {
		return nil, &ConfigurationError{Source: SourceStore, Err: err}
	}
	return entries, nil
}

// Validate resolves every registered key and reports all required keys that
// failed as a single ValidationError.
func (r *Resolver) Validate(ctx context.Context) error {
	var failures []*ConfigurationError
	for _, k := range r.Keys() {
		_, err := r.Resolve(ctx, k.Name)
		if err == nil || !k.Required {
			continue
		}
		cfgErr, ok := err.(*ConfigurationError)
		if !ok {
			cfgErr = &ConfigurationError{Key: k.Name, Err: err}
		}
		failures = append(failures, cfgErr)
	}
	if len(failures) > 0 {
		return &ValidationError{Failures: failures}
	}
	return nil
}

// Init validates required keys and warms the cache. It must succeed before
// the process accepts traffic.
func (r *Resolver) Init(ctx context.Context) error {
	return r.Validate(ctx)
}

func NewResolver(settingRepo SettingRepository, overrides OverrideSource, keys []Key, recorder metrics.Recorder) *Resolver {
	if overrides == nil {
		overrides = MapOverrides{}
	}
	registry := make(map[string]Key, len(keys))
	for _, k := range keys {
		registry[k.Name] = k
	}
	return &Resolver{
		keys:         registry,
		overrides:    overrides,
		settingRepo:  settingRepo,
		metrics:      metrics.OrNoop(recorder),
		cacheTTL:     params.ConfigCacheTTL,
		storeTimeout: params.ConfigStoreTimeout,
		now:          time.Now,
	}
}
