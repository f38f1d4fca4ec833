package config

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/khanghh/identcore/internal/testutil"
	"github.com/khanghh/identcore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettingRepository struct {
	mu      sync.Mutex
	values  map[string]string
	err     error
	delay   time.Duration
	queries atomic.Int32
}

func (f *fakeSettingRepository) Get(ctx context.Context, key string) (string, bool, error) {
	f.queries.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	val, ok := f.values[key]
	return val, ok, nil
}

func (f *fakeSettingRepository) Put(ctx context.Context, key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.values[key] = value
	return nil
}

func (f *fakeSettingRepository) List(ctx context.Context) ([]model.ConfigEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	entries := make([]model.ConfigEntry, 0, len(f.values))
	for k, v := range f.values {
		entries = append(entries, model.ConfigEntry{Key: k, Value: v})
	}
	return entries, nil
}

func newFakeRepo(values map[string]string) *fakeSettingRepository {
	if values == nil {
		values = map[string]string{}
	}
	return &fakeSettingRepository{values: values}
}

func TestResolverOverrideWinsOverStore(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingRepository(testutil.NewDB(t))
	require.NoError(t, repo.Put(ctx, KeyAuthProviderType, "providerA"))

	r := NewResolver(repo, MapOverrides{KeyAuthProviderType: "providerB"}, DefaultKeys(), nil)
	entry, err := r.Resolve(ctx, KeyAuthProviderType)
	require.NoError(t, err)
	assert.Equal(t, "providerB", entry.Value)
	assert.Equal(t, SourceOverride, entry.Source)
}

func TestResolverOverrideWinsForEveryKey(t *testing.T) {
	ctx := context.Background()
	keys := DefaultKeys()
	stored := map[string]string{}
	overrides := MapOverrides{}
	for _, k := range keys {
		stored[k.Name] = "stored-" + k.Name
		overrides[k.Name] = "override-" + k.Name
	}
	r := NewResolver(newFakeRepo(stored), overrides, keys, nil)
	for _, k := range keys {
		val, err := r.Get(ctx, k.Name)
		require.NoError(t, err)
		assert.Equal(t, "override-"+k.Name, val)
	}
}

func TestResolverDefaultWhenAbsent(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(nil)
	r := NewResolver(repo, nil, DefaultKeys(), nil)
	for _, k := range DefaultKeys() {
		if !k.hasDefault() {
			continue
		}
		entry, err := r.Resolve(ctx, k.Name)
		require.NoError(t, err, k.Name)
		assert.Equal(t, k.Default, entry.Value)
		assert.Equal(t, SourceDefault, entry.Source)
	}
}

func TestResolverStoreValueIsCached(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(map[string]string{KeyAccessTokenTTL: "30m"})
	r := NewResolver(repo, nil, DefaultKeys(), nil)

	assert.Equal(t, 30*time.Minute, r.GetDuration(ctx, KeyAccessTokenTTL))
	assert.Equal(t, 30*time.Minute, r.GetDuration(ctx, KeyAccessTokenTTL))
	assert.EqualValues(t, 1, repo.queries.Load())

	now := time.Now()
	r.now = func() time.Time { return now.Add(r.cacheTTL + time.Second) }
	assert.Equal(t, 30*time.Minute, r.GetDuration(ctx, KeyAccessTokenTTL))
	assert.EqualValues(t, 2, repo.queries.Load())
}

func TestResolverSetInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingRepository(testutil.NewDB(t))
	r := NewResolver(repo, nil, DefaultKeys(), nil)

	assert.Equal(t, 5, r.GetInt(ctx, KeyMFAMaxAttempts))
	require.NoError(t, r.Set(ctx, KeyMFAMaxAttempts, "3"))
	assert.Equal(t, 3, r.GetInt(ctx, KeyMFAMaxAttempts))

	require.NoError(t, r.Set(ctx, KeyMFAMaxAttempts, "7"))
	entry, err := r.Resolve(ctx, KeyMFAMaxAttempts)
	require.NoError(t, err)
	assert.Equal(t, "7", entry.Value)
	assert.Equal(t, SourceStore, entry.Source)
}

func TestResolverSetUnderOverrideKeepsOverride(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(nil)
	r := NewResolver(repo, MapOverrides{KeyDefaultUserRole: "admin"}, DefaultKeys(), nil)

	require.NoError(t, r.Set(ctx, KeyDefaultUserRole, "client"))
	assert.Equal(t, "client", repo.values[KeyDefaultUserRole])
	assert.Equal(t, "admin", r.GetString(ctx, KeyDefaultUserRole))
}

func TestResolverStoredListsEntries(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingRepository(testutil.NewDB(t))
	resolver := NewResolver(repo, nil, DefaultKeys(), nil)

	require.NoError(t, resolver.Set(ctx, KeyMFAMaxAttempts, "3"))
	require.NoError(t, resolver.Set(ctx, KeyMFAChallengeTTL, "2m"))
	require.NoError(t, repo.Put(ctx, "RETIRED_KEY", "x"))

	entries, err := resolver.Stored(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, KeyMFAChallengeTTL, entries[0].Key)
	assert.Equal(t, "2m", entries[0].Value)
	assert.Equal(t, KeyMFAMaxAttempts, entries[1].Key)
	assert.Equal(t, "RETIRED_KEY", entries[2].Key)

	failing := NewResolver(&fakeSettingRepository{values: map[string]string{}, err: errors.New("db down")}, nil, DefaultKeys(), nil)
	_, err = failing.Stored(ctx)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, SourceStore, cfgErr.Source)
}

func TestResolverSingleFlight(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(map[string]string{KeyTokenIssuer: "identcore"})
	repo.delay = 50 * time.Millisecond
	r := NewResolver(repo, nil, DefaultKeys(), nil)

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.Get(ctx, KeyTokenIssuer)
		}(i)
	}
	wg.Wait()

	for _, val := range results {
		assert.Equal(t, "identcore", val)
	}
	assert.EqualValues(t, 1, repo.queries.Load())
}

func TestResolverStoreFailureFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(nil)
	repo.err = errors.New("connection refused")
	r := NewResolver(repo, nil, DefaultKeys(), nil)

	entry, err := r.Resolve(ctx, KeyRefreshTokenTTL)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, entry.Source)
	assert.Equal(t, 720*time.Hour, r.GetDuration(ctx, KeyRefreshTokenTTL))

	// degraded results are not cached
	repo.mu.Lock()
	repo.err = nil
	repo.values[KeyRefreshTokenTTL] = "24h"
	repo.mu.Unlock()
	assert.Equal(t, 24*time.Hour, r.GetDuration(ctx, KeyRefreshTokenTTL))

	repo.err = errors.New("connection refused")
	_, err = r.Resolve(ctx, KeyTokenIssuer)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, KeyTokenIssuer, cfgErr.Key)
}

func TestResolverInvalidValueUsesDefault(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(map[string]string{
		KeyAccessTokenTTL: "soon",
		KeyMFAMaxAttempts: "many",
	})
	r := NewResolver(repo, MapOverrides{KeyLocalRequireConfirmation: "maybe"}, DefaultKeys(), nil)

	assert.Equal(t, 15*time.Minute, r.GetDuration(ctx, KeyAccessTokenTTL))
	assert.Equal(t, 5, r.GetInt(ctx, KeyMFAMaxAttempts))
	assert.False(t, r.GetBool(ctx, KeyLocalRequireConfirmation))
}

func TestResolverUnknownKey(t *testing.T) {
	r := NewResolver(newFakeRepo(nil), nil, DefaultKeys(), nil)
	_, err := r.Get(context.Background(), "NOT_A_KEY")
	assert.ErrorIs(t, err, ErrKeyNotRegistered)
	assert.ErrorIs(t, r.Set(context.Background(), "NOT_A_KEY", "x"), ErrKeyNotRegistered)
}

func TestResolverInitReportsAllMissingRequiredKeys(t *testing.T) {
	ctx := context.Background()
	keys := RequireKeys(DefaultKeys(), "SMS_SENDER_ID", KeyAuthProviderType)
	r := NewResolver(newFakeRepo(nil), nil, keys, nil)

	err := r.Init(ctx)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Failures, 2)
	assert.Equal(t, "SMS_SENDER_ID", verr.Failures[0].Key)
	assert.Equal(t, KeyTokenIssuer, verr.Failures[1].Key)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	r = NewResolver(newFakeRepo(map[string]string{KeyTokenIssuer: "identcore", "SMS_SENDER_ID": "id"}), nil, keys, nil)
	assert.NoError(t, r.Init(ctx))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IDENTCORE_AUTH_PROVIDER_TYPE", "providerB")
	src := NewEnvOverrides("IDENTCORE", DefaultKeys())

	val, ok := src.Lookup(KeyAuthProviderType)
	assert.True(t, ok)
	assert.Equal(t, "providerB", val)

	_, ok = src.Lookup(KeyAccessTokenTTL)
	assert.False(t, ok)
}
