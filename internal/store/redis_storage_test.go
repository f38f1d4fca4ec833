package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Name     string `redis:"name"`
	Attempts int    `redis:"attempts"`
	SeenAt   int64  `redis:"seen_at"`
}

func newTestStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStorage(rdb), mr
}

func TestHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage, mr := newTestStorage(t)
	records := NewHash[testRecord](storage, "r:")

	_, err := records.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().Unix()
	require.NoError(t, records.Put(ctx, "one", &testRecord{Name: "one", SeenAt: now}, time.Minute))
	assert.True(t, mr.Exists("r:one"))
	assert.Equal(t, time.Minute, mr.TTL("r:one"))

	got, err := records.Load(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)
	assert.Equal(t, now, got.SeenAt)

	var name string
	require.NoError(t, records.Field(ctx, "one", "name", &name))
	assert.Equal(t, "one", name)
	assert.ErrorIs(t, records.Field(ctx, "one", "nickname", &name), ErrNotFound)

	require.NoError(t, records.Remove(ctx, "one"))
	assert.ErrorIs(t, records.Remove(ctx, "one"), ErrNotFound)
}

func TestPutReplacesRecord(t *testing.T) {
	ctx := context.Background()
	storage, mr := newTestStorage(t)
	records := NewHash[testRecord](storage, "r:")

	require.NoError(t, records.Put(ctx, "two", &testRecord{Name: "two", Attempts: 3}, time.Minute))
	require.NoError(t, records.Put(ctx, "two", &testRecord{Name: "again"}, 0))
	assert.Equal(t, time.Duration(0), mr.TTL("r:two"))

	got, err := records.Load(ctx, "two")
	require.NoError(t, err)
	assert.Equal(t, "again", got.Name)
	assert.Equal(t, 0, got.Attempts)
}

func TestIncrRequiresRecord(t *testing.T) {
	ctx := context.Background()
	storage, mr := newTestStorage(t)
	records := NewHash[testRecord](storage, "r:")

	_, err := records.Incr(ctx, "gone", "attempts", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("r:gone"))

	require.NoError(t, records.Put(ctx, "one", &testRecord{Name: "one"}, time.Minute))
	n, err := records.Incr(ctx, "one", "attempts", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, time.Minute, mr.TTL("r:one"))

	require.NoError(t, records.Remove(ctx, "one"))
	_, err = records.Incr(ctx, "one", "attempts", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("r:one"))
}

func TestAcquireStartsWindowOnce(t *testing.T) {
	ctx := context.Background()
	storage, mr := newTestStorage(t)
	counters := NewHash[testRecord](storage, "a:")
	now := time.Now()

	q, err := counters.Acquire(ctx, "u1", 5, time.Minute, time.Hour, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.Used)
	assert.Zero(t, q.LockedUntil)
	assert.Equal(t, time.Minute, mr.TTL("a:u1"))

	mr.FastForward(30 * time.Second)
	q, err = counters.Acquire(ctx, "u1", 5, time.Minute, time.Hour, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, q.Used)
	assert.Equal(t, 30*time.Second, mr.TTL("a:u1"))

	mr.FastForward(31 * time.Second)
	q, err = counters.Acquire(ctx, "u1", 5, time.Minute, time.Hour, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.Used)
}

func TestAcquireLocksAtLimit(t *testing.T) {
	ctx := context.Background()
	storage, mr := newTestStorage(t)
	counters := NewHash[testRecord](storage, "a:")
	now := time.Now()

	for i := 1; i < 3; i++ {
		q, err := counters.Acquire(ctx, "u2", 3, time.Minute, 15*time.Minute, now)
		require.NoError(t, err)
		assert.True(t, q.Granted())
		assert.Zero(t, q.LockedUntil)
	}
	q, err := counters.Acquire(ctx, "u2", 3, time.Minute, 15*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, q.Granted())
	assert.EqualValues(t, 3, q.Used)
	assert.Equal(t, now.Add(15*time.Minute).Unix(), q.LockedUntil)
	assert.Equal(t, 15*time.Minute, mr.TTL("a:u2"))

	q, err = counters.Acquire(ctx, "u2", 3, time.Minute, 15*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, q.Granted())
	assert.Equal(t, now.Add(15*time.Minute).Unix(), q.LockedUntil)

	later := now.Add(16 * time.Minute)
	q, err = counters.Acquire(ctx, "u2", 3, time.Minute, 15*time.Minute, later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.Used)
	assert.Zero(t, q.LockedUntil)
}

func TestAcquireConcurrentGrantsLimit(t *testing.T) {
	ctx := context.Background()
	storage, _ := newTestStorage(t)
	counters := NewHash[testRecord](storage, "a:")
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := counters.Acquire(ctx, "u3", 3, time.Minute, time.Minute, now)
			if err == nil && q.Granted() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, granted)
}

func TestRemoveIsExclusive(t *testing.T) {
	ctx := context.Background()
	storage, _ := newTestStorage(t)
	records := NewHash[testRecord](storage, "r:")
	require.NoError(t, records.Put(ctx, "race", &testRecord{Name: "race"}, time.Minute))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if records.Remove(ctx, "race") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
