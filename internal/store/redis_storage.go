package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a field only while the record exists, so a counter
// never resurrects a record removed by another caller.
var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
`)

// acquireScript fields: failures, locked_until.
// ARGV: limit, window ms, lockout ms, now and lock expiry as unix seconds.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[4])
local locked = tonumber(redis.call('HGET', KEYS[1], 'locked_until') or '0')
if locked > 0 then
	if locked > now then
		return {0, locked}
	end
	redis.call('DEL', KEYS[1])
	locked = 0
end
local n = redis.call('HINCRBY', KEYS[1], 'failures', 1)
if tonumber(ARGV[2]) > 0 and redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n >= tonumber(ARGV[1]) then
	locked = tonumber(ARGV[5])
	redis.call('HSET', KEYS[1], 'locked_until', ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {n, locked}
`)

type RedisStorage struct {
	rdb redis.UniversalClient
}

func (s *RedisStorage) Conn() redis.UniversalClient {
	return s.rdb
}

func (s *RedisStorage) Load(ctx context.Context, key string, dst any) error {
	cmd := s.rdb.HGetAll(ctx, key)
	if err := cmd.Err(); err != nil {
		return err
	}
	if len(cmd.Val()) == 0 {
		return ErrNotFound
	}
	return cmd.Scan(dst)
}

// Put replaces the record at key. A non-positive ttl keeps it until removed.
func (s *RedisStorage) Put(ctx context.Context, key string, val any, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, val)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

// Remove deletes the record at key. Only one of several concurrent callers
// gets a nil error; the rest see ErrNotFound.
func (s *RedisStorage) Remove(ctx context.Context, key string) error {
	deleted, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStorage) Field(ctx context.Context, key, field string, dst any) error {
	err := s.rdb.HGet(ctx, key, field).Scan(dst)
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

func (s *RedisStorage) Incr(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := incrScript.Run(ctx, s.rdb, []string{key}, field, delta).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return n, err
}

func (s *RedisStorage) Acquire(ctx context.Context, key string, limit int64, window, lockout time.Duration, now time.Time) (Quota, error) {
	vals, err := acquireScript.Run(ctx, s.rdb, []string{key}, limit, window.Milliseconds(), lockout.Milliseconds(), now.Unix(), now.Add(lockout).Unix()).Int64Slice()
	if err != nil {
		return Quota{}, err
	}
	if len(vals) != 2 {
		return Quota{}, fmt.Errorf("unexpected acquire reply %v", vals)
	}
	return Quota{Used: vals[0], LockedUntil: vals[1]}, nil
}

func NewRedisStorage(rdb redis.UniversalClient) *RedisStorage {
	return &RedisStorage{
		rdb: rdb,
	}
}
