package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Status describes how a cache operation ended.
type Status uint8

const (
	// StatusOK means the operation succeeded; for Get the value was found.
	StatusOK Status = iota
	// StatusMiss means Get found no entry.
	StatusMiss
	// StatusFailed means the store could not be reached or returned an error.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMiss:
		return "miss"
	default:
		return "failed"
	}
}

// Result is returned by every RedisStore operation in place of an error.
// Callers branch on Status; Err is informational.
type Result struct {
	Status Status
	Value  []byte
	Err    error
}

// Found reports whether a Get produced a value.
func (r Result) Found() bool {
	return r.Status == StatusOK && r.Value != nil
}

// CacheStats are counters for operators.
type CacheStats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Failures uint64 `json:"failures"`
}

const defaultOpTimeout = 250 * time.Millisecond

var errNoClient = errors.New("redis client not configured")

// RedisStore is a best-effort key-value store. A failing Redis degrades every
// read to a miss and every write to a no-op.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
	logger    *log.Logger

	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
}

// NewRedisStore wraps client. A nil client yields a store that always fails softly.
func NewRedisStore(client *redis.Client, opTimeout time.Duration, logger *log.Logger) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisStore{client: client, opTimeout: opTimeout, logger: logger}
}

// Get loads key.
func (s *RedisStore) Get(ctx context.Context, key string) Result {
	if s.client == nil {
		return s.fail("get", key, errNoClient)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		s.misses.Add(1)
		return Result{Status: StatusMiss}
	case err != nil:
		return s.fail("get", key, err)
	}
	s.hits.Add(1)
	return Result{Status: StatusOK, Value: data}
}

// Put stores value under key with the given TTL. When index is not empty the
// key is also added to that set, whose expiry is refreshed to ttl. A
// non-positive ttl stores nothing.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration, index string) Result {
	if ttl <= 0 {
		return Result{Status: StatusOK}
	}
	if s.client == nil {
		return s.fail("put", key, errNoClient)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, ttl)
		if index != "" {
			pipe.SAdd(ctx, index, key)
			pipe.Expire(ctx, index, ttl)
		}
		return nil
	})
	if err != nil {
		return s.fail("put", key, err)
	}
	return Result{Status: StatusOK}
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) Result {
	if len(keys) == 0 {
		return Result{Status: StatusOK}
	}
	if s.client == nil {
		return s.fail("delete", keys[0], errNoClient)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return s.fail("delete", keys[0], err)
	}
	return Result{Status: StatusOK}
}

// DeleteTracked removes every key recorded in index, the index itself and extra.
func (s *RedisStore) DeleteTracked(ctx context.Context, index string, extra ...string) Result {
	if s.client == nil {
		return s.fail("delete", index, errNoClient)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	members, err := s.takeIndex(ctx, index)
	if err != nil {
		return s.fail("delete", index, err)
	}
	keys := append(members, extra...)
	if len(keys) == 0 {
		return Result{Status: StatusOK}
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return s.fail("delete", index, err)
	}
	return Result{Status: StatusOK}
}

// takeIndex reads and drops index in one transaction. A Put landing after it
// starts a fresh index, so its page stays tracked for the next invalidation.
func (s *RedisStore) takeIndex(ctx context.Context, index string) ([]string, error) {
	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, index)
		pipe.Del(ctx, index)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return members.Val(), nil
}

// Stats returns the hit, miss and failure counters.
func (s *RedisStore) Stats() CacheStats {
	return CacheStats{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Failures: s.failures.Load(),
	}
}

func (s *RedisStore) fail(op, key string, err error) Result {
	s.failures.Add(1)
	s.logger.WithError(err).WithFields(log.Fields{"op": op, "key": key}).Warn("cache store unavailable")
	return Result{Status: StatusFailed, Err: err}
}
