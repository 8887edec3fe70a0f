package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// RedisStore keeps records under spendlane:idem:<principal>:<endpoint>:<key>
// with a fixed TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func recordKey(principal, key, endpoint string) string {
	return "spendlane:idem:" + principal + ":" + endpoint + ":" + key
}

func (s *RedisStore) GetIdempotencyRecord(ctx context.Context, principal, idempotencyKey, endpoint string) (*Record, error) {
	raw, err := s.client.Get(ctx, recordKey(principal, idempotencyKey, endpoint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return &rec, nil
}

// SaveIdempotencyRecord keeps the first record written for a key.
func (s *RedisStore) SaveIdempotencyRecord(ctx context.Context, principal, idempotencyKey, endpoint string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, recordKey(principal, idempotencyKey, endpoint), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}

type LockOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{Expiry: 10 * time.Second, Tries: 20, RetryDelay: 100 * time.Millisecond}
}

// RedisLocker is a redsync mutex per key, shared by every replica that
// talks to the same Redis.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts LockOptions
}

func NewRedisLocker(client redis.UniversalClient, opts LockOptions) *RedisLocker {
	if opts == (LockOptions{}) {
		opts = DefaultLockOptions()
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		_, _ = mutex.UnlockContext(ctx)
	}()
	return fn()
}
