// Package idempotency replays the stored response of a mutating HTTP call
// when a client retries it with the same Idempotency-Key.
package idempotency

import (
	"context"
	"strings"
)

type ActorContext struct {
	Principal      string
	IdempotencyKey string
}

// Record is a captured response. Body is the exact JSON that was written.
type Record struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, principal, idempotencyKey, endpoint string) (*Record, error)
	SaveIdempotencyRecord(ctx context.Context, principal, idempotencyKey, endpoint string, rec Record) error
}

// Locker serializes concurrent first attempts for the same key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

func Replay(ctx context.Context, st Store, actor ActorContext, endpoint string) (*Record, bool, error) {
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return nil, false, nil
	}
	rec, err := st.GetIdempotencyRecord(ctx, actor.Principal, actor.IdempotencyKey, endpoint)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

func Save(ctx context.Context, st Store, actor ActorContext, endpoint string, rec Record) error {
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, actor.Principal, actor.IdempotencyKey, endpoint, rec)
}

func lockKey(actor ActorContext, endpoint string) string {
	return "spendlane:idem:lock:" + actor.Principal + ":" + endpoint + ":" + actor.IdempotencyKey
}

// Do runs fn at most once per (principal, key, endpoint). A replayed record
// is returned with replayed=true and fn is not called. Only responses with a
// status below 500 are stored, so a failed attempt can be retried.
func Do(ctx context.Context, st Store, lk Locker, actor ActorContext, endpoint string, fn func() (Record, error)) (Record, bool, error) {
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		rec, err := fn()
		return rec, false, err
	}
	var (
		out      Record
		replayed bool
	)
	run := func() error {
		prev, found, err := Replay(ctx, st, actor, endpoint)
		if err != nil {
			return err
		}
		if found {
			out, replayed = *prev, true
			return nil
		}
		rec, err := fn()
		if err != nil {
			return err
		}
		out = rec
		if rec.Status < 500 {
			return Save(ctx, st, actor, endpoint, rec)
		}
		return nil
	}
	if lk == nil {
		return out, replayed, run()
	}
	err := lk.WithLock(ctx, lockKey(actor, endpoint), run)
	return out, replayed, err
}
