package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeStore struct {
	rec    *Record
	getErr error
	saveN  int
}

func (f *fakeStore) GetIdempotencyRecord(ctx context.Context, principal, idempotencyKey, endpoint string) (*Record, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.rec, nil
}

func (f *fakeStore) SaveIdempotencyRecord(ctx context.Context, principal, idempotencyKey, endpoint string, rec Record) error {
	f.rec = &rec
	f.saveN++
	return nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestReplayNoKeyNoop(t *testing.T) {
	st := &fakeStore{getErr: errors.New("must not be called")}
	_, replayed, err := Replay(context.Background(), st, ActorContext{Principal: "alice"}, "POST /treasury/v1/requests")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if replayed {
		t.Fatalf("expected replayed=false without key")
	}
}

func TestReplayStoreError(t *testing.T) {
	st := &fakeStore{getErr: errors.New("redis down")}
	_, _, err := Replay(context.Background(), st, ActorContext{Principal: "alice", IdempotencyKey: "k1"}, "POST /treasury/v1/requests")
	if err == nil {
		t.Fatalf("expected store error")
	}
}

func TestDoRunsOnceAndReplays(t *testing.T) {
	st := &fakeStore{}
	actor := ActorContext{Principal: "alice", IdempotencyKey: "k1"}
	calls := 0
	fn := func() (Record, error) {
		calls++
		return Record{Status: 201, Body: []byte(`{"id":1}`)}, nil
	}
	first, replayed, err := Do(context.Background(), st, nil, actor, "POST /treasury/v1/requests", fn)
	if err != nil || replayed {
		t.Fatalf("first call: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := Do(context.Background(), st, nil, actor, "POST /treasury/v1/requests", fn)
	if err != nil || !replayed {
		t.Fatalf("second call: replayed=%v err=%v", replayed, err)
	}
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
	if string(first.Body) != string(second.Body) || second.Status != 201 {
		t.Fatalf("replay differs: %+v vs %+v", first, second)
	}
}

func TestDoDoesNotStoreServerErrors(t *testing.T) {
	st := &fakeStore{}
	actor := ActorContext{Principal: "alice", IdempotencyKey: "k1"}
	_, _, err := Do(context.Background(), st, nil, actor, "POST /x", func() (Record, error) {
		return Record{Status: 500, Body: []byte(`{}`)}, nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st.saveN != 0 {
		t.Fatalf("5xx responses must not be stored")
	}
}

func TestRedisStoreRoundTripAndTTL(t *testing.T) {
	mr, client := newRedis(t)
	st := NewRedisStore(client, time.Minute)
	ctx := context.Background()

	rec, err := st.GetIdempotencyRecord(ctx, "alice", "k1", "POST /x")
	if err != nil || rec != nil {
		t.Fatalf("expected miss, got %+v err=%v", rec, err)
	}
	if err := st.SaveIdempotencyRecord(ctx, "alice", "k1", "POST /x", Record{Status: 201, Body: []byte(`{"ok":true}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveIdempotencyRecord(ctx, "alice", "k1", "POST /x", Record{Status: 409, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	rec, err = st.GetIdempotencyRecord(ctx, "alice", "k1", "POST /x")
	if err != nil || rec == nil {
		t.Fatalf("expected hit, err=%v", err)
	}
	if rec.Status != 201 {
		t.Fatalf("first write must win, got %d", rec.Status)
	}
	if other, _ := st.GetIdempotencyRecord(ctx, "bob", "k1", "POST /x"); other != nil {
		t.Fatalf("records are scoped by principal")
	}

	mr.FastForward(2 * time.Minute)
	rec, err = st.GetIdempotencyRecord(ctx, "alice", "k1", "POST /x")
	if err != nil || rec != nil {
		t.Fatalf("expected expiry, got %+v err=%v", rec, err)
	}
}

func TestRedisLockerSerializesFirstAttempts(t *testing.T) {
	_, client := newRedis(t)
	st := NewRedisStore(client, 0)
	lk := NewRedisLocker(client, LockOptions{Expiry: 5 * time.Second, Tries: 200, RetryDelay: 5 * time.Millisecond})
	actor := ActorContext{Principal: "alice", IdempotencyKey: "k-race"}

	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := Do(context.Background(), st, lk, actor, "POST /x", func() (Record, error) {
				atomic.AddInt32(&calls, 1)
				return Record{Status: 201, Body: []byte(`{}`)}, nil
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
}
