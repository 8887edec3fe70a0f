package spendlane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/accordsai/spendlane/pkg/domain"
)

func TestClientSendsAuthAndIdempotencyKey(t *testing.T) {
	var seen http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		var in CreateRequestInput
		if err := json.Unmarshal(body, &in); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(domain.Request{ID: 4, Requester: "alice", Status: domain.StatusPending})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", WithOnBehalfOf("alice"))
	req, err := c.CreateRequest(context.Background(), CreateRequestInput{
		Recipients: []string{"bob"}, Amounts: []uint64{900}, Description: "d", DocumentHash: "h",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.ID != 4 || req.Status != domain.StatusPending {
		t.Fatalf("unexpected request: %+v", req)
	}
	if path != "/treasury/v1/requests" {
		t.Fatalf("unexpected path %q", path)
	}
	if seen.Get("Authorization") != "Bearer tok" {
		t.Fatalf("missing bearer token")
	}
	if seen.Get("X-On-Behalf-Of") != "alice" {
		t.Fatalf("missing on-behalf-of header")
	}
	if len(seen.Get("Idempotency-Key")) != 32 {
		t.Fatalf("expected a generated idempotency key, got %q", seen.Get("Idempotency-Key"))
	}
}

func TestClientRetriesWithSameIdempotencyKey(t *testing.T) {
	var calls int32
	keys := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"paused":true,"pipeline":"SECRETARY>DIRECTOR"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	st, err := c.Pause(context.Background())
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !st.Paused {
		t.Fatalf("expected paused status")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if first, second := <-keys, <-keys; first != second {
		t.Fatalf("retry must reuse the idempotency key: %q vs %q", first, second)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"request_id":"req_1","error":{"code":"REVEAL_TOO_EARLY","message":"reveal window has not elapsed","details":{"kind":"STATE"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", WithRetry(RetryConfig{MaxAttempts: 1}))
	_, err := c.RevealApproval(context.Background(), 1, domain.LevelSecretary, []byte("n"))
	if !IsCode(err, "REVEAL_TOO_EARLY") {
		t.Fatalf("expected REVEAL_TOO_EARLY, got %v", err)
	}
	apiErr := err.(*Error)
	if apiErr.StatusCode != http.StatusConflict || apiErr.Kind != "STATE" || apiErr.RequestID != "req_1" {
		t.Fatalf("unexpected error fields: %+v", apiErr)
	}
}

func TestClientRequiresToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "")
	if _, err := c.Status(context.Background()); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestDigestHelpers(t *testing.T) {
	d := Domain{DeploymentID: "dep", NetworkID: "net"}
	nonce := []byte("n")
	got := ApprovalDigest("sec", 1, domain.LevelSecretary, d, nonce)
	if !strings.HasPrefix(got, "0x") || len(got) != 66 {
		t.Fatalf("unexpected digest encoding %q", got)
	}
	if got != Digest("sec", "request:1:level:SECRETARY", d, nonce) {
		t.Fatalf("approval digest must use the approval subject")
	}
	if RoleChangeDigest("admin", "GRANT", "finance", "fin2", d, nonce) != Digest("admin", "role:grant:FINANCE:fin2", d, nonce) {
		t.Fatalf("role digest must normalize op and role")
	}
	if ClosureDigest("com1", 2, d, nonce) == ClosureDigest("com1", 2, Domain{DeploymentID: "dep", NetworkID: "other"}, nonce) {
		t.Fatalf("digest must bind the network")
	}
	n1, err := NewNonce()
	if err != nil || len(n1) != 32 {
		t.Fatalf("NewNonce: %v len=%d", err, len(n1))
	}
}
