// Package commitreveal implements the two-phase authorization protocol used
// by every sensitive transition: an actor first posts a digest that hides a
// nonce, and may only reveal the nonce after a minimum delay.
//
// The digest binds the committer, the subject key and the instance domain,
// so a revealed nonce can neither be replayed by another identity, against
// another subject, nor against another deployment or network.
//
// A Guard is owned by one workflow instance and is not synchronized.
package commitreveal

import (
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/accordsai/spendlane/pkg/canonhash"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

const (
	DefaultRevealWindow   = 30 * time.Minute
	DefaultMaxRevealDelay = 7 * 24 * time.Hour
)

var (
	ErrAlreadyCommitted  = apperr.New(apperr.KindState, "ALREADY_COMMITTED", "an unexpired commitment exists for this key")
	ErrNoSuchCommitment  = apperr.New(apperr.KindState, "NO_SUCH_COMMITMENT", "no commitment recorded for this key")
	ErrRevealTooEarly    = apperr.New(apperr.KindState, "REVEAL_TOO_EARLY", "reveal window has not elapsed")
	ErrInvalidCommitment = apperr.New(apperr.KindState, "INVALID_COMMITMENT", "revealed nonce does not match the commitment")
	ErrCommitmentExpired = apperr.New(apperr.KindState, "COMMITMENT_EXPIRED", "commitment is older than the maximum reveal delay")
	ErrEmptyDigest       = apperr.New(apperr.KindValidation, "EMPTY_DIGEST", "commitment digest must be 32 non-zero bytes")
	ErrEmptySubject      = apperr.New(apperr.KindValidation, "EMPTY_SUBJECT", "subject key is required")
	ErrInvalidDomain     = apperr.New(apperr.KindValidation, "INVALID_DOMAIN", "deployment and network identifiers are required")
)

// Domain is the execution-domain separation token.
type Domain struct {
	DeploymentID string `json:"deployment_id" toml:"deployment_id"`
	NetworkID    string `json:"network_id" toml:"network_id"`
}

func (d Domain) Validate() error {
	if strings.TrimSpace(d.DeploymentID) == "" || strings.TrimSpace(d.NetworkID) == "" {
		return ErrInvalidDomain
	}
	return nil
}

type Digest [32]byte

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string { return "0x" + hex.EncodeToString(d[:]) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(b []byte) error {
	v, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != len(d) {
		return d, ErrEmptyDigest
	}
	copy(d[:], raw)
	if d.IsZero() {
		return d, ErrEmptyDigest
	}
	return d, nil
}

// ComputeDigest binds nonce to committer, subject and the instance domain.
func ComputeDigest(committer, subject string, d Domain, nonce []byte) Digest {
	return Digest(canonhash.CommitDigest(committer, subject, d.DeploymentID, d.NetworkID, nonce))
}

type Commitment struct {
	Subject     string    `json:"subject"`
	Committer   string    `json:"committer"`
	Digest      Digest    `json:"digest"`
	CommittedAt time.Time `json:"committed_at"`
}

// Receipt proves a verified reveal. The invoking state machine passes it to
// Consume once every other precondition of its transition has held.
type Receipt struct {
	Subject     string
	Committer   string
	CommittedAt time.Time
	RevealedAt  time.Time
}

type Config struct {
	RevealWindow time.Duration
	// MaxRevealDelay bounds commit→reveal; zero disables expiry.
	MaxRevealDelay time.Duration
}

type key struct {
	subject   string
	committer string
}

type Guard struct {
	domain  Domain
	cfg     Config
	now     func() time.Time
	pending map[key]Commitment
}

func New(domain Domain, cfg Config, now func() time.Time) *Guard {
	if cfg.RevealWindow <= 0 {
		cfg.RevealWindow = DefaultRevealWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{domain: domain, cfg: cfg, now: now, pending: make(map[key]Commitment)}
}

func (g *Guard) Domain() Domain { return g.domain }

func (g *Guard) RevealWindow() time.Duration { return g.cfg.RevealWindow }

func (g *Guard) expired(c Commitment, at time.Time) bool {
	return g.cfg.MaxRevealDelay > 0 && at.After(c.CommittedAt.Add(g.cfg.MaxRevealDelay))
}

// CheckCommit reports whether Commit would succeed without recording anything.
func (g *Guard) CheckCommit(committer, subject string, digest Digest) error {
	if strings.TrimSpace(committer) == "" {
		return apperr.ErrZeroAddress
	}
	if strings.TrimSpace(subject) == "" {
		return ErrEmptySubject
	}
	if digest.IsZero() {
		return ErrEmptyDigest
	}
	if prev, ok := g.pending[key{subject, committer}]; ok && !g.expired(prev, g.now()) {
		return ErrAlreadyCommitted
	}
	return nil
}

func (g *Guard) Commit(committer, subject string, digest Digest) error {
	if err := g.CheckCommit(committer, subject, digest); err != nil {
		return err
	}
	g.pending[key{subject, committer}] = Commitment{
		Subject:     subject,
		Committer:   committer,
		Digest:      digest,
		CommittedAt: g.now(),
	}
	return nil
}

func (g *Guard) Pending(committer, subject string) (Commitment, bool) {
	c, ok := g.pending[key{subject, committer}]
	return c, ok
}

// Verify checks a reveal without consuming the commitment.
func (g *Guard) Verify(committer, subject string, nonce []byte) (Receipt, error) {
	c, ok := g.pending[key{subject, committer}]
	if !ok {
		return Receipt{}, ErrNoSuchCommitment
	}
	now := g.now()
	if now.Sub(c.CommittedAt) < g.cfg.RevealWindow {
		return Receipt{}, apperr.Wrap(ErrRevealTooEarly, "revealable at %s", c.CommittedAt.Add(g.cfg.RevealWindow).UTC().Format(time.RFC3339))
	}
	if g.expired(c, now) {
		return Receipt{}, ErrCommitmentExpired
	}
	want := ComputeDigest(committer, subject, g.domain, nonce)
	if subtle.ConstantTimeCompare(want[:], c.Digest[:]) != 1 {
		return Receipt{}, ErrInvalidCommitment
	}
	return Receipt{Subject: subject, Committer: committer, CommittedAt: c.CommittedAt, RevealedAt: now}, nil
}

// Consume deletes the commitment a receipt was issued for. A commitment that
// has been replaced since the receipt was issued is left alone.
func (g *Guard) Consume(r Receipt) {
	k := key{r.Subject, r.Committer}
	if c, ok := g.pending[k]; ok && c.CommittedAt.Equal(r.CommittedAt) {
		delete(g.pending, k)
	}
}

func (g *Guard) Reveal(committer, subject string, nonce []byte) (Receipt, error) {
	r, err := g.Verify(committer, subject, nonce)
	if err != nil {
		return Receipt{}, err
	}
	g.Consume(r)
	return r, nil
}

// Restore puts back a commitment removed by Consume or DropSubject; used to
// roll back an aborted transition.
func (g *Guard) Restore(c Commitment) {
	g.pending[key{c.Subject, c.Committer}] = c
}

// DropSubject removes every commitment whose subject starts with prefix and
// returns what it removed.
func (g *Guard) DropSubject(prefix string) []Commitment {
	var dropped []Commitment
	for k, c := range g.pending {
		if strings.HasPrefix(k.subject, prefix) {
			dropped = append(dropped, c)
			delete(g.pending, k)
		}
	}
	return dropped
}

// Drop removes every commitment on exactly subject and returns what it
// removed.
func (g *Guard) Drop(subject string) []Commitment {
	var dropped []Commitment
	for k, c := range g.pending {
		if k.subject == subject {
			dropped = append(dropped, c)
			delete(g.pending, k)
		}
	}
	return dropped
}

func (g *Guard) Len() int { return len(g.pending) }

// Commitments lists live commitments ordered by subject then committer.
func (g *Guard) Commitments() []Commitment {
	out := make([]Commitment, 0, len(g.pending))
	for _, c := range g.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Committer < out[j].Committer
	})
	return out
}
