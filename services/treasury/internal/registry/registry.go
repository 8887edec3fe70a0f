// Package registry owns request records and the bounded index of requests
// that have not reached a terminal status.
//
// Like every treasury component it is owned by a workflow instance which
// serializes access; nothing here is synchronized.
package registry

import (
	"math/bits"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

var (
	ErrMismatchedLengths    = apperr.New(apperr.KindValidation, "MISMATCHED_LENGTHS", "recipients and amounts differ in length")
	ErrInvalidReceiverCount = apperr.New(apperr.KindValidation, "INVALID_RECEIVER_COUNT", "receiver count out of bounds")
	ErrZeroAmount           = apperr.New(apperr.KindValidation, "ZERO_AMOUNT", "every amount must be positive")
	ErrAmountTooLow         = apperr.New(apperr.KindValidation, "AMOUNT_TOO_LOW", "total amount below the minimum")
	ErrAmountTooHigh        = apperr.New(apperr.KindValidation, "AMOUNT_TOO_HIGH", "total amount above the maximum")
	ErrInvalidDescription   = apperr.New(apperr.KindValidation, "INVALID_DESCRIPTION", "description length out of bounds")
	ErrInvalidDocumentHash  = apperr.New(apperr.KindValidation, "INVALID_DOCUMENT_HASH", "document hash length out of bounds")
	ErrRequestNotFound      = apperr.New(apperr.KindNotFound, "REQUEST_NOT_FOUND", "no such request")
)

type Limits struct {
	MaxReceivers          int    `toml:"max_receivers"`
	MinTotal              uint64 `toml:"min_total"`
	MaxTotal              uint64 `toml:"max_total"`
	MaxDescription        int    `toml:"max_description"`
	MaxDocumentHash       int    `toml:"max_document_hash"`
	MaxActive             int    `toml:"max_active"`
	MaxActivePerRequester int    `toml:"max_active_per_requester"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxReceivers:          100,
		MinTotal:              100,
		MaxTotal:              1_000_000,
		MaxDescription:        1000,
		MaxDocumentHash:       100,
		MaxActive:             100,
		MaxActivePerRequester: 50,
	}
}

// Draft is an unvalidated creation request.
type Draft struct {
	Requester    string
	Recipients   []string
	Amounts      []uint64
	Description  string
	DocumentHash string
	VirtualPayer string
}

// Validate checks the draft's shape in a fixed order and returns the payouts
// and their total.
func (l Limits) Validate(d Draft) ([]domain.Payout, uint64, error) {
	if len(d.Recipients) != len(d.Amounts) {
		return nil, 0, apperr.Wrap(ErrMismatchedLengths, "%d recipients, %d amounts", len(d.Recipients), len(d.Amounts))
	}
	if n := len(d.Recipients); n < 1 || n > l.MaxReceivers {
		return nil, 0, apperr.Wrap(ErrInvalidReceiverCount, "got %d, want 1..%d", n, l.MaxReceivers)
	}
	payouts := make([]domain.Payout, len(d.Recipients))
	var total uint64
	overflow := false
	for i, r := range d.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, 0, apperr.Wrap(apperr.ErrZeroAddress, "recipient %d", i)
		}
		if d.Amounts[i] == 0 {
			return nil, 0, apperr.Wrap(ErrZeroAmount, "recipient %d", i)
		}
		var carry uint64
		total, carry = bits.Add64(total, d.Amounts[i], 0)
		overflow = overflow || carry != 0
		payouts[i] = domain.Payout{Recipient: r, Amount: d.Amounts[i]}
	}
	if overflow || total > l.MaxTotal {
		return nil, 0, apperr.Wrap(ErrAmountTooHigh, "maximum %d", l.MaxTotal)
	}
	if total < l.MinTotal {
		return nil, 0, apperr.Wrap(ErrAmountTooLow, "minimum %d, got %d", l.MinTotal, total)
	}
	if n := utf8.RuneCountInString(d.Description); n < 1 || n > l.MaxDescription {
		return nil, 0, apperr.Wrap(ErrInvalidDescription, "got %d characters, want 1..%d", n, l.MaxDescription)
	}
	if n := utf8.RuneCountInString(d.DocumentHash); n < 1 || n > l.MaxDocumentHash {
		return nil, 0, apperr.Wrap(ErrInvalidDocumentHash, "got %d characters, want 1..%d", n, l.MaxDocumentHash)
	}
	return payouts, total, nil
}

type Registry struct {
	limits   Limits
	nextID   uint64
	requests map[uint64]*domain.Request
	active   *ActiveIndex
}

func New(limits Limits) *Registry {
	return &Registry{
		limits:   limits,
		nextID:   1,
		requests: make(map[uint64]*domain.Request),
		active:   NewActiveIndex(limits.MaxActive, limits.MaxActivePerRequester),
	}
}

func (r *Registry) Limits() Limits { return r.limits }

func (r *Registry) Validate(d Draft) ([]domain.Payout, uint64, error) { return r.limits.Validate(d) }

func (r *Registry) CheckCapacity(requester string) error { return r.active.CanInsert(requester) }

// Create stores a validated request, assigns the next id and indexes it as
// active. The caller has already run Validate and CheckCapacity.
func (r *Registry) Create(d Draft, payouts []domain.Payout, total uint64, now time.Time) (*domain.Request, error) {
	id := r.nextID
	if err := r.active.Insert(id, d.Requester); err != nil {
		return nil, err
	}
	req := &domain.Request{
		ID:             id,
		Requester:      d.Requester,
		Payouts:        payouts,
		Description:    d.Description,
		DocumentHash:   d.DocumentHash,
		VirtualPayer:   strings.TrimSpace(d.VirtualPayer),
		Status:         domain.StatusPending,
		Reserved:       total,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.requests[id] = req
	r.nextID++
	return req, nil
}

// Get returns the live record. Callers that hand it outside the owning
// instance must Clone it.
func (r *Registry) Get(id uint64) (*domain.Request, error) {
	req, ok := r.requests[id]
	if !ok {
		return nil, apperr.Wrap(ErrRequestNotFound, "id %d", id)
	}
	return req, nil
}

// Replace swaps a record back to a saved copy; used for rollback.
func (r *Registry) Replace(req *domain.Request) {
	r.requests[req.ID] = req
}

// Deactivate removes a request from the active index at its terminal
// transition and returns the position it held.
func (r *Registry) Deactivate(id uint64) (int, error) {
	return r.active.Remove(id)
}

func (r *Registry) Reactivate(id uint64, owner string, pos int) error {
	return r.active.Reinsert(id, owner, pos)
}

func (r *Registry) IsActive(id uint64) bool { return r.active.Contains(id) }

func (r *Registry) ActiveCount() int { return r.active.Len() }

func (r *Registry) clones(ids []uint64) []*domain.Request {
	out := make([]*domain.Request, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.requests[id].Clone())
	}
	return out
}

// ListActive returns copies of the active requests in insertion order.
func (r *Registry) ListActive() []*domain.Request { return r.clones(r.active.IDs()) }

func (r *Registry) ListActiveFor(requester string) []*domain.Request {
	return r.clones(r.active.IDsFor(requester))
}

// State is the serializable form of a registry.
type State struct {
	NextID   uint64            `json:"next_id"`
	Requests []*domain.Request `json:"requests"`
	Active   []uint64          `json:"active"`
}

func (r *Registry) State() State {
	ids := make([]uint64, 0, len(r.requests))
	for id := range r.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return State{NextID: r.nextID, Requests: r.clones(ids), Active: r.active.IDs()}
}

// Load replaces the registry contents with a saved state.
func (r *Registry) Load(s State) error {
	requests := make(map[uint64]*domain.Request, len(s.Requests))
	for _, req := range s.Requests {
		requests[req.ID] = req.Clone()
	}
	ix := NewActiveIndex(r.limits.MaxActive, r.limits.MaxActivePerRequester)
	for _, id := range s.Active {
		req, ok := requests[id]
		if !ok || req.Status.IsTerminal() {
			return apperr.Wrap(ErrNotActive, "snapshot lists %d as active", id)
		}
		// Limits may have been lowered since the snapshot was taken.
		if err := ix.Reinsert(id, req.Requester, -1); err != nil {
			return err
		}
	}
	nextID := s.NextID
	if nextID == 0 {
		nextID = 1
	}
	r.nextID = nextID
	r.requests = requests
	r.active = ix
	return nil
}
