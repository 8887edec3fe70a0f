// Package emergency implements the closure path: a committee member opens a
// closure, a quorum of committee members plus the director approve it via
// commit-reveal, and the final approval hands control to the caller to halt
// the instance and sweep its funds.
//
// Several closures may be open at once, each with its own return address and
// votes; a committee member has at most one open closure of their own. The
// first closure to reach quorum halts the instance, which ends the others.
package emergency

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accordsai/spendlane/pkg/canonhash"
	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
)

const (
	DefaultCommitteeQuorum = 3
	maxReason              = 1000
)

var (
	ErrClosureAlreadyOpen = apperr.New(apperr.KindState, "CLOSURE_ALREADY_OPEN", "initiator already has an open emergency closure")
	ErrClosureNotFound    = apperr.New(apperr.KindNotFound, "CLOSURE_NOT_FOUND", "no such closure")
	ErrAlreadyVoted       = apperr.New(apperr.KindState, "ALREADY_APPROVED", "caller already approved this closure")
	ErrInvalidReason      = apperr.New(apperr.KindValidation, "INVALID_REASON", "reason is too long")
)

type Config struct {
	CommitteeQuorum int
}

type Control struct {
	quorum   int
	roles    *roles.Store
	guard    *commitreveal.Guard
	closures map[uint64]*domain.Closure
	nextID   uint64
	now      func() time.Time
}

func New(cfg Config, rs *roles.Store, g *commitreveal.Guard, now func() time.Time) *Control {
	if cfg.CommitteeQuorum <= 0 {
		cfg.CommitteeQuorum = DefaultCommitteeQuorum
	}
	if now == nil {
		now = time.Now
	}
	return &Control{
		quorum:   cfg.CommitteeQuorum,
		roles:    rs,
		guard:    g,
		closures: make(map[uint64]*domain.Closure),
		nextID:   1,
		now:      now,
	}
}

func SubjectKey(id uint64) string { return domain.ClosureSubject(id) }

func (c *Control) Quorum() int { return c.quorum }

// Initiate opens a closure.
func (c *Control) Initiate(caller, returnAddress, reason string) (*domain.Closure, error) {
	if !c.roles.Has(roles.Committee, caller) {
		return nil, apperr.Wrap(apperr.ErrUnauthorized, "initiating a closure requires %s", roles.Committee)
	}
	returnAddress = strings.TrimSpace(returnAddress)
	if returnAddress == "" {
		return nil, apperr.Wrap(apperr.ErrZeroAddress, "return address")
	}
	if utf8.RuneCountInString(reason) > maxReason {
		return nil, ErrInvalidReason
	}
	for _, id := range c.OpenIDs() {
		if c.closures[id].Initiator == caller {
			return nil, apperr.Wrap(ErrClosureAlreadyOpen, "closure %d", id)
		}
	}
	cl := &domain.Closure{
		ID:               c.nextID,
		Initiator:        caller,
		ReturnAddress:    returnAddress,
		Reason:           reason,
		ReasonHash:       canonhash.SumString(reason),
		CommitteeQuorum:  c.quorum,
		DirectorRequired: true,
		Status:           domain.ClosureProposed,
		CreatedAt:        c.now(),
	}
	c.closures[cl.ID] = cl
	c.nextID++
	return cl.Clone(), nil
}

// voterRole picks the capacity a caller votes in. A principal holding both
// roles fills the director seat first.
func (c *Control) voterRole(cl *domain.Closure, caller string) (roles.Role, error) {
	_, directorVoted := cl.Tally(string(roles.Committee), string(roles.Director))
	if c.roles.Has(roles.Director, caller) && !directorVoted {
		return roles.Director, nil
	}
	if c.roles.Has(roles.Committee, caller) {
		return roles.Committee, nil
	}
	return "", apperr.Wrap(apperr.ErrUnauthorized, "closure approval requires %s or %s", roles.Committee, roles.Director)
}

func (c *Control) authorize(caller string, id uint64) (*domain.Closure, roles.Role, error) {
	cl, ok := c.closures[id]
	if !ok {
		return nil, "", apperr.Wrap(ErrClosureNotFound, "id %d", id)
	}
	if cl.Status != domain.ClosureProposed {
		return nil, "", apperr.Wrap(apperr.ErrInvalidStatus, "closure %d is %s", id, cl.Status)
	}
	role, err := c.voterRole(cl, caller)
	if err != nil {
		return nil, "", err
	}
	if cl.HasVoted(caller) {
		return nil, "", ErrAlreadyVoted
	}
	return cl, role, nil
}

func (c *Control) CommitApproval(caller string, id uint64, digest commitreveal.Digest) error {
	if _, _, err := c.authorize(caller, id); err != nil {
		return err
	}
	return c.guard.Commit(caller, SubjectKey(id), digest)
}

// Outcome of a reveal. When QuorumReached the closure is APPROVED and the
// caller must either Complete it after sweeping or Rollback.
type Outcome struct {
	Closure       *domain.Closure
	QuorumReached bool
	undo          func()
}

func (o *Outcome) Rollback() {
	if o != nil && o.undo != nil {
		o.undo()
		o.undo = nil
	}
}

func (c *Control) Approve(caller string, id uint64, nonce []byte) (*Outcome, error) {
	cl, role, err := c.authorize(caller, id)
	if err != nil {
		return nil, err
	}
	receipt, err := c.guard.Verify(caller, SubjectKey(id), nonce)
	if err != nil {
		return nil, err
	}
	consumed, _ := c.guard.Pending(caller, SubjectKey(id))
	before := cl.Clone()
	c.guard.Consume(receipt)
	cl.Votes = append(cl.Votes, domain.ClosureVote{Approver: caller, Role: string(role), At: c.now()})

	committee, director := cl.Tally(string(roles.Committee), string(roles.Director))
	out := &Outcome{}
	if committee >= cl.CommitteeQuorum && (director || !cl.DirectorRequired) {
		cl.Status = domain.ClosureApproved
		out.QuorumReached = true
		out.undo = func() {
			c.closures[id] = before
			c.guard.Restore(consumed)
		}
	}
	out.Closure = cl.Clone()
	return out, nil
}

// Complete marks an approved closure executed after a successful sweep.
func (c *Control) Complete(id uint64, swept uint64) (*domain.Closure, error) {
	cl, ok := c.closures[id]
	if !ok {
		return nil, apperr.Wrap(ErrClosureNotFound, "id %d", id)
	}
	if cl.Status != domain.ClosureApproved {
		return nil, apperr.Wrap(apperr.ErrInvalidStatus, "closure %d is %s", id, cl.Status)
	}
	now := c.now()
	cl.Status = domain.ClosureExecuted
	cl.SweptAmount = swept
	cl.ExecutedAt = &now
	c.guard.Drop(SubjectKey(id))
	return cl.Clone(), nil
}

func (c *Control) Get(id uint64) (*domain.Closure, error) {
	cl, ok := c.closures[id]
	if !ok {
		return nil, apperr.Wrap(ErrClosureNotFound, "id %d", id)
	}
	return cl.Clone(), nil
}

// OpenIDs lists the closures still collecting votes, oldest first.
func (c *Control) OpenIDs() []uint64 {
	var ids []uint64
	for id, cl := range c.closures {
		if cl.Status == domain.ClosureProposed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type State struct {
	NextID   uint64            `json:"next_id"`
	Closures []*domain.Closure `json:"closures"`
}

func (c *Control) State() State {
	s := State{NextID: c.nextID}
	for _, cl := range c.closures {
		s.Closures = append(s.Closures, cl.Clone())
	}
	sort.Slice(s.Closures, func(i, j int) bool { return s.Closures[i].ID < s.Closures[j].ID })
	return s
}

func (c *Control) Load(s State) error {
	closures := make(map[uint64]*domain.Closure, len(s.Closures))
	for _, cl := range s.Closures {
		if cl.ID == 0 || cl.ID >= s.NextID {
			return apperr.Wrap(ErrClosureNotFound, "snapshot closure %d outside id range", cl.ID)
		}
		closures[cl.ID] = cl.Clone()
	}
	c.closures = closures
	c.nextID = s.NextID
	if c.nextID == 0 {
		c.nextID = 1
	}
	return nil
}
