// Package approval drives requests through the ordered approval levels.
//
// Every method validates all of its preconditions before it mutates
// anything. The final level prepares a Distribution: the request is already
// marked DISTRIBUTED and the ledger totals moved when Approve returns, and
// the caller performs the external transfer and calls Rollback if it fails.
package approval

import (
	"time"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
	"github.com/accordsai/spendlane/services/treasury/internal/budget"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/registry"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
)

const (
	DefaultAbandonTimeout = 15 * 24 * time.Hour
	DefaultPaymentWindow  = 30 * 24 * time.Hour
)

var (
	ErrLevelNotPending    = apperr.New(apperr.KindState, "LEVEL_NOT_PENDING", "level is not the request's next pending level")
	ErrLevelNotInPipeline = apperr.New(apperr.KindValidation, "LEVEL_NOT_IN_PIPELINE", "level is not part of this instance's pipeline")
	ErrApproverReused     = apperr.New(apperr.KindAuthorization, "APPROVER_REUSED", "caller already approved this request at another level")
	ErrUnauthorizedCancel = apperr.New(apperr.KindAuthorization, "UNAUTHORIZED_CANCEL", "only the requester or an admin may cancel")
	ErrNotAbandoned       = apperr.New(apperr.KindState, "NOT_ABANDONED", "abandonment timeout has not elapsed")
)

type Config struct {
	Pipeline       Pipeline
	AbandonTimeout time.Duration
	PaymentWindow  time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Pipeline) == 0 {
		c.Pipeline = DefaultPipeline()
	}
	if c.AbandonTimeout <= 0 {
		c.AbandonTimeout = DefaultAbandonTimeout
	}
	if c.PaymentWindow <= 0 {
		c.PaymentWindow = DefaultPaymentWindow
	}
	return c
}

type Machine struct {
	cfg    Config
	roles  *roles.Store
	guard  *commitreveal.Guard
	reg    *registry.Registry
	budget *budget.Ledger
	now    func() time.Time
}

func New(cfg Config, rs *roles.Store, g *commitreveal.Guard, reg *registry.Registry, b *budget.Ledger, now func() time.Time) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Machine{cfg: cfg, roles: rs, guard: g, reg: reg, budget: b, now: now}, nil
}

func (m *Machine) Pipeline() Pipeline { return m.cfg.Pipeline }

// authorize checks the level role before anything about the request.
func (m *Machine) authorize(caller string, id uint64, level domain.Level) (*domain.Request, error) {
	if !m.roles.Has(RoleFor(level), caller) {
		return nil, apperr.Wrap(apperr.ErrUnauthorized, "%s requires %s", level, RoleFor(level))
	}
	req, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, apperr.Wrap(apperr.ErrInvalidStatus, "request %d is %s", id, req.Status)
	}
	if !m.cfg.Pipeline.Contains(level) {
		return nil, apperr.Wrap(ErrLevelNotInPipeline, "%s not in %s", level, m.cfg.Pipeline)
	}
	if next, _ := m.cfg.Pipeline.Next(req); next != level {
		return nil, apperr.Wrap(ErrLevelNotPending, "request %d awaits %s", id, next)
	}
	if prev, ok := req.ApprovedBy(caller); ok {
		return nil, apperr.Wrap(ErrApproverReused, "approved at %s", prev)
	}
	return req, nil
}

// CommitApproval records caller's commitment for the request's next level.
func (m *Machine) CommitApproval(caller string, id uint64, level domain.Level, digest commitreveal.Digest) error {
	if _, err := m.authorize(caller, id, level); err != nil {
		return err
	}
	return m.guard.Commit(caller, SubjectKey(id, level), digest)
}

type Outcome struct {
	Request      *domain.Request
	Level        domain.Level
	Distribution *Distribution
}

// Distribution is the pending external transfer of a terminal approval.
type Distribution struct {
	RequestID uint64
	Payouts   []domain.Payout
	Total     uint64
	undo      func()
}

// Rollback restores the request, ledger totals, active index and
// commitments to their state before Approve.
func (d *Distribution) Rollback() {
	if d != nil && d.undo != nil {
		d.undo()
		d.undo = nil
	}
}

// Approve reveals caller's commitment and records the approval.
func (m *Machine) Approve(caller string, id uint64, level domain.Level, nonce []byte) (*Outcome, error) {
	req, err := m.authorize(caller, id, level)
	if err != nil {
		return nil, err
	}
	key := SubjectKey(id, level)
	receipt, err := m.guard.Verify(caller, key, nonce)
	if err != nil {
		return nil, err
	}
	now := m.now()
	approval := domain.Approval{Level: level, Approver: caller, At: now}

	if !m.cfg.Pipeline.IsFinal(level) {
		m.guard.Consume(receipt)
		req.Approvals = append(req.Approvals, approval)
		if st, ok := level.ResultingStatus(); ok {
			req.Status = st
		}
		req.LastActivityAt = now
		return &Outcome{Request: req.Clone(), Level: level}, nil
	}

	before := req.Clone()
	totals := m.budget.Totals()
	pending, hasPending := m.budget.PendingIncrease()
	if err := m.budget.CommitDistribution(req.Reserved); err != nil {
		return nil, err
	}
	pos, err := m.reg.Deactivate(id)
	if err != nil {
		m.restoreBudget(totals, pending, hasPending)
		return nil, err
	}
	consumed, _ := m.guard.Pending(caller, key)
	m.guard.Consume(receipt)
	dropped := m.guard.DropSubject(SubjectPrefix(id))

	deadline := now.Add(m.cfg.PaymentWindow)
	closed := now
	req.Approvals = append(req.Approvals, approval)
	req.Status = domain.StatusDistributed
	req.LastActivityAt = now
	req.PaymentDeadline = &deadline
	req.ClosedAt = &closed

	dist := &Distribution{
		RequestID: id,
		Payouts:   append([]domain.Payout(nil), req.Payouts...),
		Total:     req.Reserved,
	}
	dist.undo = func() {
		m.reg.Replace(before)
		m.restoreBudget(totals, pending, hasPending)
		_ = m.reg.Reactivate(id, before.Requester, pos)
		m.guard.Restore(consumed)
		for _, c := range dropped {
			m.guard.Restore(c)
		}
	}
	return &Outcome{Request: req.Clone(), Level: level, Distribution: dist}, nil
}

func (m *Machine) restoreBudget(t budget.Totals, pending budget.Increase, has bool) {
	var p *budget.Increase
	if has {
		p = &pending
	}
	_ = m.budget.Restore(t, p)
}

// Cancel is allowed to the requester of record and to admins.
func (m *Machine) Cancel(caller string, id uint64) (*domain.Request, error) {
	req, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, apperr.Wrap(apperr.ErrInvalidStatus, "request %d is %s", id, req.Status)
	}
	if caller != req.Requester && !m.roles.Has(roles.Admin, caller) {
		return nil, ErrUnauthorizedCancel
	}
	return m.close(caller, req)
}

// CancelAbandoned is open to anyone once no approval has been recorded for
// AbandonTimeout. Creation counts as the first activity.
func (m *Machine) CancelAbandoned(caller string, id uint64) (*domain.Request, error) {
	req, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, apperr.Wrap(apperr.ErrInvalidStatus, "request %d is %s", id, req.Status)
	}
	if eligible := req.LastActivityAt.Add(m.cfg.AbandonTimeout); m.now().Before(eligible) {
		return nil, apperr.Wrap(ErrNotAbandoned, "cancellable from %s", eligible.UTC().Format(time.RFC3339))
	}
	return m.close(caller, req)
}

// AbandonedAt reports when a request becomes cancellable by anyone.
func (m *Machine) AbandonedAt(req *domain.Request) time.Time {
	return req.LastActivityAt.Add(m.cfg.AbandonTimeout)
}

func (m *Machine) close(caller string, req *domain.Request) (*domain.Request, error) {
	totals := m.budget.Totals()
	pending, hasPending := m.budget.PendingIncrease()
	if err := m.budget.Release(req.Reserved); err != nil {
		return nil, err
	}
	if _, err := m.reg.Deactivate(req.ID); err != nil {
		m.restoreBudget(totals, pending, hasPending)
		return nil, err
	}
	m.guard.DropSubject(SubjectPrefix(req.ID))
	now := m.now()
	req.Status = domain.StatusCancelled
	req.CancelledBy = caller
	req.ClosedAt = &now
	return req.Clone(), nil
}
