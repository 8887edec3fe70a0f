// Package budget tracks a project's spending cap against reserved and
// distributed amounts.
//
// The invariant TotalDistributed + TotalReserved <= ProjectBudget holds after
// every successful call; a call that would break it fails without changing
// anything. All arithmetic is checked against uint64 overflow.
package budget

import (
	"math/big"
	"math/bits"
	"time"

	"github.com/shopspring/decimal"

	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

const DefaultTimelock = 48 * time.Hour

var (
	ErrInsufficientBudget = apperr.New(apperr.KindTreasury, "INSUFFICIENT_BUDGET", "reservation exceeds the remaining project budget")
	ErrInvariant          = apperr.New(apperr.KindInternal, "BUDGET_INVARIANT", "ledger totals would become inconsistent")
	ErrNotAnIncrease      = apperr.New(apperr.KindValidation, "BUDGET_NOT_INCREASE", "a proposed budget must exceed the current budget")
	ErrIncreasePending    = apperr.New(apperr.KindState, "INCREASE_ALREADY_PENDING", "a budget increase is already scheduled")
	ErrNoPendingIncrease  = apperr.New(apperr.KindState, "NO_PENDING_INCREASE", "no budget increase is scheduled")
	ErrTimelockActive     = apperr.New(apperr.KindState, "TIMELOCK_ACTIVE", "the budget increase is not yet effective")
)

type Totals struct {
	ProjectBudget    uint64 `json:"project_budget"`
	TotalReserved    uint64 `json:"total_reserved"`
	TotalDistributed uint64 `json:"total_distributed"`
}

// Increase is a scheduled change of ProjectBudget.
type Increase struct {
	NewBudget   uint64    `json:"new_budget"`
	ProposedBy  string    `json:"proposed_by"`
	ProposedAt  time.Time `json:"proposed_at"`
	EffectiveAt time.Time `json:"effective_at"`
}

type Ledger struct {
	t        Totals
	timelock time.Duration
	pending  *Increase
	now      func() time.Time
}

func New(projectBudget uint64, timelock time.Duration, now func() time.Time) *Ledger {
	if timelock <= 0 {
		timelock = DefaultTimelock
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{t: Totals{ProjectBudget: projectBudget}, timelock: timelock, now: now}
}

func add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, apperr.ErrOverflow
	}
	return sum, nil
}

func (l *Ledger) Totals() Totals { return l.t }

func (l *Ledger) committed() (uint64, error) {
	return add(l.t.TotalReserved, l.t.TotalDistributed)
}

// Remaining is what a new reservation may still claim.
func (l *Ledger) Remaining() uint64 {
	used, err := l.committed()
	if err != nil || used >= l.t.ProjectBudget {
		return 0
	}
	return l.t.ProjectBudget - used
}

func (l *Ledger) CheckReserve(amount uint64) error {
	used, err := l.committed()
	if err != nil {
		return err
	}
	next, err := add(used, amount)
	if err != nil {
		return err
	}
	if next > l.t.ProjectBudget {
		return apperr.Wrap(ErrInsufficientBudget, "requested %d, remaining %d", amount, l.Remaining())
	}
	return nil
}

func (l *Ledger) Reserve(amount uint64) error {
	if err := l.CheckReserve(amount); err != nil {
		return err
	}
	l.t.TotalReserved += amount
	return nil
}

// CommitDistribution converts a reservation into distributed funds.
func (l *Ledger) CommitDistribution(amount uint64) error {
	if amount > l.t.TotalReserved {
		return apperr.Wrap(ErrInvariant, "distribute %d with only %d reserved", amount, l.t.TotalReserved)
	}
	next, err := add(l.t.TotalDistributed, amount)
	if err != nil {
		return err
	}
	l.t.TotalReserved -= amount
	l.t.TotalDistributed = next
	return nil
}

func (l *Ledger) Release(amount uint64) error {
	if amount > l.t.TotalReserved {
		return apperr.Wrap(ErrInvariant, "release %d with only %d reserved", amount, l.t.TotalReserved)
	}
	l.t.TotalReserved -= amount
	return nil
}

// Restore replaces the totals wholesale. Used for rollback and when loading a
// snapshot; the totals must satisfy the ledger invariant.
func (l *Ledger) Restore(t Totals, pending *Increase) error {
	used, err := add(t.TotalReserved, t.TotalDistributed)
	if err != nil {
		return err
	}
	if used > t.ProjectBudget {
		return apperr.Wrap(ErrInvariant, "reserved %d + distributed %d exceeds budget %d", t.TotalReserved, t.TotalDistributed, t.ProjectBudget)
	}
	l.t = t
	if pending != nil {
		p := *pending
		l.pending = &p
	} else {
		l.pending = nil
	}
	return nil
}

func (l *Ledger) PendingIncrease() (Increase, bool) {
	if l.pending == nil {
		return Increase{}, false
	}
	return *l.pending, true
}

func (l *Ledger) CheckProposeIncrease(newBudget uint64) error {
	if l.pending != nil {
		return ErrIncreasePending
	}
	if newBudget <= l.t.ProjectBudget {
		return apperr.Wrap(ErrNotAnIncrease, "current %d, proposed %d", l.t.ProjectBudget, newBudget)
	}
	return nil
}

func (l *Ledger) ProposeIncrease(by string, newBudget uint64) (Increase, error) {
	if err := l.CheckProposeIncrease(newBudget); err != nil {
		return Increase{}, err
	}
	now := l.now()
	inc := Increase{NewBudget: newBudget, ProposedBy: by, ProposedAt: now, EffectiveAt: now.Add(l.timelock)}
	l.pending = &inc
	return inc, nil
}

func (l *Ledger) CheckExecuteIncrease() error {
	if l.pending == nil {
		return ErrNoPendingIncrease
	}
	if l.now().Before(l.pending.EffectiveAt) {
		return apperr.Wrap(ErrTimelockActive, "effective at %s", l.pending.EffectiveAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (l *Ledger) ExecuteIncrease() (Increase, error) {
	if err := l.CheckExecuteIncrease(); err != nil {
		return Increase{}, err
	}
	inc := *l.pending
	l.t.ProjectBudget = inc.NewBudget
	l.pending = nil
	return inc, nil
}

func (l *Ledger) CancelIncrease() (Increase, error) {
	if l.pending == nil {
		return Increase{}, ErrNoPendingIncrease
	}
	inc := *l.pending
	l.pending = nil
	return inc, nil
}

// Utilization is distributed over budget as a percentage, two decimals.
func (l *Ledger) Utilization() decimal.Decimal {
	if l.t.ProjectBudget == 0 {
		return decimal.Zero
	}
	dist := decimal.NewFromBigInt(new(big.Int).SetUint64(l.t.TotalDistributed), 0)
	budget := decimal.NewFromBigInt(new(big.Int).SetUint64(l.t.ProjectBudget), 0)
	return dist.Mul(decimal.NewFromInt(100)).DivRound(budget, 2)
}
