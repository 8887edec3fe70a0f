// Package workflow is the single entry point to a treasury instance. It
// serializes every operation, resolves the acting principal, enforces the
// pause and halt flags, performs the external ledger calls and records the
// audit trail.
//
// Operations take the instance mutex for their whole duration, including the
// ledger transfer of a terminal approval or a sweep. The context handed to
// the ledger carries a transfer marker; a call that arrives with that context
// (one made from inside the ledger's own callbacks) is rejected with
// REENTRANT_CALL before it touches the mutex. Independent callers simply wait
// for the mutex.
package workflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/accordsai/spendlane/pkg/logging"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
	"github.com/accordsai/spendlane/services/treasury/internal/approval"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/budget"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/emergency"
	"github.com/accordsai/spendlane/services/treasury/internal/registry"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
	"github.com/accordsai/spendlane/services/treasury/internal/tokenledger"
)

var (
	ErrPaused = apperr.New(apperr.KindState, "PAUSED", "request creation is paused")
	ErrHalted = apperr.New(apperr.KindState, "HALTED", "instance was halted by an emergency closure")
)

type Config struct {
	Domain          commitreveal.Domain
	Treasury        string
	ProjectBudget   uint64
	BudgetTimelock  time.Duration
	RevealWindow    time.Duration
	MaxRevealDelay  time.Duration
	Limits          registry.Limits
	Approval        approval.Config
	CommitteeQuorum int
	TrustedRelayers []string
	Roles           map[roles.Role][]string
	AuditRetention  int
}

// Observer receives operation outcomes; the metrics package implements it.
type Observer interface {
	Operation(op string, err error, elapsed time.Duration)
	Distributed(amount uint64)
	State(active int, remaining uint64, paused, halted bool)
}

type nopObserver struct{}

func (nopObserver) Operation(string, error, time.Duration) {}

func (nopObserver) Distributed(uint64) {}

func (nopObserver) State(int, uint64, bool, bool) {}

type Option func(*Instance)

func WithLogger(l logging.Logger) Option { return func(in *Instance) { in.log = l } }

func WithObserver(o Observer) Option { return func(in *Instance) { in.obs = o } }

func WithClock(now func() time.Time) Option { return func(in *Instance) { in.now = now } }

// Caller identifies who is acting. OriginalSender is honoured only when
// Sender is a trusted relayer.
type Caller struct {
	Sender         string
	OriginalSender string
}

func As(id string) Caller { return Caller{Sender: id} }

type Instance struct {
	mu sync.Mutex

	cfg       Config
	roles     *roles.Store
	guard     *commitreveal.Guard
	reg       *registry.Registry
	budget    *budget.Ledger
	approvals *approval.Machine
	emergency *emergency.Control
	ledger    tokenledger.Ledger
	audit     *audit.Log
	relayers  map[string]struct{}

	paused bool
	halted bool

	changes chan struct{}
	log     logging.Logger
	obs     Observer
	now     func() time.Time
}

func New(cfg Config, ledger tokenledger.Ledger, opts ...Option) (*Instance, error) {
	in := &Instance{
		ledger:   ledger,
		relayers: make(map[string]struct{}),
		changes:  make(chan struct{}, 1),
		log:      logging.NewNop(),
		obs:      nopObserver{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(in)
	}
	if err := cfg.Domain.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Treasury) == "" {
		cfg.Treasury = "treasury"
	}
	if cfg.Limits == (registry.Limits{}) {
		cfg.Limits = registry.DefaultLimits()
	}
	in.cfg = cfg
	for _, r := range cfg.TrustedRelayers {
		if r = strings.TrimSpace(r); r != "" {
			in.relayers[r] = struct{}{}
		}
	}

	in.roles = roles.NewStore()
	if err := in.roles.Seed(cfg.Roles); err != nil {
		return nil, err
	}
	if len(in.roles.Members(roles.Admin)) == 0 {
		return nil, apperr.Wrap(roles.ErrLastAdmin, "genesis assignment needs an admin")
	}
	in.guard = commitreveal.New(cfg.Domain, commitreveal.Config{RevealWindow: cfg.RevealWindow, MaxRevealDelay: cfg.MaxRevealDelay}, in.now)
	in.reg = registry.New(cfg.Limits)
	in.budget = budget.New(cfg.ProjectBudget, cfg.BudgetTimelock, in.now)
	m, err := approval.New(cfg.Approval, in.roles, in.guard, in.reg, in.budget, in.now)
	if err != nil {
		return nil, err
	}
	in.approvals = m
	in.emergency = emergency.New(emergency.Config{CommitteeQuorum: cfg.CommitteeQuorum}, in.roles, in.guard, in.now)
	in.audit = audit.NewLog(cfg.AuditRetention)
	return in, nil
}

func (in *Instance) Audit() *audit.Log { return in.audit }

// Changes signals after every successful mutation; bursts coalesce.
func (in *Instance) Changes() <-chan struct{} { return in.changes }

func (in *Instance) Treasury() string { return in.cfg.Treasury }

func (in *Instance) Domain() commitreveal.Domain { return in.cfg.Domain }

// RevealWindow is the minimum delay between a commitment and its reveal.
func (in *Instance) RevealWindow() time.Duration { return in.guard.RevealWindow() }

// principal applies the relay boundary.
func (in *Instance) principal(c Caller) (string, error) {
	sender := strings.TrimSpace(c.Sender)
	if sender == "" {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "no sender")
	}
	if orig := strings.TrimSpace(c.OriginalSender); orig != "" {
		if _, ok := in.relayers[sender]; ok {
			return orig, nil
		}
	}
	return sender, nil
}

type transferKey struct{}

// reentrant reports whether ctx descends from one of this instance's ledger
// transfers.
func (in *Instance) reentrant(ctx context.Context) bool {
	owner, _ := ctx.Value(transferKey{}).(*Instance)
	return owner == in
}

// exec runs a mutating operation under the instance lock.
func (in *Instance) exec(ctx context.Context, op string, c Caller, fn func(actor string) error) error {
	start := time.Now()
	if in.reentrant(ctx) {
		in.finish(ctx, op, c.Sender, apperr.ErrReentrantCall, start)
		return apperr.ErrReentrantCall
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	actor, err := in.principal(c)
	if err == nil {
		err = fn(actor)
	}
	in.finish(ctx, op, actor, err, start)
	if err == nil {
		in.obs.State(in.reg.ActiveCount(), in.budget.Remaining(), in.paused, in.halted)
		select {
		case in.changes <- struct{}{}:
		default:
		}
	}
	return err
}

// read runs a query under the instance lock.
func (in *Instance) read(ctx context.Context, fn func()) error {
	if in.reentrant(ctx) {
		return apperr.ErrReentrantCall
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	fn()
	return nil
}

func (in *Instance) finish(ctx context.Context, op, actor string, err error, start time.Time) {
	elapsed := time.Since(start)
	in.obs.Operation(op, err, elapsed)
	if err != nil {
		lvl := logging.LevelDebug
		if apperr.KindOf(err) == apperr.KindInternal || apperr.KindOf(err) == apperr.KindTreasury {
			lvl = logging.LevelWarn
		}
		in.log.Log(ctx, lvl, "operation rejected",
			logging.String("op", op), logging.String("actor", actor),
			logging.String("code", apperr.CodeOf(err)), logging.Err(err))
		return
	}
	in.log.Log(ctx, logging.LevelInfo, "operation applied",
		logging.String("op", op), logging.String("actor", actor), logging.Duration("elapsed", elapsed))
}

// withTransfer runs an external ledger call with a context that marks it as
// this instance's transfer.
func (in *Instance) withTransfer(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, transferKey{}, in))
}

func (in *Instance) requireRole(role roles.Role, actor string) error {
	if !in.roles.Has(role, actor) {
		return apperr.Wrap(apperr.ErrUnauthorized, "requires %s", role)
	}
	return nil
}

func (in *Instance) record(kind audit.SubjectKind, subject, actor, action, status, contentHash string) {
	in.audit.Append(audit.Record{
		SubjectKind: kind,
		SubjectID:   subject,
		Actor:       actor,
		Action:      action,
		Status:      status,
		ContentHash: contentHash,
		At:          in.now(),
	})
}
