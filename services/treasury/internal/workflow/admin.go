package workflow

import (
	"context"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/budget"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
)

const (
	ActionPaused                  = "PAUSED"
	ActionUnpaused                = "UNPAUSED"
	ActionRoleChangeCommitted     = "ROLE_CHANGE_COMMITTED"
	ActionRoleGranted             = "ROLE_GRANTED"
	ActionRoleRevoked             = "ROLE_REVOKED"
	ActionBudgetIncreaseProposed  = "BUDGET_INCREASE_PROPOSED"
	ActionBudgetIncreaseExecuted  = "BUDGET_INCREASE_EXECUTED"
	ActionBudgetIncreaseCancelled = "BUDGET_INCREASE_CANCELLED"
)

type RoleOp string

const (
	OpGrant  RoleOp = "grant"
	OpRevoke RoleOp = "revoke"
)

var ErrInvalidRoleOp = apperr.New(apperr.KindValidation, "INVALID_ROLE_OP", "role change must be grant or revoke")

func ParseRoleOp(s string) (RoleOp, error) {
	switch op := RoleOp(strings.ToLower(strings.TrimSpace(s))); op {
	case OpGrant, OpRevoke:
		return op, nil
	}
	return "", apperr.Wrap(ErrInvalidRoleOp, "%q", s)
}

// RoleSubject is the commit-reveal subject for one role change.
func RoleSubject(op RoleOp, role roles.Role, account string) string {
	return domain.RoleChangeSubject(string(op), string(role), account)
}

func (in *Instance) Pause(ctx context.Context, c Caller) error {
	return in.exec(ctx, "pause", c, func(actor string) error {
		if err := in.requireRole(roles.Admin, actor); err != nil {
			return err
		}
		if in.paused {
			return apperr.Wrap(apperr.ErrInvalidStatus, "already paused")
		}
		in.paused = true
		in.record(audit.SubjectInstance, in.cfg.Domain.DeploymentID, actor, ActionPaused, "PAUSED", "")
		return nil
	})
}

// Unpause clears the administrative pause only; an emergency halt is final.
func (in *Instance) Unpause(ctx context.Context, c Caller) error {
	return in.exec(ctx, "unpause", c, func(actor string) error {
		if err := in.requireRole(roles.Admin, actor); err != nil {
			return err
		}
		if !in.paused {
			return apperr.Wrap(apperr.ErrInvalidStatus, "not paused")
		}
		in.paused = false
		in.record(audit.SubjectInstance, in.cfg.Domain.DeploymentID, actor, ActionUnpaused, "ACTIVE", "")
		return nil
	})
}

func (in *Instance) checkRoleChange(op RoleOp, role roles.Role, account string) error {
	if strings.TrimSpace(account) == "" {
		return apperr.ErrZeroAddress
	}
	switch op {
	case OpGrant:
		return nil
	case OpRevoke:
		return in.roles.CanRevoke(role, account)
	}
	return apperr.Wrap(ErrInvalidRoleOp, "%q", op)
}

func (in *Instance) CommitRoleChange(ctx context.Context, c Caller, op RoleOp, role roles.Role, account string, digest commitreveal.Digest) error {
	return in.exec(ctx, "commit_role_change", c, func(actor string) error {
		if err := in.requireRole(roles.Admin, actor); err != nil {
			return err
		}
		if _, err := roles.Parse(string(role)); err != nil {
			return err
		}
		if err := in.checkRoleChange(op, role, account); err != nil {
			return err
		}
		if err := in.guard.Commit(actor, RoleSubject(op, role, account), digest); err != nil {
			return err
		}
		in.record(audit.SubjectRole, string(role)+":"+account, actor, ActionRoleChangeCommitted+":"+string(op), "", "")
		return nil
	})
}

func (in *Instance) applyRoleChange(ctx context.Context, c Caller, op RoleOp, role roles.Role, account string, nonce []byte) error {
	return in.exec(ctx, string(op)+"_role", c, func(actor string) error {
		if err := in.requireRole(roles.Admin, actor); err != nil {
			return err
		}
		if _, err := roles.Parse(string(role)); err != nil {
			return err
		}
		if err := in.checkRoleChange(op, role, account); err != nil {
			return err
		}
		receipt, err := in.guard.Verify(actor, RoleSubject(op, role, account), nonce)
		if err != nil {
			return err
		}
		action := ActionRoleGranted
		if op == OpGrant {
			err = in.roles.Grant(role, account)
		} else {
			action = ActionRoleRevoked
			err = in.roles.Revoke(role, account)
		}
		if err != nil {
			return err
		}
		in.guard.Consume(receipt)
		in.record(audit.SubjectRole, string(role)+":"+account, actor, action, "", "")
		return nil
	})
}

func (in *Instance) GrantRole(ctx context.Context, c Caller, role roles.Role, account string, nonce []byte) error {
	return in.applyRoleChange(ctx, c, OpGrant, role, account, nonce)
}

func (in *Instance) RevokeRole(ctx context.Context, c Caller, role roles.Role, account string, nonce []byte) error {
	return in.applyRoleChange(ctx, c, OpRevoke, role, account, nonce)
}

func (in *Instance) Roles(ctx context.Context) (map[roles.Role][]string, error) {
	var out map[roles.Role][]string
	err := in.read(ctx, func() { out = in.roles.Assignments() })
	return out, err
}

func budgetSubject(newBudget uint64) string { return strconv.FormatUint(newBudget, 10) }

func (in *Instance) ProposeBudgetIncrease(ctx context.Context, c Caller, newBudget uint64) (budget.Increase, error) {
	var out budget.Increase
	err := in.exec(ctx, "propose_budget_increase", c, func(actor string) error {
		if err := in.requireRole(roles.Admin, actor); err != nil {
			return err
		}
		inc, err := in.budget.ProposeIncrease(actor, newBudget)
		if err != nil {
			return err
		}
		in.record(audit.SubjectBudget, budgetSubject(newBudget), actor, ActionBudgetIncreaseProposed, "SCHEDULED", "")
		out = inc
		return nil
	})
	return out, err
}

func (in *Instance) ExecuteBudgetIncrease(ctx context.Context, c Caller) (budget.Increase, error) {
	var out budget.Increase
	err := in.exec(ctx, "execute_budget_increase", c, func(actor string) error {
		if err := in.requireRole(roles.Admin, actor); err != nil {
			return err
		}
		inc, err := in.budget.ExecuteIncrease()
		if err != nil {
			return err
		}
		in.record(audit.SubjectBudget, budgetSubject(inc.NewBudget), actor, ActionBudgetIncreaseExecuted, "APPLIED", "")
		out = inc
		return nil
	})
	return out, err
}

func (in *Instance) CancelBudgetIncrease(ctx context.Context, c Caller) (budget.Increase, error) {
	var out budget.Increase
	err := in.exec(ctx, "cancel_budget_increase", c, func(actor string) error {
		if err := in.requireRole(roles.Admin, actor); err != nil {
			return err
		}
		inc, err := in.budget.CancelIncrease()
		if err != nil {
			return err
		}
		in.record(audit.SubjectBudget, budgetSubject(inc.NewBudget), actor, ActionBudgetIncreaseCancelled, "CANCELLED", "")
		out = inc
		return nil
	})
	return out, err
}

type BudgetStatus struct {
	budget.Totals
	Remaining       uint64           `json:"remaining"`
	UtilizationPct  decimal.Decimal  `json:"utilization_pct"`
	PendingIncrease *budget.Increase `json:"pending_increase,omitempty"`
}

func (in *Instance) RemainingBudget(ctx context.Context) (uint64, error) {
	var out uint64
	err := in.read(ctx, func() { out = in.budget.Remaining() })
	return out, err
}

func (in *Instance) Budget(ctx context.Context) (BudgetStatus, error) {
	var out BudgetStatus
	err := in.read(ctx, func() {
		out = BudgetStatus{Totals: in.budget.Totals(), Remaining: in.budget.Remaining(), UtilizationPct: in.budget.Utilization()}
		if inc, ok := in.budget.PendingIncrease(); ok {
			out.PendingIncrease = &inc
		}
	})
	return out, err
}

// TreasuryBalance asks the ledger directly; it does not need the instance
// lock.
func (in *Instance) TreasuryBalance(ctx context.Context) (uint64, error) {
	if in.reentrant(ctx) {
		return 0, apperr.ErrReentrantCall
	}
	return in.ledger.BalanceOf(ctx, in.cfg.Treasury)
}

type Status struct {
	Paused         bool     `json:"paused"`
	Halted         bool     `json:"halted"`
	ActiveRequests int      `json:"active_requests"`
	OpenClosures   []uint64 `json:"open_closures,omitempty"`
	PendingCommits int      `json:"pending_commitments"`
	AuditSeq       uint64   `json:"audit_seq"`
	Pipeline       string   `json:"pipeline"`
	DeploymentID   string   `json:"deployment_id"`
	NetworkID      string   `json:"network_id"`
}

func (in *Instance) Status(ctx context.Context) (Status, error) {
	var out Status
	err := in.read(ctx, func() {
		out = Status{
			Paused:         in.paused,
			Halted:         in.halted,
			ActiveRequests: in.reg.ActiveCount(),
			OpenClosures:   in.emergency.OpenIDs(),
			PendingCommits: in.guard.Len(),
			AuditSeq:       in.audit.LastSeq(),
			Pipeline:       in.approvals.Pipeline().String(),
			DeploymentID:   in.cfg.Domain.DeploymentID,
			NetworkID:      in.cfg.Domain.NetworkID,
		}
	})
	return out, err
}

// AuditFor returns the retained trail of one subject. The audit log has its
// own lock, so this is served even from inside a transfer.
func (in *Instance) AuditFor(kind audit.SubjectKind, id string) []audit.Record {
	return in.audit.ForSubject(kind, id)
}
