package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/accordsai/spendlane/pkg/canonhash"
	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/pkg/logging"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
)

const (
	ActionClosureInitiated = "CLOSURE_INITIATED"
	ActionClosureCommitted = "CLOSURE_APPROVAL_COMMITTED"
	ActionClosureApproved  = "CLOSURE_APPROVAL_RECORDED"
	ActionClosureExecuted  = "CLOSURE_EXECUTED"
	ActionHalted           = "HALTED"
)

func closureSubject(id uint64) string { return strconv.FormatUint(id, 10) }

func (in *Instance) InitiateEmergencyClosure(ctx context.Context, c Caller, returnAddress, reason string) (*domain.Closure, error) {
	var out *domain.Closure
	err := in.exec(ctx, "initiate_closure", c, func(actor string) error {
		if in.halted {
			return ErrHalted
		}
		cl, err := in.emergency.Initiate(actor, returnAddress, reason)
		if err != nil {
			return err
		}
		hash := canonhash.SumFields(map[string]string{"reason": cl.Reason, "return_address": cl.ReturnAddress})
		in.record(audit.SubjectClosure, closureSubject(cl.ID), actor, ActionClosureInitiated, string(cl.Status), hash)
		out = cl
		return nil
	})
	return out, err
}

func (in *Instance) CommitClosureApproval(ctx context.Context, c Caller, id uint64, digest commitreveal.Digest) error {
	return in.exec(ctx, "commit_closure_approval", c, func(actor string) error {
		if in.halted {
			return ErrHalted
		}
		if err := in.emergency.CommitApproval(actor, id, digest); err != nil {
			return err
		}
		in.record(audit.SubjectClosure, closureSubject(id), actor, ActionClosureCommitted, string(domain.ClosureProposed), "")
		return nil
	})
}

// ApproveEmergencyClosure reveals the caller's closure approval. The reveal
// that completes the quorum halts the instance and sweeps the full treasury
// balance to the closure's return address; if the sweep fails neither the
// vote nor the halt is kept.
func (in *Instance) ApproveEmergencyClosure(ctx context.Context, c Caller, id uint64, nonce []byte) (*domain.Closure, error) {
	var out *domain.Closure
	err := in.exec(ctx, "approve_closure", c, func(actor string) error {
		if in.halted {
			return ErrHalted
		}
		res, err := in.emergency.Approve(actor, id, nonce)
		if err != nil {
			return err
		}
		if !res.QuorumReached {
			in.record(audit.SubjectClosure, closureSubject(id), actor, ActionClosureApproved, string(res.Closure.Status), "")
			out = res.Closure
			return nil
		}

		in.halted = true
		var swept uint64
		err = in.withTransfer(ctx, func(ctx context.Context) error {
			bal, err := in.ledger.BalanceOf(ctx, in.cfg.Treasury)
			if err != nil {
				return err
			}
			if bal > 0 {
				if err := in.ledger.Transfer(ctx, in.cfg.Treasury, res.Closure.ReturnAddress, bal); err != nil {
					return err
				}
			}
			swept = bal
			return nil
		})
		if err != nil {
			in.halted = false
			res.Rollback()
			return fmt.Errorf("sweep closure %d: %w", id, err)
		}
		cl, err := in.emergency.Complete(id, swept)
		if err != nil {
			return err
		}
		in.record(audit.SubjectClosure, closureSubject(id), actor, ActionClosureApproved, string(domain.ClosureApproved), "")
		in.record(audit.SubjectInstance, in.cfg.Domain.DeploymentID, actor, ActionHalted, "HALTED", "")
		in.record(audit.SubjectClosure, closureSubject(id), actor, ActionClosureExecuted, string(cl.Status), "")
		in.log.Log(ctx, logging.LevelWarn, "instance halted by emergency closure",
			logging.Uint64("closure_id", id), logging.Uint64("swept", swept))
		out = cl
		return nil
	})
	return out, err
}

func (in *Instance) GetClosure(ctx context.Context, id uint64) (*domain.Closure, error) {
	var (
		out    *domain.Closure
		getErr error
	)
	if err := in.read(ctx, func() { out, getErr = in.emergency.Get(id) }); err != nil {
		return nil, err
	}
	return out, getErr
}
