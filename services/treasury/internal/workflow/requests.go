package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/accordsai/spendlane/pkg/canonhash"
	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/registry"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
)

const (
	ActionRequestCreated     = "REQUEST_CREATED"
	ActionApprovalCommitted  = "APPROVAL_COMMITTED"
	ActionApprovalRecorded   = "APPROVAL_RECORDED"
	ActionRequestDistributed = "REQUEST_DISTRIBUTED"
	ActionRequestCancelled   = "REQUEST_CANCELLED"
	ActionRequestAbandoned   = "REQUEST_ABANDONED"
)

type CreateInput struct {
	Recipients   []string
	Amounts      []uint64
	Description  string
	DocumentHash string
	VirtualPayer string
}

func requestSubject(id uint64) string { return strconv.FormatUint(id, 10) }

func (in *Instance) CreateRequest(ctx context.Context, c Caller, input CreateInput) (*domain.Request, error) {
	var out *domain.Request
	err := in.exec(ctx, "create_request", c, func(actor string) error {
		if err := in.requireRole(roles.Requester, actor); err != nil {
			return err
		}
		if in.halted {
			return ErrHalted
		}
		if in.paused {
			return ErrPaused
		}
		d := registry.Draft{
			Requester:    actor,
			Recipients:   input.Recipients,
			Amounts:      input.Amounts,
			Description:  input.Description,
			DocumentHash: input.DocumentHash,
			VirtualPayer: input.VirtualPayer,
		}
		payouts, total, err := in.reg.Validate(d)
		if err != nil {
			return err
		}
		if err := in.reg.CheckCapacity(actor); err != nil {
			return err
		}
		if err := in.budget.CheckReserve(total); err != nil {
			return err
		}
		if err := in.budget.Reserve(total); err != nil {
			return err
		}
		req, err := in.reg.Create(d, payouts, total, in.now())
		if err != nil {
			_ = in.budget.Release(total)
			return err
		}
		hash := canonhash.SumFields(map[string]string{
			"description":   req.Description,
			"document_hash": req.DocumentHash,
			"virtual_payer": req.VirtualPayer,
		})
		in.record(audit.SubjectRequest, requestSubject(req.ID), actor, ActionRequestCreated, string(req.Status), hash)
		out = req.Clone()
		return nil
	})
	return out, err
}

func (in *Instance) CommitApproval(ctx context.Context, c Caller, id uint64, level domain.Level, digest commitreveal.Digest) error {
	return in.exec(ctx, "commit_approval", c, func(actor string) error {
		if in.halted {
			return ErrHalted
		}
		if err := in.approvals.CommitApproval(actor, id, level, digest); err != nil {
			return err
		}
		req, _ := in.reg.Get(id)
		in.record(audit.SubjectRequest, requestSubject(id), actor, ActionApprovalCommitted+":"+string(level), string(req.Status), "")
		return nil
	})
}

// Approve reveals the caller's commitment for level. On the final level the
// payouts are transferred from the treasury account before it returns; a
// failed transfer leaves the request exactly as it was.
func (in *Instance) Approve(ctx context.Context, c Caller, id uint64, level domain.Level, nonce []byte) (*domain.Request, error) {
	var out *domain.Request
	err := in.exec(ctx, "approve", c, func(actor string) error {
		if in.halted {
			return ErrHalted
		}
		res, err := in.approvals.Approve(actor, id, level, nonce)
		if err != nil {
			return err
		}
		if dist := res.Distribution; dist != nil {
			err := in.withTransfer(ctx, func(ctx context.Context) error {
				return in.ledger.TransferBatch(ctx, in.cfg.Treasury, dist.Payouts)
			})
			if err != nil {
				dist.Rollback()
				return fmt.Errorf("distribute request %d: %w", id, err)
			}
			in.obs.Distributed(dist.Total)
			in.record(audit.SubjectRequest, requestSubject(id), actor, ActionApprovalRecorded+":"+string(level), string(res.Request.Status), "")
			in.record(audit.SubjectRequest, requestSubject(id), actor, ActionRequestDistributed, string(res.Request.Status), "")
		} else {
			in.record(audit.SubjectRequest, requestSubject(id), actor, ActionApprovalRecorded+":"+string(level), string(res.Request.Status), "")
		}
		out = res.Request
		return nil
	})
	return out, err
}

// CancelRequest is open to the requester of record and admins, and stays
// available while paused or halted so reservations can be released.
func (in *Instance) CancelRequest(ctx context.Context, c Caller, id uint64) (*domain.Request, error) {
	var out *domain.Request
	err := in.exec(ctx, "cancel_request", c, func(actor string) error {
		req, err := in.approvals.Cancel(actor, id)
		if err != nil {
			return err
		}
		in.record(audit.SubjectRequest, requestSubject(id), actor, ActionRequestCancelled, string(req.Status), "")
		out = req
		return nil
	})
	return out, err
}

func (in *Instance) CancelAbandonedRequest(ctx context.Context, c Caller, id uint64) (*domain.Request, error) {
	var out *domain.Request
	err := in.exec(ctx, "cancel_abandoned_request", c, func(actor string) error {
		req, err := in.approvals.CancelAbandoned(actor, id)
		if err != nil {
			return err
		}
		in.record(audit.SubjectRequest, requestSubject(id), actor, ActionRequestAbandoned, string(req.Status), "")
		out = req
		return nil
	})
	return out, err
}

func (in *Instance) GetRequest(ctx context.Context, id uint64) (*domain.Request, error) {
	var (
		out    *domain.Request
		getErr error
	)
	if err := in.read(ctx, func() {
		req, err := in.reg.Get(id)
		if err != nil {
			getErr = err
			return
		}
		out = req.Clone()
	}); err != nil {
		return nil, err
	}
	return out, getErr
}

func (in *Instance) ListActive(ctx context.Context) ([]*domain.Request, error) {
	var out []*domain.Request
	err := in.read(ctx, func() { out = in.reg.ListActive() })
	return out, err
}

func (in *Instance) ListActiveFor(ctx context.Context, requester string) ([]*domain.Request, error) {
	var out []*domain.Request
	err := in.read(ctx, func() { out = in.reg.ListActiveFor(requester) })
	return out, err
}
