package workflow

import (
	"context"
	"time"

	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
	"github.com/accordsai/spendlane/services/treasury/internal/budget"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/emergency"
	"github.com/accordsai/spendlane/services/treasury/internal/registry"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
	"github.com/accordsai/spendlane/services/treasury/internal/tokenledger"
)

const SnapshotVersion = 1

var ErrSnapshotMismatch = apperr.New(apperr.KindValidation, "SNAPSHOT_MISMATCH", "snapshot does not belong to this instance")

// Snapshot is the complete persisted state of an instance. The audit trail
// itself is exported separately; only its sequence is kept here.
type Snapshot struct {
	Version         int                       `json:"version"`
	TakenAt         time.Time                 `json:"taken_at"`
	Domain          commitreveal.Domain       `json:"domain"`
	Pipeline        string                    `json:"pipeline"`
	Paused          bool                      `json:"paused"`
	Halted          bool                      `json:"halted"`
	Roles           map[roles.Role][]string   `json:"roles"`
	Commitments     []commitreveal.Commitment `json:"commitments"`
	Budget          budget.Totals             `json:"budget"`
	PendingIncrease *budget.Increase          `json:"pending_increase,omitempty"`
	Registry        registry.State            `json:"registry"`
	Emergency       emergency.State           `json:"emergency"`
	AuditSeq        uint64                    `json:"audit_seq"`
}

func (in *Instance) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := in.read(ctx, func() {
		s = Snapshot{
			Version:     SnapshotVersion,
			TakenAt:     in.now(),
			Domain:      in.cfg.Domain,
			Pipeline:    in.approvals.Pipeline().String(),
			Paused:      in.paused,
			Halted:      in.halted,
			Roles:       in.roles.Assignments(),
			Commitments: in.guard.Commitments(),
			Budget:      in.budget.Totals(),
			Registry:    in.reg.State(),
			Emergency:   in.emergency.State(),
			AuditSeq:    in.audit.LastSeq(),
		}
		if inc, ok := in.budget.PendingIncrease(); ok {
			s.PendingIncrease = &inc
		}
	})
	return s, err
}

// FromSnapshot builds an instance from cfg and then replaces its state with
// s. The snapshot's role assignment wins over cfg.Roles, and its domain and
// pipeline must match cfg.
func FromSnapshot(cfg Config, ledger tokenledger.Ledger, s Snapshot, opts ...Option) (*Instance, error) {
	if s.Version != SnapshotVersion {
		return nil, apperr.Wrap(ErrSnapshotMismatch, "version %d, want %d", s.Version, SnapshotVersion)
	}
	if s.Domain != cfg.Domain {
		return nil, apperr.Wrap(ErrSnapshotMismatch, "domain %s/%s", s.Domain.DeploymentID, s.Domain.NetworkID)
	}
	cfg.Roles = s.Roles
	in, err := New(cfg, ledger, opts...)
	if err != nil {
		return nil, err
	}
	if got := in.approvals.Pipeline().String(); s.Pipeline != "" && s.Pipeline != got {
		return nil, apperr.Wrap(ErrSnapshotMismatch, "pipeline %s, configured %s", s.Pipeline, got)
	}
	if err := in.budget.Restore(s.Budget, s.PendingIncrease); err != nil {
		return nil, err
	}
	if err := in.reg.Load(s.Registry); err != nil {
		return nil, err
	}
	if err := in.emergency.Load(s.Emergency); err != nil {
		return nil, err
	}
	for _, c := range s.Commitments {
		in.guard.Restore(c)
	}
	in.paused = s.Paused
	in.halted = s.Halted
	in.audit.ResumeAt(s.AuditSeq)
	return in, nil
}
