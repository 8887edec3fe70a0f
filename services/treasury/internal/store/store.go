// Package store persists what the in-memory instance cannot keep across
// restarts: the exported audit trail, instance snapshots and HTTP
// idempotency records.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accordsai/spendlane/pkg/db"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/idempotency"
	"github.com/accordsai/spendlane/services/treasury/internal/workflow"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema at dsn up to date.
func Migrate(dsn string) (uint, error) {
	return db.Migrate(dsn, migrations, "migrations")
}

type Store struct {
	DB         *pgxpool.Pool
	deployment string
}

func New(pool *pgxpool.Pool, deploymentID string) *Store {
	return &Store{DB: pool, deployment: deploymentID}
}

func (s *Store) Name() string { return "postgres" }

// Export inserts records in one batch. Rows already present are skipped so a
// re-sent batch after a crash is harmless.
func (s *Store) Export(ctx context.Context, recs []audit.Record) error {
	if len(recs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(`
INSERT INTO spendlane_audit_records(deployment_id,seq,record_id,subject_kind,subject_id,actor,action,status,content_hash,recorded_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (deployment_id,seq) DO NOTHING
`, s.deployment, int64(r.Seq), r.ID, string(r.SubjectKind), r.SubjectID, r.Actor, r.Action, r.Status, r.ContentHash, r.At)
	}
	br := s.DB.SendBatch(ctx, b)
	for range recs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("export audit batch: %w", err)
		}
	}
	return br.Close()
}

func (s *Store) LastExported(ctx context.Context) (uint64, error) {
	var seq int64
	err := s.DB.QueryRow(ctx, `
SELECT COALESCE(MAX(seq),0) FROM spendlane_audit_records WHERE deployment_id=$1
`, s.deployment).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// AuditTrail reads the exported trail of one subject, oldest first. Unlike
// the in-memory log it is not bounded by retention.
func (s *Store) AuditTrail(ctx context.Context, kind audit.SubjectKind, subjectID string, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.Query(ctx, `
SELECT record_id,seq,subject_kind,subject_id,actor,action,status,content_hash,recorded_at
FROM spendlane_audit_records
WHERE deployment_id=$1 AND subject_kind=$2 AND subject_id=$3
ORDER BY seq ASC
LIMIT $4
`, s.deployment, string(kind), subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Record
	for rows.Next() {
		var (
			r    audit.Record
			seq  int64
			kind string
		)
		if err := rows.Scan(&r.ID, &seq, &kind, &r.SubjectID, &r.Actor, &r.Action, &r.Status, &r.ContentHash, &r.At); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		r.SubjectKind = audit.SubjectKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveSnapshot(ctx context.Context, snap workflow.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO spendlane_snapshots(deployment_id,network_id,version,audit_seq,taken_at,body)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (deployment_id,network_id) DO UPDATE
SET version=EXCLUDED.version, audit_seq=EXCLUDED.audit_seq, taken_at=EXCLUDED.taken_at, body=EXCLUDED.body, updated_at=now()
WHERE spendlane_snapshots.audit_seq <= EXCLUDED.audit_seq
`, snap.Domain.DeploymentID, snap.Domain.NetworkID, snap.Version, int64(snap.AuditSeq), snap.TakenAt, string(body))
	return err
}

// LoadSnapshot returns nil when the domain has never been persisted.
func (s *Store) LoadSnapshot(ctx context.Context, d commitreveal.Domain) (*workflow.Snapshot, error) {
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT body FROM spendlane_snapshots WHERE deployment_id=$1 AND network_id=$2
`, d.DeploymentID, d.NetworkID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var snap workflow.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, principal, idempotencyKey, endpoint string) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := s.DB.QueryRow(ctx, `
SELECT response_status,response_body
FROM spendlane_idempotency_records
WHERE principal=$1 AND idempotency_key=$2 AND endpoint=$3
`, principal, idempotencyKey, endpoint).Scan(&rec.Status, &rec.Body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, principal, idempotencyKey, endpoint string, rec idempotency.Record) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO spendlane_idempotency_records(principal,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (principal,idempotency_key,endpoint) DO NOTHING
`, principal, idempotencyKey, endpoint, rec.Status, rec.Body)
	return err
}
