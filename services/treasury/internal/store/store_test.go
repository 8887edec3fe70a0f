package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/spendlane/pkg/db"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/idempotency"
	"github.com/accordsai/spendlane/services/treasury/internal/workflow"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	assert.Positive(t, up)
	assert.Equal(t, up, down, "every migration needs a down file")
}

func liveStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("SL_INTEGRATION") != "1" {
		t.Skip("set SL_INTEGRATION=1 to run live integration")
	}
	dsn := os.Getenv("DATABASE_URL")
	require.NotEmpty(t, dsn)
	_, err := Migrate(dsn)
	require.NoError(t, err)
	pool, err := db.Connect(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool, "it-"+uuid.NewString())
}

func TestAuditExportIsIdempotent(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Microsecond)
	recs := []audit.Record{
		{ID: uuid.NewString(), Seq: 1, SubjectKind: audit.SubjectRequest, SubjectID: "1", Actor: "alice", Action: "REQUEST_CREATED", Status: "PENDING", At: at},
		{ID: uuid.NewString(), Seq: 2, SubjectKind: audit.SubjectRequest, SubjectID: "1", Actor: "sec", Action: "APPROVAL_RECORDED:SECRETARY", Status: "SECRETARY_APPROVED", At: at},
	}
	require.NoError(t, st.Export(ctx, recs))
	require.NoError(t, st.Export(ctx, recs))

	last, err := st.LastExported(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	trail, err := st.AuditTrail(ctx, audit.SubjectRequest, "1", 0)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "sec", trail[1].Actor)
}

func TestSnapshotUpsertKeepsNewest(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	dom := commitreveal.Domain{DeploymentID: st.deployment, NetworkID: "it"}

	got, err := st.LoadSnapshot(ctx, dom)
	require.NoError(t, err)
	assert.Nil(t, got)

	newer := workflow.Snapshot{Version: workflow.SnapshotVersion, Domain: dom, AuditSeq: 9, TakenAt: time.Now().UTC(), Paused: true}
	older := newer
	older.AuditSeq, older.Paused = 3, false
	require.NoError(t, st.SaveSnapshot(ctx, newer))
	require.NoError(t, st.SaveSnapshot(ctx, older))

	got, err = st.LoadSnapshot(ctx, dom)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(9), got.AuditSeq)
	assert.True(t, got.Paused)
}

func TestIdempotencyRecords(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	principal := st.deployment
	require.NoError(t, st.SaveIdempotencyRecord(ctx, principal, "k", "POST /x", idempotency.Record{Status: 201, Body: []byte(`{"a":1}`)}))
	require.NoError(t, st.SaveIdempotencyRecord(ctx, principal, "k", "POST /x", idempotency.Record{Status: 500, Body: []byte(`{}`)}))
	rec, err := st.GetIdempotencyRecord(ctx, principal, "k", "POST /x")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.Status)
	assert.JSONEq(t, `{"a":1}`, string(rec.Body))
}
