package natsaudit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/spendlane/services/treasury/internal/audit"
)

type fakeConn struct {
	msgs     []*nats.Msg
	failAt   int
	flushed  int
	flushErr error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.failAt > 0 && len(f.msgs)+1 == f.failAt {
		return errors.New("connection closed")
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error {
	f.flushed++
	return f.flushErr
}

func records() []audit.Record {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []audit.Record{
		{ID: "a", Seq: 7, SubjectKind: audit.SubjectRequest, SubjectID: "3", Actor: "alice", Action: "REQUEST_CREATED", At: at},
		{ID: "b", Seq: 8, SubjectKind: audit.SubjectClosure, SubjectID: "1", Actor: "c1", Action: "CLOSURE_INITIATED", At: at},
	}
}

func TestExportPublishesPerRecord(t *testing.T) {
	conn := &fakeConn{}
	ex := NewExporter(conn, "", "spend-1")
	require.NoError(t, ex.Export(context.Background(), records()))

	require.Len(t, conn.msgs, 2)
	assert.Equal(t, "spendlane.audit.spend-1.request", conn.msgs[0].Subject)
	assert.Equal(t, "spendlane.audit.spend-1.closure", conn.msgs[1].Subject)
	assert.Equal(t, "spend-1:7", conn.msgs[0].Header.Get(nats.MsgIdHdr))
	assert.Equal(t, 1, conn.flushed)

	var got audit.Record
	require.NoError(t, json.Unmarshal(conn.msgs[0].Data, &got))
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, "alice", got.Actor)
}

func TestExportStopsOnPublishError(t *testing.T) {
	conn := &fakeConn{failAt: 2}
	err := NewExporter(conn, "x", "d").Export(context.Background(), records())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 8")
	assert.Zero(t, conn.flushed)
}

func TestExportReportsFlushError(t *testing.T) {
	conn := &fakeConn{flushErr: nats.ErrTimeout}
	err := NewExporter(conn, "x", "d").Export(context.Background(), records())
	assert.ErrorIs(t, err, nats.ErrTimeout)
}
