package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memExporter struct {
	name    string
	got     []Record
	failFor int
	last    uint64
}

func (m *memExporter) Name() string { return m.name }

func (m *memExporter) Export(_ context.Context, recs []Record) error {
	if m.failFor > 0 {
		m.failFor--
		return errors.New("unavailable")
	}
	m.got = append(m.got, recs...)
	return nil
}

func (m *memExporter) LastExported(context.Context) (uint64, error) { return m.last, nil }

func rec(id string) Record {
	return Record{SubjectKind: SubjectRequest, SubjectID: id, Actor: "a", Action: "REQUEST_CREATED", At: time.Unix(0, 0)}
}

func TestAppendAssignsSequenceAndID(t *testing.T) {
	l := NewLog(0)
	a := l.Append(rec("1"))
	b := l.Append(rec("2"))
	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, l.ForSubject(SubjectRequest, "2"), 1)
	assert.Empty(t, l.ForSubject(SubjectClosure, "2"))
}

func TestRetentionAndResume(t *testing.T) {
	l := NewLog(2)
	l.ResumeAt(40)
	for i := 0; i < 3; i++ {
		l.Append(rec("1"))
	}
	assert.Equal(t, 2, l.Len())
	got := l.Since(0, 0)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(42), got[0].Seq)
	assert.Equal(t, uint64(43), l.LastSeq())
}

func TestDispatcherRetriesFailedBatches(t *testing.T) {
	l := NewLog(0)
	ok := &memExporter{name: "ok"}
	flaky := &memExporter{name: "flaky", failFor: 1}
	var attempts int
	d := NewDispatcher(l, []Exporter{ok, flaky}, WithBatchSize(2), WithObserver(func(string, int, error) { attempts++ }))

	for i := 0; i < 3; i++ {
		l.Append(rec("1"))
	}
	err := d.Flush(context.Background())
	assert.Error(t, err)
	assert.Len(t, ok.got, 3)
	assert.Empty(t, flaky.got)

	require.NoError(t, d.Flush(context.Background()))
	assert.Len(t, flaky.got, 3)
	assert.Equal(t, uint64(3), flaky.got[2].Seq)
	assert.Equal(t, 5, attempts)
}

func TestDispatcherResumesFromExporterCursor(t *testing.T) {
	l := NewLog(0)
	for i := 0; i < 4; i++ {
		l.Append(rec("1"))
	}
	e := &memExporter{name: "pg", last: 3}
	d := NewDispatcher(l, []Exporter{e})
	require.NoError(t, d.Resume(context.Background()))
	require.NoError(t, d.Flush(context.Background()))
	require.Len(t, e.got, 1)
	assert.Equal(t, uint64(4), e.got[0].Seq)
}

func TestRunStopsOnCancel(t *testing.T) {
	l := NewLog(0)
	e := &memExporter{name: "mem"}
	d := NewDispatcher(l, []Exporter{e}, WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	l.Append(rec("1"))
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Len(t, e.got, 1)
}
