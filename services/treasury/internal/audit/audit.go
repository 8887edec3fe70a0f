// Package audit keeps the append-only record of every state change and
// forwards it to durable exporters.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type SubjectKind string

const (
	SubjectRequest  SubjectKind = "request"
	SubjectClosure  SubjectKind = "closure"
	SubjectRole     SubjectKind = "role"
	SubjectBudget   SubjectKind = "budget"
	SubjectInstance SubjectKind = "instance"
)

type Record struct {
	ID          string      `json:"id"`
	Seq         uint64      `json:"seq"`
	SubjectKind SubjectKind `json:"subject_kind"`
	SubjectID   string      `json:"subject_id"`
	Actor       string      `json:"actor"`
	Action      string      `json:"action"`
	Status      string      `json:"status,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
	At          time.Time   `json:"at"`
}

// Log is safe for concurrent use. It keeps at most retain records in memory;
// older ones are only available from exporters.
type Log struct {
	mu      sync.RWMutex
	records []Record
	seq     uint64
	retain  int
	notify  chan struct{}
}

func NewLog(retain int) *Log {
	if retain <= 0 {
		retain = 10_000
	}
	return &Log{retain: retain, notify: make(chan struct{}, 1)}
}

// ResumeAt makes the next appended record carry seq+1. Used after restoring
// a snapshot so sequence numbers keep increasing across restarts.
func (l *Log) ResumeAt(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		l.seq = seq
	}
}

func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Append stamps the record with an id and the next sequence number.
func (l *Log) Append(r Record) Record {
	l.mu.Lock()
	l.seq++
	r.Seq = l.seq
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	l.records = append(l.records, r)
	if over := len(l.records) - l.retain; over > 0 {
		l.records = append(l.records[:0:0], l.records[over:]...)
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return r
}

// Notify fires after appends; bursts coalesce into one signal.
func (l *Log) Notify() <-chan struct{} { return l.notify }

// Since returns up to limit retained records with Seq > seq.
func (l *Log) Since(seq uint64, limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.records {
		if r.Seq <= seq {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (l *Log) ForSubject(kind SubjectKind, id string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.records {
		if r.SubjectKind == kind && r.SubjectID == id {
			out = append(out, r)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
