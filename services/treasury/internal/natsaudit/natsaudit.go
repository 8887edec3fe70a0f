// Package natsaudit publishes audit records to NATS, one message per record
// on <prefix>.<deployment>.<subject kind>.
package natsaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/accordsai/spendlane/services/treasury/internal/audit"
)

// Publisher is the subset of *nats.Conn the exporter needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
}

type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

func Connect(cfg Config) (*nats.Conn, error) {
	if cfg.Name == "" {
		cfg.Name = "spendlane-treasury"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

type Exporter struct {
	pub        Publisher
	prefix     string
	deployment string
	flush      time.Duration
}

func NewExporter(pub Publisher, prefix, deployment string) *Exporter {
	if prefix == "" {
		prefix = "spendlane.audit"
	}
	return &Exporter{pub: pub, prefix: prefix, deployment: deployment, flush: 5 * time.Second}
}

func (e *Exporter) Name() string { return "nats" }

func (e *Exporter) Subject(r audit.Record) string {
	return e.prefix + "." + e.deployment + "." + string(r.SubjectKind)
}

// Export publishes the batch and waits for the server to acknowledge the
// flush. Each message carries Nats-Msg-Id so a JetStream stream on the
// subject deduplicates re-sent batches.
func (e *Exporter) Export(ctx context.Context, recs []audit.Record) error {
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record %d: %w", r.Seq, err)
		}
		msg := nats.NewMsg(e.Subject(r))
		msg.Data = payload
		msg.Header.Set(nats.MsgIdHdr, e.deployment+":"+strconv.FormatUint(r.Seq, 10))
		msg.Header.Set("Spendlane-Action", r.Action)
		if err := e.pub.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish record %d: %w", r.Seq, err)
		}
	}
	timeout := e.flush
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	return e.pub.FlushTimeout(timeout)
}
