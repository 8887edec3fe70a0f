// Package webhookaudit delivers audit records to an HTTP endpoint as signed
// JSON batches.
package webhookaudit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/accordsai/spendlane/pkg/webhooks"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
)

const EventType = "audit.batch"

type Batch struct {
	DeploymentID string         `json:"deployment_id"`
	FirstSeq     uint64         `json:"first_seq"`
	LastSeq      uint64         `json:"last_seq"`
	Records      []audit.Record `json:"records"`
}

type Exporter struct {
	url        string
	secret     string
	deployment string
	http       *http.Client
	now        func() time.Time
}

func NewExporter(url, secret, deployment string, timeout time.Duration) *Exporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Exporter{
		url:        strings.TrimSpace(url),
		secret:     secret,
		deployment: deployment,
		http:       &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (e *Exporter) Name() string { return "webhook" }

// Export posts one batch. The event id names the sequence range, so a
// receiver can drop a batch the dispatcher re-sends after a failure.
func (e *Exporter) Export(ctx context.Context, recs []audit.Record) error {
	if len(recs) == 0 {
		return nil
	}
	b := Batch{DeploymentID: e.deployment, FirstSeq: recs[0].Seq, LastSeq: recs[len(recs)-1].Seq, Records: recs}
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	sig, err := webhooks.Sign(e.secret, body, e.now())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhooks.SignatureHeader, sig)
	req.Header.Set(webhooks.EventTypeHeader, EventType)
	req.Header.Set(webhooks.EventIDHeader, e.deployment+":"+strconv.FormatUint(b.FirstSeq, 10)+"-"+strconv.FormatUint(b.LastSeq, 10))
	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver audit batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver audit batch: receiver answered %d", resp.StatusCode)
	}
	return nil
}
