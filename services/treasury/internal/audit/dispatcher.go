package audit

import (
	"context"
	"time"

	"github.com/accordsai/spendlane/pkg/logging"
)

type Exporter interface {
	Name() string
	Export(ctx context.Context, records []Record) error
}

// Resumer is implemented by exporters that remember how far they got.
type Resumer interface {
	LastExported(ctx context.Context) (uint64, error)
}

// Dispatcher forwards appended records to every exporter, each with its own
// cursor, retrying a failed batch until it succeeds.
type Dispatcher struct {
	log       *Log
	exporters []Exporter
	cursors   []uint64
	batch     int
	interval  time.Duration
	logger    logging.Logger
	onExport  func(exporter string, n int, err error)
}

type DispatcherOption func(*Dispatcher)

func WithBatchSize(n int) DispatcherOption { return func(d *Dispatcher) { d.batch = n } }

func WithInterval(iv time.Duration) DispatcherOption { return func(d *Dispatcher) { d.interval = iv } }

func WithLogger(l logging.Logger) DispatcherOption { return func(d *Dispatcher) { d.logger = l } }

// WithObserver is called after every export attempt.
func WithObserver(fn func(exporter string, n int, err error)) DispatcherOption {
	return func(d *Dispatcher) { d.onExport = fn }
}

func NewDispatcher(log *Log, exporters []Exporter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:       log,
		exporters: exporters,
		cursors:   make([]uint64, len(exporters)),
		batch:     100,
		interval:  2 * time.Second,
		logger:    logging.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Resume loads each resumable exporter's cursor.
func (d *Dispatcher) Resume(ctx context.Context) error {
	for i, e := range d.exporters {
		r, ok := e.(Resumer)
		if !ok {
			continue
		}
		seq, err := r.LastExported(ctx)
		if err != nil {
			return err
		}
		d.cursors[i] = seq
	}
	return nil
}

// Flush exports everything currently in the log. It stops at the first
// failing batch of each exporter and returns the last error seen.
func (d *Dispatcher) Flush(ctx context.Context) error {
	var lastErr error
	for i, e := range d.exporters {
		for {
			recs := d.log.Since(d.cursors[i], d.batch)
			if len(recs) == 0 {
				break
			}
			if gap := recs[0].Seq - d.cursors[i]; gap > 1 && d.cursors[i] > 0 {
				d.logger.Log(ctx, logging.LevelWarn, "audit records aged out before export",
					logging.String("exporter", e.Name()), logging.Uint64("missing", gap-1))
			}
			err := e.Export(ctx, recs)
			if d.onExport != nil {
				d.onExport(e.Name(), len(recs), err)
			}
			if err != nil {
				d.logger.Log(ctx, logging.LevelError, "audit export failed",
					logging.String("exporter", e.Name()), logging.Int("batch", len(recs)), logging.Err(err))
				lastErr = err
				break
			}
			d.cursors[i] = recs[len(recs)-1].Seq
		}
	}
	return lastErr
}

// Run flushes on every append notification and on a fixed interval until ctx
// is cancelled, then makes a final attempt with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = d.Flush(fctx)
			cancel()
			return
		case <-d.log.Notify():
		case <-t.C:
		}
		_ = d.Flush(ctx)
	}
}
