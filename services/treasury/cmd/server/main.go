package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/accordsai/spendlane/pkg/authn"
	"github.com/accordsai/spendlane/pkg/db"
	"github.com/accordsai/spendlane/pkg/logging"
	"github.com/accordsai/spendlane/services/treasury/internal/api"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/config"
	"github.com/accordsai/spendlane/services/treasury/internal/idempotency"
	"github.com/accordsai/spendlane/services/treasury/internal/metrics"
	"github.com/accordsai/spendlane/services/treasury/internal/natsaudit"
	"github.com/accordsai/spendlane/services/treasury/internal/store"
	"github.com/accordsai/spendlane/services/treasury/internal/tokenledger"
	"github.com/accordsai/spendlane/services/treasury/internal/webhookaudit"
	"github.com/accordsai/spendlane/services/treasury/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults to $CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger, err := logging.NewZap(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Log(ctx, logging.LevelError, "treasury server stopped", logging.Err(err))
		_ = logger.Sync(context.Background())
		os.Exit(1)
	}
	_ = logger.Sync(context.Background())
}

func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	wcfg, err := cfg.Workflow()
	if err != nil {
		return fmt.Errorf("instance config: %w", err)
	}
	rec := metrics.NewRecorder(wcfg.Domain.DeploymentID)

	ledger, err := openLedger(ctx, cfg, wcfg.Treasury, rec, log)
	if err != nil {
		return err
	}

	var pg *store.Store
	if cfg.DatabaseURL != "" {
		version, err := store.Migrate(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg = store.New(pool, wcfg.Domain.DeploymentID)
		log.Log(ctx, logging.LevelInfo, "postgres ready", logging.Uint64("schema_version", uint64(version)))
	}

	opts := []workflow.Option{workflow.WithLogger(log), workflow.WithObserver(rec)}
	in, err := openInstance(ctx, wcfg, ledger, pg, opts, log)
	if err != nil {
		return err
	}

	var exporters []audit.Exporter
	if pg != nil {
		exporters = append(exporters, pg)
	}
	if cfg.NATS.URL != "" {
		nc, err := natsaudit.Connect(natsaudit.Config{URL: cfg.NATS.URL})
		if err != nil {
			return err
		}
		defer nc.Close()
		exporters = append(exporters, natsaudit.NewExporter(nc, cfg.NATS.Subject, wcfg.Domain.DeploymentID))
	}
	if cfg.Webhook.URL != "" {
		exporters = append(exporters, webhookaudit.NewExporter(cfg.Webhook.URL, cfg.Webhook.Secret, wcfg.Domain.DeploymentID, cfg.Webhook.Timeout.Duration))
	}
	disp := audit.NewDispatcher(in.Audit(), exporters, audit.WithLogger(log), audit.WithObserver(rec.Exported))
	if err := disp.Resume(ctx); err != nil {
		return fmt.Errorf("resume audit export: %w", err)
	}
	exportCtx, stopExport := context.WithCancel(ctx)
	defer stopExport()
	exported := make(chan struct{})
	go func() {
		defer close(exported)
		disp.Run(exportCtx)
	}()

	entries := make([]authn.Entry, 0, len(cfg.Tokens))
	for _, tk := range cfg.Tokens {
		entries = append(entries, authn.Entry{TokenSHA256: tk.SHA256, Principal: tk.Principal, Relayer: tk.Relayer})
	}
	tokens, err := authn.NewTokenTable(entries)
	if err != nil {
		return err
	}
	apiOpts := []api.Option{
		api.WithLogger(log),
		api.WithRateLimit(cfg.HTTP.RatePerSecond, cfg.HTTP.Burst),
	}
	switch {
	case cfg.RedisURL != "":
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		apiOpts = append(apiOpts, api.WithIdempotency(
			idempotency.NewRedisStore(rdb, cfg.HTTP.IdempotencyTTL.Duration),
			idempotency.NewRedisLocker(rdb, idempotency.DefaultLockOptions()),
		))
	case pg != nil:
		apiOpts = append(apiOpts, api.WithIdempotency(pg, nil))
	}
	if pg != nil {
		apiOpts = append(apiOpts, api.WithArchive(pg))
		go persistSnapshots(ctx, in, pg, cfg.HTTP.SnapshotInterval.Duration, log)
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())
	api.New(in, tokens, apiOpts...).Mount(r)

	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Log(ctx, logging.LevelInfo, "treasury listening",
			logging.String("addr", srv.Addr), logging.String("deployment_id", wcfg.Domain.DeploymentID))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Log(shutdownCtx, logging.LevelWarn, "http shutdown", logging.Err(err))
	}
	stopExport()
	select {
	case <-exported:
	case <-shutdownCtx.Done():
		log.Log(shutdownCtx, logging.LevelWarn, "audit export did not drain before shutdown")
	}
	if pg != nil {
		if err := saveSnapshot(shutdownCtx, in, pg); err != nil {
			log.Log(shutdownCtx, logging.LevelWarn, "final snapshot", logging.Err(err))
		}
	}
	return nil
}

func openLedger(ctx context.Context, cfg config.Config, treasury string, rec *metrics.Recorder, log logging.Logger) (tokenledger.Ledger, error) {
	lc := cfg.Ledger
	if lc.BaseURL != "" {
		bs := tokenledger.DefaultBreakerSettings()
		if lc.BreakerFailures > 0 {
			bs.ConsecutiveFailures = lc.BreakerFailures
		}
		if lc.BreakerTimeout.Duration > 0 {
			bs.Timeout = lc.BreakerTimeout.Duration
		}
		client := tokenledger.NewClient(lc.BaseURL, lc.Token, bs, func(from, to string) {
			rec.Breaker(from, to)
			log.Log(ctx, logging.LevelWarn, "ledger breaker state changed",
				logging.String("from", from), logging.String("to", to))
		})
		if lc.Timeout.Duration > 0 {
			client.HTTP.Timeout = lc.Timeout.Duration
		}
		return client, nil
	}
	mem := tokenledger.NewMemory()
	if lc.Seed > 0 {
		if err := mem.Mint(ctx, treasury, lc.Seed); err != nil {
			return nil, err
		}
	}
	log.Log(ctx, logging.LevelWarn, "using in-process ledger; balances are not persisted",
		logging.Uint64("seed", lc.Seed))
	return mem, nil
}

// openInstance restores the latest snapshot when one exists.
func openInstance(ctx context.Context, wcfg workflow.Config, ledger tokenledger.Ledger, pg *store.Store, opts []workflow.Option, log logging.Logger) (*workflow.Instance, error) {
	if pg == nil {
		return workflow.New(wcfg, ledger, opts...)
	}
	snap, err := pg.LoadSnapshot(ctx, wcfg.Domain)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return workflow.New(wcfg, ledger, opts...)
	}
	in, err := workflow.FromSnapshot(wcfg, ledger, *snap, opts...)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	log.Log(ctx, logging.LevelInfo, "restored from snapshot",
		logging.Uint64("audit_seq", snap.AuditSeq), logging.Any("taken_at", snap.TakenAt))
	return in, nil
}
