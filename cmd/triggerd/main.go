package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/flood-trigger-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/flood-trigger-service/internal/adapter/kafka"
	"github.com/couchcryptid/flood-trigger-service/internal/adapter/ledger"
	"github.com/couchcryptid/flood-trigger-service/internal/adapter/sources"
	"github.com/couchcryptid/flood-trigger-service/internal/config"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/pipeline"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
	"github.com/couchcryptid/flood-trigger-service/internal/stats"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		slog.Error("triggerd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath, clock)
	if err != nil {
		return err
	}
	defer st.Close()

	sp, err := settings.NewProvider(cfg.SettingsPath)
	if err != nil {
		return err
	}
	logger.Info("source settings loaded", "path", cfg.SettingsPath, "basins", len(sp.Snapshot().Basins))

	l, err := ledger.Open(cfg, clock, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			logger.Error("ledger close error", "error", err)
		}
	}()

	publisher := kafkaadapter.NewPublisher(cfg, logger)
	fetcher := sources.NewClient(cfg.SyncTimeout, cfg.GaugeCacheSize, logger, metrics)
	aggregator := stats.NewAggregator(st, metrics, clock.Now)

	anchor := pipeline.NewAnchor(st, l, clock, logger, metrics, pipeline.AnchorOptions{
		Workers:     1,
		QueueSize:   cfg.AnchorQueueSize,
		Timeout:     cfg.LedgerTimeout,
		MaxAttempts: cfg.LedgerMaxAttempts,
		BaseBackoff: cfg.LedgerBaseBackoff,
	})
	dispatcher := pipeline.NewDispatcher(st, publisher, anchor, clock, logger, metrics, pipeline.DispatcherOptions{
		Workers:     cfg.DispatchWorkers,
		QueueSize:   cfg.DispatchQueueSize,
		MaxAttempts: cfg.DispatchMaxAttempts,
	})
	p := pipeline.New(
		pipeline.NewSynchronizer(st, fetcher, sp, clock, logger, metrics, cfg.SyncTimeout, cfg.SyncConcurrency),
		pipeline.NewEvaluator(st, dispatcher, clock, logger, metrics, cfg.SeriesFreshness),
		dispatcher,
		anchor,
		pipeline.NewReconciler(st, anchor, clock, logger, 2*cfg.LedgerTimeout*time.Duration(cfg.LedgerMaxAttempts)),
		aggregator, clock, logger, metrics,
		pipeline.Intervals{Sync: cfg.SyncInterval, Eval: cfg.EvalInterval, Reconcile: cfg.ReconcileInterval},
	)

	srv := httpadapter.NewServer(cfg.HTTPAddr, readiness{st, p}, aggregator, nil, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go reloadOnHangup(ctx, sp, logger)

	// Start trigger pipeline.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop before shutdown timeout")
	}
	if err := publisher.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// reloadOnHangup swaps in a fresh settings snapshot on every SIGHUP.
func reloadOnHangup(ctx context.Context, sp *settings.Provider, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := sp.Reload(); err != nil {
				logger.Error("settings reload failed, keeping previous settings", "error", err)
				continue
			}
			logger.Info("source settings reloaded", "basins", len(sp.Snapshot().Basins))
		}
	}
}

// readiness requires both the store and the pipeline to be ready.
type readiness []sharedobs.ReadinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}
