// Package pipeline runs the trigger pipeline: synchronize sources into the
// series store, evaluate triggers, dispatch activations and anchor them on
// the ledger. All coordination between stages goes through the store;
// the in-process queues only shorten the path from decision to dispatch.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/flood-trigger-service/internal/observability"
)

// StatsRefresher recomputes reporting gauges after a cycle.
type StatsRefresher interface {
	Refresh(ctx context.Context) error
}

// Intervals sets how often each loop runs.
type Intervals struct {
	Sync      time.Duration
	Eval      time.Duration
	Reconcile time.Duration
}

// Pipeline orchestrates the synchronizer, evaluator, dispatcher, anchor and
// reconciler loops.
type Pipeline struct {
	sync       *Synchronizer
	eval       *Evaluator
	dispatch   *Dispatcher
	anchor     *Anchor
	reconciler *Reconciler
	stats      StatsRefresher
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	intervals  Intervals
	ready      atomic.Bool
}

// New creates a Pipeline from its stages. stats may be nil.
func New(s *Synchronizer, e *Evaluator, d *Dispatcher, a *Anchor, r *Reconciler, stats StatsRefresher,
	clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, intervals Intervals) *Pipeline {
	return &Pipeline{
		sync:       s,
		eval:       e,
		dispatch:   d,
		anchor:     a,
		reconciler: r,
		stats:      stats,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		intervals:  intervals,
	}
}

// CheckReadiness returns nil once the first evaluation cycle has completed.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed an evaluation cycle yet")
	}
	return nil
}

// Run starts the anchor, recovers interrupted work, then runs every loop
// until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		"sync_interval", p.intervals.Sync,
		"eval_interval", p.intervals.Eval,
		"reconcile_interval", p.intervals.Reconcile,
	)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.anchor.Run(ctx) })

	if n, err := p.dispatch.Recover(ctx); err != nil {
		p.logger.Warn("recovery of queued activations incomplete", "recovered", n, "error", err)
	} else if n > 0 {
		p.logger.Info("recovered queued activations", "count", n)
	}

	g.Go(func() error { return p.dispatch.Run(ctx) })
	g.Go(func() error { return p.every(ctx, "sync", p.intervals.Sync, p.SyncCycle) })
	g.Go(func() error { return p.every(ctx, "evaluate", p.intervals.Eval, p.EvalCycle) })
	g.Go(func() error { return p.every(ctx, "reconcile", p.intervals.Reconcile, p.ReconcileCycle) })
	err := g.Wait()
	p.logger.Info("pipeline stopping", "reason", context.Cause(ctx))
	return err
}

// every runs fn immediately and then on each tick until ctx is cancelled.
// Cycle errors are logged; the loop keeps going.
func (p *Pipeline) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("cycle failed", "loop", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// SyncCycle runs one synchronizer pass.
func (p *Pipeline) SyncCycle(ctx context.Context) error {
	res, err := p.sync.SyncAll(ctx)
	p.logger.Info("sync cycle complete",
		"units", res.Units, "failed", res.Failed, "skipped", res.Skipped,
		"created", res.Created, "merged", res.Merged, "diverged", res.Diverged)
	return err
}

// EvalCycle re-enqueues stranded TRIGGERED triggers, evaluates every
// trigger and refreshes the stats gauges.
func (p *Pipeline) EvalCycle(ctx context.Context) error {
	var errs []error
	if n, err := p.dispatch.Sweep(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		p.logger.Info("re-enqueued triggered activations", "count", n)
	}
	counts, err := p.eval.EvaluateAll(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	p.logger.Info("evaluation cycle complete",
		"fired", counts[OutcomeFired], "unmet", counts[OutcomeUnmet],
		"deferred", counts[OutcomeDeferred], "skipped", counts[OutcomeSkipped], "errors", counts[OutcomeError])
	if p.stats != nil {
		if err := p.stats.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if ctx.Err() == nil {
		p.ready.Store(true)
	}
	return errors.Join(errs...)
}

// ReconcileCycle runs one reconciler pass.
func (p *Pipeline) ReconcileCycle(ctx context.Context) error {
	res, err := p.reconciler.Reconcile(ctx)
	if res.Checked > 0 {
		p.logger.Info("reconcile cycle complete", "checked", res.Checked, "anchored", res.Anchored, "failed", res.Failed)
	}
	return err
}
