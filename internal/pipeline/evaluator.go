package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

// Outcome is the result of evaluating one trigger.
type Outcome string

const (
	OutcomeFired    Outcome = "fired"
	OutcomeUnmet    Outcome = "unmet"
	OutcomeDeferred Outcome = "deferred"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeError    Outcome = "error"
)

// Enqueuer accepts firing decisions for dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.ActivationRequest) error
}

// Evaluator checks PENDING triggers against the latest series records.
type Evaluator struct {
	store     *store.Store
	enqueuer  Enqueuer
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	freshness time.Duration
}

// NewEvaluator creates an Evaluator. Series observed longer than freshness
// ago count as missing.
func NewEvaluator(st *store.Store, enq Enqueuer, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, freshness time.Duration) *Evaluator {
	return &Evaluator{
		store:     st,
		enqueuer:  enq,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		freshness: freshness,
	}
}

// EvaluateAll evaluates every non-deleted trigger once. Per-trigger errors
// are logged and joined; they do not stop the pass.
func (e *Evaluator) EvaluateAll(ctx context.Context) (map[Outcome]int, error) {
	triggers, err := e.store.ListTriggers(ctx, store.TriggerFilter{})
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	counts := make(map[Outcome]int)
	var errs []error
	for _, t := range triggers {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		outcome, err := e.Evaluate(ctx, t)
		counts[outcome]++
		e.metrics.Evaluations.WithLabelValues(string(outcome)).Inc()
		if err != nil {
			e.logger.Error("trigger evaluation failed", "trigger_id", t.ID, "basin", t.Basin, "error", err)
			errs = append(errs, err)
		}
	}
	return counts, errors.Join(errs...)
}

// Evaluate moves the trigger into the current cadence bucket if needed and,
// when it is PENDING and its condition holds, marks it TRIGGERED and hands
// it to the dispatcher. Missing or stale data defers the decision and is not
// an error.
func (e *Evaluator) Evaluate(ctx context.Context, t domain.Trigger) (Outcome, error) {
	if t.IsDeleted {
		return OutcomeSkipped, nil
	}
	cadence, err := t.Cadence()
	if err != nil {
		return OutcomeError, fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	bucket := cadence.Bucket(e.clock.Now())
	log := e.logger.With("trigger_id", t.ID, "repeat_key", t.RepeatKey, "bucket", bucket)

	if t.NeedsRestart(bucket) {
		if _, err := e.store.RestartTrigger(ctx, t.ID, bucket); err != nil {
			return OutcomeError, fmt.Errorf("restart trigger %s: %w", t.ID, err)
		}
		if t, err = e.store.GetTrigger(ctx, t.ID); err != nil {
			return OutcomeError, err
		}
		log.Debug("trigger entered new bucket")
	}
	if t.State != domain.StatePending || t.Bucket != bucket {
		return OutcomeSkipped, nil
	}

	stmt, err := domain.ParseStatement(t.Statement)
	if err != nil {
		return OutcomeError, fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	payloads, err := e.loadSeries(ctx, t.Basin, stmt.Refs())
	if err != nil {
		return OutcomeError, err
	}
	met, err := stmt.Eval(func(ref domain.SeriesRef) (domain.Payload, bool) {
		p, ok := payloads[seriesKey(ref)]
		return p, ok
	})
	switch {
	case errors.Is(err, domain.ErrMissingData):
		log.Debug("evaluation deferred", "reason", err)
		return OutcomeDeferred, nil
	case err != nil:
		return OutcomeError, fmt.Errorf("trigger %s: %w", t.ID, err)
	case !met:
		return OutcomeUnmet, nil
	}

	if _, err := e.store.MarkTriggered(ctx, t.ID, bucket); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return OutcomeSkipped, nil
		}
		return OutcomeError, err
	}
	log.Info("trigger condition met", "basin", t.Basin, "statement", stmt.String())

	req := domain.ActivationRequest{
		Key:   domain.ActivationKey{TriggerID: t.ID, RepeatKey: t.RepeatKey, Bucket: bucket},
		Actor: domain.ActorSystem,
	}
	if err := e.enqueuer.Enqueue(ctx, req); err != nil {
		// The trigger stays TRIGGERED; the next dispatcher sweep picks it up.
		log.Warn("enqueue activation failed", "error", err)
	}
	return OutcomeFired, nil
}

// loadSeries reads every referenced series up front. Records older than the
// freshness window are left out so the statement sees them as missing.
func (e *Evaluator) loadSeries(ctx context.Context, basin string, refs []domain.SeriesRef) (map[string]domain.Payload, error) {
	payloads := make(map[string]domain.Payload, len(refs))
	for _, ref := range refs {
		rec, err := e.store.LatestSeries(ctx, basin, ref.Type, ref.SeriesID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load series %s: %w", ref, err)
		}
		if e.freshness > 0 && e.clock.Since(rec.ObservedAt()) > e.freshness {
			e.logger.Debug("series is stale", "basin", basin, "series_type", ref.Type, "series_id", ref.SeriesID,
				"observed_at", rec.ObservedAt())
			continue
		}
		payloads[seriesKey(ref)] = rec.Payload
	}
	return payloads, nil
}

func seriesKey(ref domain.SeriesRef) string {
	return string(ref.Type) + "|" + ref.SeriesID
}
