package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

// Publisher delivers activation messages to downstream consumers. A nil
// error means the queue acknowledged persistence.
type Publisher interface {
	Publish(ctx context.Context, msg domain.ActivationMessage) error
}

// DispatcherOptions tunes the dispatcher worker pool.
type DispatcherOptions struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Dispatcher turns firing decisions into deduplicated queue hand-offs. The
// dedup check-and-set happens in the store, so any number of workers or
// processes may dispatch the same key safely.
type Dispatcher struct {
	store     *store.Store
	publisher Publisher
	anchor    *Anchor
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	opts      DispatcherOptions
	queue     chan domain.ActivationRequest
}

// NewDispatcher creates a Dispatcher with a bounded request queue.
func NewDispatcher(st *store.Store, pub Publisher, anchor *Anchor, clock clockwork.Clock, logger *slog.Logger,
	metrics *observability.Metrics, opts DispatcherOptions) *Dispatcher {
	opts.Workers = max(opts.Workers, 1)
	opts.QueueSize = max(opts.QueueSize, 1)
	opts.MaxAttempts = max(opts.MaxAttempts, 1)
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = max(5*time.Second, opts.BaseBackoff)
	}
	return &Dispatcher{
		store:     st,
		publisher: pub,
		anchor:    anchor,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
		queue:     make(chan domain.ActivationRequest, opts.QueueSize),
	}
}

// Enqueue hands a request to the worker pool, blocking while the queue is
// full.
func (d *Dispatcher) Enqueue(ctx context.Context, req domain.ActivationRequest) error {
	select {
	case d.queue <- req:
		d.metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "workers", d.opts.Workers, "queue_size", d.opts.QueueSize)
	var g errgroup.Group
	for range d.opts.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case req := <-d.queue:
					d.metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
					if _, _, err := d.Dispatch(ctx, req); err != nil && ctx.Err() == nil {
						d.logger.Error("dispatch failed", "trigger_id", req.Key.TriggerID, "bucket", req.Key.Bucket, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Dispatch reserves the activation key and publishes the activation. When a
// non-failed activation already holds the key it is returned unchanged with
// created set to false and nothing is published.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.ActivationRequest) (domain.ActivationRecord, bool, error) {
	rec, created, err := d.store.ReserveActivation(ctx, req)
	if err != nil {
		return rec, false, err
	}
	if !created {
		d.logger.Debug("activation already exists", "activation_id", rec.ID, "status", rec.Status)
		return rec, false, nil
	}
	rec, err = d.publish(ctx, rec)
	return rec, true, err
}

// publish delivers a QUEUED activation with bounded retries. Exhausting the
// attempts frees the key and returns the trigger to TRIGGERED.
func (d *Dispatcher) publish(ctx context.Context, rec domain.ActivationRecord) (domain.ActivationRecord, error) {
	log := d.logger.With("activation_id", rec.ID, "trigger_id", rec.TriggerID, "bucket", rec.Bucket)
	t, err := d.store.GetTrigger(ctx, rec.TriggerID)
	if err != nil {
		return rec, err
	}
	msg := domain.NewActivationMessage(rec, t)

	backoff := d.opts.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		lastErr = d.publisher.Publish(ctx, msg)
		if lastErr == nil {
			dispatched, err := d.store.MarkDispatched(ctx, rec.ID)
			if err != nil {
				return rec, fmt.Errorf("record dispatch of %s: %w", rec.ID, err)
			}
			d.metrics.ActivationsDispatched.WithLabelValues(string(rec.Actor)).Inc()
			log.Info("activation dispatched", "actor", rec.Actor, "attempt", attempt)
			if d.anchor != nil && !d.anchor.TryEnqueue(dispatched.ID) {
				log.Warn("anchor queue full, reconciler will anchor")
			}
			return dispatched, nil
		}
		if ctx.Err() != nil {
			// Left QUEUED; Recover republishes it on the next start.
			return rec, ctx.Err()
		}
		log.Warn("publish failed", "attempt", attempt, "error", lastErr)
		if err := d.store.RecordDispatchAttempt(ctx, rec.ID, lastErr.Error()); err != nil {
			return rec, err
		}
		if attempt == d.opts.MaxAttempts {
			break
		}
		if !sharedretry.SleepWithContext(ctx, backoff) {
			return rec, ctx.Err()
		}
		backoff = sharedretry.NextBackoff(backoff, d.opts.MaxBackoff)
	}

	failed, err := d.store.MarkDispatchFailed(ctx, rec.ID, lastErr.Error())
	if err != nil {
		return rec, err
	}
	d.metrics.DispatchFailures.Inc()
	return failed, fmt.Errorf("dispatch %s: attempts exhausted: %w", rec.ID, lastErr)
}

// ActivateManually fires a trigger on an operator's behalf in the current
// cadence bucket, through the same dedup path as automatic firing.
func (d *Dispatcher) ActivateManually(ctx context.Context, triggerID, actorID string, docs []domain.Document, notes string) (domain.ActivationRecord, bool, error) {
	t, err := d.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return domain.ActivationRecord{}, false, err
	}
	if t.IsDeleted {
		return domain.ActivationRecord{}, false, fmt.Errorf("%w: trigger %s is deleted", store.ErrStateConflict, t.ID)
	}
	cadence, err := t.Cadence()
	if err != nil {
		return domain.ActivationRecord{}, false, err
	}
	req := domain.ActivationRequest{
		Key:       domain.ActivationKey{TriggerID: t.ID, RepeatKey: t.RepeatKey, Bucket: cadence.Bucket(d.clock.Now())},
		Actor:     domain.ActorManual,
		ActorID:   actorID,
		Documents: docs,
		Notes:     notes,
	}
	return d.Dispatch(ctx, req)
}

// Sweep enqueues every TRIGGERED trigger. These are firing decisions whose
// dispatch never started or whose previous dispatch was exhausted; the
// previous attempt's actor, documents and notes are carried over.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	triggers, err := d.store.ListTriggers(ctx, store.TriggerFilter{States: []domain.TriggerState{domain.StateTriggered}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range triggers {
		req := domain.ActivationRequest{Key: t.ActivationKey(), Actor: domain.ActorSystem}
		prev, err := d.store.LastFailedActivation(ctx, req.Key)
		switch {
		case err == nil:
			req.Actor, req.ActorID, req.Documents, req.Notes = prev.Actor, prev.ActorID, prev.Documents, prev.Notes
		case !errors.Is(err, store.ErrNotFound):
			return n, err
		}
		if err := d.Enqueue(ctx, req); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Recover republishes activations left QUEUED by a crash between
// reservation and acknowledgement. Consumers dedupe on the idempotency key,
// so a message that did reach the queue is harmless to repeat. It must run
// before the workers start.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	queued, err := d.store.ListActivations(ctx, store.ActivationFilter{Statuses: []domain.ActivationStatus{domain.ActivationQueued}})
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, rec := range queued {
		d.logger.Info("recovering queued activation", "activation_id", rec.ID, "trigger_id", rec.TriggerID)
		if _, err := d.publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return len(queued), errors.Join(errs...)
}
