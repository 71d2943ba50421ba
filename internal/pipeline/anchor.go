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

	"github.com/couchcryptid/flood-trigger-service/internal/adapter/ledger"
	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

// Ledger records activation proofs. Submit must be idempotent on the
// entry's idempotency key; Lookup returns ledger.ErrNotFound for unknown keys.
type Ledger interface {
	Submit(ctx context.Context, entry domain.LedgerEntry) (ledger.Receipt, error)
	Lookup(ctx context.Context, key string) (ledger.Receipt, error)
}

// AnchorOptions tunes ledger retries.
type AnchorOptions struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Anchor writes dispatched activations to the ledger and links the
// transaction reference back to the activation and its trigger.
type Anchor struct {
	store   *store.Store
	ledger  Ledger
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	opts    AnchorOptions
	queue   chan string
}

// NewAnchor creates an Anchor with a bounded queue of activation ids.
func NewAnchor(st *store.Store, l Ledger, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, opts AnchorOptions) *Anchor {
	opts.Workers = max(opts.Workers, 1)
	opts.QueueSize = max(opts.QueueSize, 1)
	opts.MaxAttempts = max(opts.MaxAttempts, 1)
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = max(30*time.Second, opts.BaseBackoff)
	}
	return &Anchor{
		store:   st,
		ledger:  l,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
		queue:   make(chan string, opts.QueueSize),
	}
}

// TryEnqueue schedules an activation for anchoring without blocking. It
// reports false when the queue is full; the reconciler picks those up once
// they are past its grace period.
func (a *Anchor) TryEnqueue(activationID string) bool {
	select {
	case a.queue <- activationID:
		return true
	default:
		return false
	}
}

// Run consumes the queue until ctx is cancelled.
func (a *Anchor) Run(ctx context.Context) error {
	a.logger.Info("anchor started", "workers", a.opts.Workers)
	var g errgroup.Group
	for range a.opts.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-a.queue:
					if _, err := a.AnchorActivation(ctx, id); err != nil && ctx.Err() == nil {
						a.logger.Error("anchoring failed", "activation_id", id, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// AnchorActivation submits the activation's ledger entry, retrying transient
// failures with exponential backoff. Before every retry the ledger is asked
// whether an earlier, timed-out attempt was recorded after all, so an
// unknown outcome never produces a second write. Exhausted or permanent
// failures mark the activation ANCHOR_FAILED; the dispatch stands.
func (a *Anchor) AnchorActivation(ctx context.Context, id string) (domain.ActivationRecord, error) {
	rec, err := a.store.GetActivation(ctx, id)
	if err != nil {
		return rec, err
	}
	switch rec.Status {
	case domain.ActivationAnchored:
		return rec, nil
	case domain.ActivationDispatched, domain.ActivationAnchorFailed:
	default:
		return rec, fmt.Errorf("%w: activation %s is %s", store.ErrStateConflict, id, rec.Status)
	}
	t, err := a.store.GetTrigger(ctx, rec.TriggerID)
	if err != nil {
		return rec, err
	}
	entry, err := domain.NewLedgerEntry(rec, t)
	if err != nil {
		return rec, fmt.Errorf("build ledger entry: %w", err)
	}
	log := a.logger.With("activation_id", rec.ID, "trigger_id", rec.TriggerID, "bucket", rec.Bucket)

	start := a.clock.Now()
	backoff := a.opts.BaseBackoff
	checkFirst := rec.AnchorAttempts > 0
	for attempt := 1; ; attempt++ {
		if checkFirst {
			if r, ok := a.lookup(ctx, entry.IdempotencyKey, log); ok {
				a.metrics.LedgerSubmissions.WithLabelValues("recovered").Inc()
				return a.settle(ctx, rec, r, entry, start, log)
			}
		}
		checkFirst = true

		attemptCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		r, submitErr := a.ledger.Submit(attemptCtx, entry)
		cancel()
		if submitErr == nil {
			a.metrics.LedgerSubmissions.WithLabelValues("anchored").Inc()
			return a.settle(ctx, rec, r, entry, start, log)
		}
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}

		log.Warn("ledger submission failed", "attempt", attempt, "error", submitErr)
		if rec, err = a.recordAttempt(ctx, rec, submitErr); err != nil {
			return rec, err
		}
		if !ledger.IsRetryable(submitErr) || attempt >= a.opts.MaxAttempts {
			return a.fail(ctx, rec, submitErr, log)
		}
		a.metrics.LedgerSubmissions.WithLabelValues("retry").Inc()
		if !sharedretry.SleepWithContext(ctx, backoff) {
			return rec, ctx.Err()
		}
		backoff = sharedretry.NextBackoff(backoff, a.opts.MaxBackoff)
	}
}

func (a *Anchor) recordAttempt(ctx context.Context, rec domain.ActivationRecord, cause error) (domain.ActivationRecord, error) {
	updated, err := a.store.RecordAnchorAttempt(ctx, rec.ID, cause.Error())
	if err != nil {
		return rec, fmt.Errorf("record anchor attempt: %w", err)
	}
	return updated, nil
}

// lookup reports whether the ledger already holds the key. Lookup failures
// are logged and treated as not found; Submit is idempotent anyway.
func (a *Anchor) lookup(ctx context.Context, key string, log *slog.Logger) (ledger.Receipt, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	r, err := a.ledger.Lookup(lookupCtx, key)
	if err == nil {
		return r, true
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		log.Warn("ledger lookup failed", "error", err)
	}
	return ledger.Receipt{}, false
}

func (a *Anchor) settle(ctx context.Context, rec domain.ActivationRecord, r ledger.Receipt, entry domain.LedgerEntry,
	start time.Time, log *slog.Logger) (domain.ActivationRecord, error) {
	anchored, err := a.store.MarkAnchored(ctx, rec.ID, r.TxRef, entry.ContentHash)
	if err != nil {
		return rec, fmt.Errorf("record anchor of %s: %w", rec.ID, err)
	}
	a.metrics.AnchorDuration.Observe(a.clock.Since(start).Seconds())
	log.Info("activation anchored", "tx_ref", r.TxRef)
	return anchored, nil
}

func (a *Anchor) fail(ctx context.Context, rec domain.ActivationRecord, cause error, log *slog.Logger) (domain.ActivationRecord, error) {
	failed, err := a.store.MarkAnchorFailed(ctx, rec.ID, cause.Error())
	if err != nil {
		return rec, fmt.Errorf("record anchor failure of %s: %w", rec.ID, err)
	}
	a.metrics.LedgerSubmissions.WithLabelValues("failed").Inc()
	log.Error("anchoring exhausted, operator action required", "attempts", failed.AnchorAttempts, "error", cause)
	return failed, fmt.Errorf("anchor %s: %w", rec.ID, cause)
}
