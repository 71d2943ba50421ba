package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

// ReconcileResult counts what one reconciliation pass did.
type ReconcileResult struct {
	Checked  int
	Anchored int
	Failed   int
}

// Reconciler re-anchors activations whose ledger write never completed. It
// never re-dispatches.
type Reconciler struct {
	store  *store.Store
	anchor *Anchor
	clock  clockwork.Clock
	logger *slog.Logger
	// grace keeps the reconciler away from DISPATCHED activations the anchor
	// workers are still handling.
	grace time.Duration
}

// NewReconciler creates a Reconciler.
func NewReconciler(st *store.Store, anchor *Anchor, clock clockwork.Clock, logger *slog.Logger, grace time.Duration) *Reconciler {
	return &Reconciler{store: st, anchor: anchor, clock: clock, logger: logger, grace: grace}
}

// Reconcile anchors every ANCHOR_FAILED activation and every DISPATCHED one
// that has not been touched for the grace period.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	recs, err := r.store.ListActivations(ctx, store.ActivationFilter{
		Statuses: []domain.ActivationStatus{domain.ActivationDispatched, domain.ActivationAnchorFailed},
	})
	if err != nil {
		return res, err
	}
	cutoff := r.clock.Now().Add(-r.grace)
	var errs []error
	for _, rec := range recs {
		if rec.Status == domain.ActivationDispatched && rec.UpdatedAt.After(cutoff) {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		r.logger.Info("reconciling activation", "activation_id", rec.ID, "status", rec.Status, "anchor_attempts", rec.AnchorAttempts)
		if _, err := r.anchor.AnchorActivation(ctx, rec.ID); err != nil {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		res.Anchored++
	}
	return res, errors.Join(errs...)
}
