package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flood-trigger-service/internal/adapter/ledger"
	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/pipeline"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

var errGatewayTimeout = errors.New("gateway timeout")

func newAnchor(st *store.Store, l pipeline.Ledger, clock clockwork.Clock, metrics *observability.Metrics) *pipeline.Anchor {
	return pipeline.NewAnchor(st, l, clock, discardLogger(), metrics, pipeline.AnchorOptions{
		Workers:     1,
		QueueSize:   4,
		Timeout:     time.Second,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
}

// dispatched returns an activation the queue has acknowledged.
func dispatched(t *testing.T, st *store.Store, clock clockwork.Clock) domain.ActivationRecord {
	t.Helper()
	_, req := fire(t, st, clock)
	rec, _, err := newDispatcher(st, &fakePublisher{}, clock, testMetrics()).Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.ActivationDispatched, rec.Status)
	return rec
}

func TestAnchor_RetriesWithoutDuplicateWrites(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	rec := dispatched(t, st, clock)
	l := &fakeLedger{failFirst: 2, failErr: errGatewayTimeout}
	metrics := testMetrics()

	got, err := newAnchor(st, l, clock, metrics).AnchorActivation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationAnchored, got.Status)
	assert.NotEmpty(t, got.TxRef)
	assert.NotEmpty(t, got.ContentHash)
	assert.Equal(t, 2, got.AnchorAttempts)

	submits, writes := l.counts()
	assert.Equal(t, 3, submits)
	assert.Equal(t, 1, writes)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LedgerSubmissions.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerSubmissions.WithLabelValues("anchored")))

	trg, err := st.GetTrigger(ctx, rec.TriggerID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnchored, trg.State)
	assert.Equal(t, got.TxRef, trg.TxRef)
	assert.Equal(t, 2, trg.AnchorAttempts)
}

func TestAnchor_UnknownOutcomeIsRecoveredByLookup(t *testing.T) {
	st, clock := newTestStore(t)
	rec := dispatched(t, st, clock)
	l := &fakeLedger{failFirst: 1, failErr: context.DeadlineExceeded, writeOnFail: true}
	metrics := testMetrics()

	got, err := newAnchor(st, l, clock, metrics).AnchorActivation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationAnchored, got.Status)

	submits, writes := l.counts()
	assert.Equal(t, 1, submits, "the lookup finds the timed-out write, so nothing is resubmitted")
	assert.Equal(t, 1, writes)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerSubmissions.WithLabelValues("recovered")))
}

func TestAnchor_AlreadyAnchoredIsNoop(t *testing.T) {
	st, clock := newTestStore(t)
	rec := dispatched(t, st, clock)
	l := &fakeLedger{}
	a := newAnchor(st, l, clock, testMetrics())

	first, err := a.AnchorActivation(context.Background(), rec.ID)
	require.NoError(t, err)
	second, err := a.AnchorActivation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TxRef, second.TxRef)
	submits, _ := l.counts()
	assert.Equal(t, 1, submits)
}

func TestAnchor_FailuresSurfaceOnTrigger(t *testing.T) {
	tests := []struct {
		name         string
		failErr      error
		wantAttempts int
	}{
		{name: "permanent", failErr: fmt.Errorf("%w: status 400", ledger.ErrPermanent), wantAttempts: 1},
		{name: "exhausted", failErr: errGatewayTimeout, wantAttempts: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, clock := newTestStore(t)
			ctx := context.Background()
			rec := dispatched(t, st, clock)
			l := &fakeLedger{failFirst: 10, failErr: tt.failErr}

			got, err := newAnchor(st, l, clock, testMetrics()).AnchorActivation(ctx, rec.ID)
			require.ErrorIs(t, err, tt.failErr)
			assert.Equal(t, domain.ActivationAnchorFailed, got.Status)
			assert.Equal(t, tt.wantAttempts, got.AnchorAttempts)

			trg, err := st.GetTrigger(ctx, rec.TriggerID)
			require.NoError(t, err)
			assert.Equal(t, domain.StateActivationFailed, trg.State)
			assert.Contains(t, trg.LastError, tt.failErr.Error())
		})
	}
}

func TestReconciler_ReanchorsFailedActivations(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	rec := dispatched(t, st, clock)
	l := &fakeLedger{failFirst: 1, failErr: fmt.Errorf("%w: status 400", ledger.ErrPermanent)}
	a := newAnchor(st, l, clock, testMetrics())

	_, err := a.AnchorActivation(ctx, rec.ID)
	require.Error(t, err)

	res, err := pipeline.NewReconciler(st, a, clock, discardLogger(), time.Minute).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ReconcileResult{Checked: 1, Anchored: 1}, res)

	got, err := st.GetActivation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationAnchored, got.Status)
	assert.Equal(t, 1, got.DispatchAttempts, "reconciling never re-dispatches")

	trg, err := st.GetTrigger(ctx, rec.TriggerID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnchored, trg.State)
	_, writes := l.counts()
	assert.Equal(t, 1, writes)
}

func TestReconciler_WaitsOutGraceForDispatched(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	rec := dispatched(t, st, clock)
	r := pipeline.NewReconciler(st, newAnchor(st, &fakeLedger{}, clock, testMetrics()), clock, discardLogger(), 5*time.Minute)

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Checked, "fresh dispatches belong to the anchor workers")

	clock.Advance(6 * time.Minute)
	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Anchored)

	got, err := st.GetActivation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationAnchored, got.Status)
}
