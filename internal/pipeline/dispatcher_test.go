package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/pipeline"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

func newDispatcher(st *store.Store, pub pipeline.Publisher, clock clockwork.Clock, metrics *observability.Metrics) *pipeline.Dispatcher {
	return pipeline.NewDispatcher(st, pub, nil, clock, discardLogger(), metrics, pipeline.DispatcherOptions{
		Workers:     2,
		QueueSize:   8,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
}

// fire evaluates the scenario trigger against a 15.0 reading and returns the
// firing decision.
func fire(t *testing.T, st *store.Store, clock clockwork.Clock) (domain.Trigger, domain.ActivationRequest) {
	t.Helper()
	enable(t, st, testBasin, domain.SourceAgency)
	trg := createTrigger(t, st, testStatement)
	upsert(t, st, reading(domain.SeriesWaterLevel, "42", 15.0))
	enq := &recordingEnqueuer{}
	outcome, err := newEvaluator(st, enq, clock).Evaluate(context.Background(), trg)
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFired, outcome)
	require.Len(t, enq.reqs, 1)
	return trg, enq.reqs[0]
}

func TestDispatcher_ExactlyOneActivationPerKey(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	trg, req := fire(t, st, clock)
	pub := &fakePublisher{}
	metrics := testMetrics()
	d := newDispatcher(st, pub, clock, metrics)

	rec, created, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.ActivationDispatched, rec.Status)
	assert.Equal(t, domain.ActorSystem, rec.Actor)

	again, created, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)

	recs, err := st.ListActivations(ctx, store.ActivationFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, req.Key.String(), msgs[0].IdempotencyKey)
	assert.Equal(t, "Chisapani above warning", msgs[0].Title)

	got, err := st.GetTrigger(ctx, trg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActivated, got.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActivationsDispatched.WithLabelValues("system")))
}

func TestDispatcher_ConcurrentDispatchIsDeduplicated(t *testing.T) {
	st, clock := newTestStore(t)
	_, req := fire(t, st, clock)
	pub := &fakePublisher{}
	d := newDispatcher(st, pub, clock, testMetrics())

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := d.Dispatch(context.Background(), req)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[rec.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Len(t, pub.published(), 1)
}

func TestDispatcher_ExhaustedPublishReturnsTriggerForSweep(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	trg, req := fire(t, st, clock)
	pub := &fakePublisher{failFirst: 3}
	metrics := testMetrics()
	d := newDispatcher(st, pub, clock, metrics)

	rec, created, err := d.Dispatch(ctx, req)
	require.Error(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.ActivationDispatchFailed, rec.Status)
	assert.Equal(t, 3, rec.DispatchAttempts)
	assert.Contains(t, rec.LastError, "broker unavailable")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DispatchFailures))

	got, err := st.GetTrigger(ctx, trg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTriggered, got.State)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	n, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		got, err := st.GetTrigger(ctx, trg.ID)
		return err == nil && got.State == domain.StateActivated
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recs, err := st.ListActivations(ctx, store.ActivationFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	statuses := []domain.ActivationStatus{recs[0].Status, recs[1].Status}
	assert.ElementsMatch(t, []domain.ActivationStatus{domain.ActivationDispatchFailed, domain.ActivationDispatched}, statuses)
	assert.Len(t, pub.published(), 1)
}

func TestDispatcher_ActivateManually(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	enable(t, st, testBasin, domain.SourceAgency)
	trg := createTrigger(t, st, testStatement)
	pub := &fakePublisher{}
	d := newDispatcher(st, pub, clock, testMetrics())
	docs := []domain.Document{{Name: "bulletin", URL: "https://example.org/bulletin.pdf"}}

	rec, created, err := d.ActivateManually(ctx, trg.ID, "ops@example.org", docs, "forecast upgraded")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.ActorManual, rec.Actor)
	assert.Equal(t, "ops@example.org", rec.ActorID)
	assert.Equal(t, "daily:2024-07-01", rec.Bucket)
	assert.Equal(t, domain.ActivationDispatched, rec.Status)

	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, docs, msgs[0].Documents)
	assert.Equal(t, "forecast upgraded", msgs[0].Notes)

	_, created, err = d.ActivateManually(ctx, trg.ID, "someone-else", nil, "")
	require.NoError(t, err)
	assert.False(t, created, "a second manual activation in the same bucket is a no-op")
	assert.Len(t, pub.published(), 1)
}

func TestDispatcher_ActivateManuallyRejectsDeletedTrigger(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	enable(t, st, testBasin, domain.SourceAgency)
	trg := createTrigger(t, st, testStatement)
	require.NoError(t, st.SoftDeleteTrigger(ctx, trg.ID, "ops@example.org"))

	_, _, err := newDispatcher(st, &fakePublisher{}, clock, testMetrics()).ActivateManually(ctx, trg.ID, "ops@example.org", nil, "")
	require.ErrorIs(t, err, store.ErrStateConflict)
}

func TestDispatcher_RecoverRepublishesQueued(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	_, req := fire(t, st, clock)

	// Reserved but never acknowledged, as after a crash.
	queued, created, err := st.ReserveActivation(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	pub := &fakePublisher{}
	n, err := newDispatcher(st, pub, clock, testMetrics()).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetActivation(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationDispatched, got.Status)
	assert.Len(t, pub.published(), 1)
}

func TestDispatcher_RecoverDoesNotWaitOnFullAnchorQueue(t *testing.T) {
	st, clock := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	enable(t, st, testBasin, domain.SourceAgency)
	upsert(t, st, reading(domain.SeriesWaterLevel, "42", 15.0))

	// Three reservations left QUEUED, with no anchor workers running.
	for _, key := range []string{"monsoon-a", "monsoon-b", "monsoon-c"} {
		trg, err := st.CreateTrigger(ctx, domain.TriggerSpec{
			Basin: testBasin, RepeatKey: key, RepeatEvery: "daily",
			Statement: testStatement, Title: "Chisapani above warning",
		})
		require.NoError(t, err)
		enq := &recordingEnqueuer{}
		outcome, err := newEvaluator(st, enq, clock).Evaluate(ctx, trg)
		require.NoError(t, err)
		require.Equal(t, pipeline.OutcomeFired, outcome)
		_, created, err := st.ReserveActivation(ctx, enq.reqs[0])
		require.NoError(t, err)
		require.True(t, created)
	}

	l := &fakeLedger{}
	anchor := pipeline.NewAnchor(st, l, clock, discardLogger(), testMetrics(), pipeline.AnchorOptions{QueueSize: 1})
	d := pipeline.NewDispatcher(st, &fakePublisher{}, anchor, clock, discardLogger(), testMetrics(), pipeline.DispatcherOptions{
		MaxAttempts: 1,
	})

	n, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Activations that did not fit in the anchor queue are reconciled.
	clock.Advance(time.Minute)
	res, err := pipeline.NewReconciler(st, anchor, clock, discardLogger(), 0).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Anchored)
	_, writes := l.counts()
	assert.Equal(t, 3, writes)
}
