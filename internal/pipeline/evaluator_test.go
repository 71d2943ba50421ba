package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/pipeline"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

func newEvaluator(st *store.Store, enq pipeline.Enqueuer, clock clockwork.Clock) *pipeline.Evaluator {
	return pipeline.NewEvaluator(st, enq, clock, discardLogger(), testMetrics(), 6*time.Hour)
}

func TestEvaluator_FiresWhenConditionHolds(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	enable(t, st, testBasin, domain.SourceAgency)
	trg := createTrigger(t, st, testStatement)
	upsert(t, st, reading(domain.SeriesWaterLevel, "42", 15.0))
	enq := &recordingEnqueuer{}

	outcome, err := newEvaluator(st, enq, clock).Evaluate(ctx, trg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeFired, outcome)

	got, err := st.GetTrigger(ctx, trg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTriggered, got.State)
	assert.Equal(t, "daily:2024-07-01", got.Bucket)
	assert.True(t, got.IsTriggered)

	require.Len(t, enq.reqs, 1)
	assert.Equal(t, domain.ActivationKey{TriggerID: trg.ID, RepeatKey: "monsoon", Bucket: "daily:2024-07-01"}, enq.reqs[0].Key)
	assert.Equal(t, domain.ActorSystem, enq.reqs[0].Actor)
}

func TestEvaluator_Outcomes(t *testing.T) {
	tests := []struct {
		name  string
		value *float64
		age   time.Duration
		want  pipeline.Outcome
	}{
		{name: "below threshold", value: ptr(9.5), want: pipeline.OutcomeUnmet},
		{name: "no record", want: pipeline.OutcomeDeferred},
		{name: "stale record", value: ptr(15), age: 7 * time.Hour, want: pipeline.OutcomeDeferred},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, clock := newTestStore(t)
			ctx := context.Background()
			enable(t, st, testBasin, domain.SourceAgency)
			trg := createTrigger(t, st, testStatement)
			if tt.value != nil {
				upsert(t, st, reading(domain.SeriesWaterLevel, "42", *tt.value))
			}
			clock.Advance(tt.age)
			enq := &recordingEnqueuer{}

			outcome, err := newEvaluator(st, enq, clock).Evaluate(ctx, trg)
			require.NoError(t, err, "missing or stale data is not an error")
			assert.Equal(t, tt.want, outcome)
			assert.Empty(t, enq.reqs)

			got, err := st.GetTrigger(ctx, trg.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatePending, got.State)
		})
	}
}

func TestEvaluator_FiresOncePerBucket(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	enable(t, st, testBasin, domain.SourceAgency)
	createTrigger(t, st, testStatement)
	upsert(t, st, reading(domain.SeriesWaterLevel, "42", 15.0))
	enq := &recordingEnqueuer{}
	e := newEvaluator(st, enq, clock)

	counts, err := e.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[pipeline.OutcomeFired])

	counts, err = e.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[pipeline.OutcomeSkipped])
	assert.Len(t, enq.reqs, 1)
}

func TestEvaluator_RestartsSettledTriggerInNextBucket(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	enable(t, st, testBasin, domain.SourceAgency)
	trg := createTrigger(t, st, testStatement)
	upsert(t, st, reading(domain.SeriesWaterLevel, "42", 15.0))
	enq := &recordingEnqueuer{}
	e := newEvaluator(st, enq, clock)

	_, err := e.Evaluate(ctx, trg)
	require.NoError(t, err)
	rec, created, err := st.ReserveActivation(ctx, enq.reqs[0])
	require.NoError(t, err)
	require.True(t, created)
	_, err = st.MarkDispatched(ctx, rec.ID)
	require.NoError(t, err)
	_, err = st.MarkAnchored(ctx, rec.ID, "tx-1", "hash")
	require.NoError(t, err)

	// Still anchored within the same day.
	trg, err = st.GetTrigger(ctx, trg.ID)
	require.NoError(t, err)
	outcome, err := e.Evaluate(ctx, trg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSkipped, outcome)

	clock.Advance(24 * time.Hour)
	upsert(t, st, reading(domain.SeriesWaterLevel, "42", 16.0))
	trg, err = st.GetTrigger(ctx, trg.ID)
	require.NoError(t, err)
	outcome, err = e.Evaluate(ctx, trg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeFired, outcome)

	got, err := st.GetTrigger(ctx, trg.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily:2024-07-02", got.Bucket)
	assert.Equal(t, domain.StateTriggered, got.State)
	assert.Empty(t, got.TxRef, "restart clears the previous bucket's reference")
	require.Len(t, enq.reqs, 2)
	assert.Equal(t, "daily:2024-07-02", enq.reqs[1].Key.Bucket)
}

func TestEvaluator_SkipsDeleted(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	enable(t, st, testBasin, domain.SourceAgency)
	trg := createTrigger(t, st, testStatement)
	upsert(t, st, reading(domain.SeriesWaterLevel, "42", 15.0))
	require.NoError(t, st.SoftDeleteTrigger(ctx, trg.ID, "ops@example.org"))

	enq := &recordingEnqueuer{}
	counts, err := newEvaluator(st, enq, clock).EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[pipeline.OutcomeFired])
	assert.Empty(t, enq.reqs)
}
