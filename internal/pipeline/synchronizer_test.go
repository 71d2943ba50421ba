package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/pipeline"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

func newSynchronizer(t *testing.T, st *store.Store, f pipeline.Fetcher, sp *settings.Provider, metrics *observability.Metrics) *pipeline.Synchronizer {
	t.Helper()
	return pipeline.NewSynchronizer(st, f, sp, clockwork.NewRealClock(), discardLogger(), metrics, 50*time.Millisecond, 4)
}

func TestSynchronizer_IdempotentUpsert(t *testing.T) {
	st, _ := newTestStore(t)
	enable(t, st, testBasin, domain.SourceAgency)
	f := &fakeFetcher{}
	metrics := testMetrics()
	s := newSynchronizer(t, st, f, agencySettings(testBasin), metrics)
	ctx := context.Background()

	f.set(testBasin, reading(domain.SeriesRainfall, "42", 12.5))
	res, err := s.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	f.set(testBasin, reading(domain.SeriesRainfall, "42", 15.0))
	res, err = s.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)

	recs, err := st.ListSeries(ctx, testBasin)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 15.0, *recs[0].Payload.Agency.Value)
	assert.Equal(t, "Station A", recs[0].Payload.Name())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SeriesUpserts.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SeriesUpserts.WithLabelValues("merged")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SyncFetches.WithLabelValues("agency", "success")))
}

func TestSynchronizer_FailuresAreIsolatedPerUnit(t *testing.T) {
	st, _ := newTestStore(t)
	enable(t, st, testBasin, domain.SourceAgency)
	enable(t, st, "Koshi", domain.SourceAgency)
	f := &fakeFetcher{errs: map[string]error{"Koshi": errors.New("connection refused")}}
	f.set(testBasin, reading(domain.SeriesWaterLevel, "42", 9))
	metrics := testMetrics()
	s := newSynchronizer(t, st, f, agencySettings(testBasin, "Koshi"), metrics)

	res, err := s.SyncAll(context.Background())
	require.NoError(t, err, "fetch failures are logged, not returned")
	assert.Equal(t, 2, res.Units)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SyncFetches.WithLabelValues("agency", "error")))

	_, err = st.LatestSeries(context.Background(), testBasin, domain.SeriesWaterLevel, "42")
	require.NoError(t, err)
}

func TestSynchronizer_PartialFetchIsApplied(t *testing.T) {
	st, _ := newTestStore(t)
	enable(t, st, testBasin, domain.SourceAgency)
	f := &fakeFetcher{errs: map[string]error{testBasin: errors.New("agency rainfall 7: status 502")}}
	f.set(testBasin, reading(domain.SeriesWaterLevel, "42", 9))
	s := newSynchronizer(t, st, f, agencySettings(testBasin), testMetrics())

	res, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Created)
}

func TestSynchronizer_TimedOutFetchWritesNothing(t *testing.T) {
	st, _ := newTestStore(t)
	enable(t, st, testBasin, domain.SourceAgency)
	f := &fakeFetcher{block: map[string]bool{testBasin: true}}
	f.set(testBasin, reading(domain.SeriesWaterLevel, "42", 9))
	s := newSynchronizer(t, st, f, agencySettings(testBasin), testMetrics())

	res, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	recs, err := st.ListSeries(context.Background(), testBasin)
	require.NoError(t, err)
	assert.Empty(t, recs, "observations returned alongside a timeout are discarded")
}

func TestSynchronizer_SkipsUnitsWithoutSettings(t *testing.T) {
	st, _ := newTestStore(t)
	enable(t, st, testBasin, domain.SourceAgency, domain.SourceGlobal)
	f := &fakeFetcher{}
	s := newSynchronizer(t, st, f, agencySettings(testBasin), testMetrics())

	res, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Units)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, f.calls)
}

func TestSynchronizer_DivergedAndRejected(t *testing.T) {
	st, _ := newTestStore(t)
	enable(t, st, testBasin, domain.SourceAgency)
	f := &fakeFetcher{}
	s := newSynchronizer(t, st, f, agencySettings(testBasin), testMetrics())
	ctx := context.Background()

	f.set(testBasin, reading(domain.SeriesWaterLevel, "42", 9))
	_, err := s.SyncAll(ctx)
	require.NoError(t, err)

	moved := reading(domain.SeriesWaterLevel, "42-b", 11)
	moved.Key = "42"
	bad := domain.Observation{Type: domain.SeriesDischarge, Key: "ST-9", Payload: domain.NewAgencyPayload(domain.AgencyReading{SeriesID: "ST-9"})}
	f.set(testBasin, moved, bad)
	res, err := s.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Diverged)
	assert.Equal(t, 1, res.Rejected)

	recs, err := st.ListSeries(ctx, testBasin)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "the diverged record is created beside the old one")
}
