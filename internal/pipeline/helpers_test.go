package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flood-trigger-service/internal/adapter/ledger"
	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

const (
	testBasin     = "Karnali"
	testStatement = "water-level[series 42] > 10"
)

var testNow = time.Date(2024, 7, 1, 10, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*store.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "triggers.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, clock
}

func ptr(f float64) *float64 { return &f }

func reading(typ domain.SeriesType, seriesID string, value float64) domain.Observation {
	return domain.Observation{
		Type: typ,
		Key:  seriesID,
		Payload: domain.NewAgencyPayload(domain.AgencyReading{
			SeriesID: seriesID, Name: "Station A", Value: ptr(value),
		}),
	}
}

func enable(t *testing.T, st *store.Store, basin string, kinds ...domain.SourceKind) {
	t.Helper()
	for _, k := range kinds {
		_, err := st.EnableSource(context.Background(), basin, k)
		require.NoError(t, err)
	}
}

func createTrigger(t *testing.T, st *store.Store, statement string) domain.Trigger {
	t.Helper()
	trg, err := st.CreateTrigger(context.Background(), domain.TriggerSpec{
		Basin: testBasin, RepeatKey: "monsoon", RepeatEvery: "daily",
		Statement: statement, Title: "Chisapani above warning",
	})
	require.NoError(t, err)
	return trg
}

func upsert(t *testing.T, st *store.Store, obs domain.Observation) {
	t.Helper()
	_, _, err := st.UpsertSeries(context.Background(), testBasin, obs)
	require.NoError(t, err)
}

func agencySettings(basins ...string) *settings.Provider {
	snap := &settings.Snapshot{
		Sources: map[domain.SourceKind]settings.Endpoint{
			domain.SourceAgency: {URL: "http://agency.test"},
		},
		Basins: map[string]map[domain.SourceKind]settings.BasinParams{},
	}
	for _, b := range basins {
		snap.Basins[b] = map[domain.SourceKind]settings.BasinParams{
			domain.SourceAgency: {Series: []settings.SeriesParam{{ID: "42", Type: domain.SeriesWaterLevel}}},
		}
	}
	return settings.NewStaticProvider(snap)
}

// --- fakes ---

// fakeFetcher serves canned observations per basin.
type fakeFetcher struct {
	mu    sync.Mutex
	obs   map[string][]domain.Observation
	errs  map[string]error
	block map[string]bool
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, basin string, _ domain.SourceKind, _ settings.Endpoint, _ settings.BasinParams) ([]domain.Observation, error) {
	f.mu.Lock()
	f.calls++
	obs, err, block := f.obs[basin], f.errs[basin], f.block[basin]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return obs, ctx.Err()
	}
	return obs, err
}

func (f *fakeFetcher) set(basin string, obs ...domain.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.obs == nil {
		f.obs = map[string][]domain.Observation{}
	}
	f.obs[basin] = obs
}

// fakePublisher fails the first failFirst calls.
type fakePublisher struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	msgs      []domain.ActivationMessage
}

func (p *fakePublisher) Publish(_ context.Context, msg domain.ActivationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failFirst {
		return errors.New("broker unavailable")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) published() []domain.ActivationMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ActivationMessage(nil), p.msgs...)
}

// fakeLedger records entries by idempotency key. The first failFirst
// submissions fail with failErr; when writeOnFail is set those failures
// happen after the entry was recorded, like a timed-out request.
type fakeLedger struct {
	mu          sync.Mutex
	failFirst   int
	failErr     error
	writeOnFail bool
	submits     int
	writes      int
	lookups     int
	entries     map[string]ledger.Receipt
}

func (l *fakeLedger) Submit(_ context.Context, e domain.LedgerEntry) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if l.entries == nil {
		l.entries = map[string]ledger.Receipt{}
	}
	fail := l.submits <= l.failFirst
	if fail && !l.writeOnFail {
		return ledger.Receipt{}, l.failErr
	}
	r, ok := l.entries[e.IdempotencyKey]
	if !ok {
		l.writes++
		r = ledger.Receipt{TxRef: "tx-" + e.ContentHash[:12], ContentHash: e.ContentHash}
		l.entries[e.IdempotencyKey] = r
	}
	if fail {
		return ledger.Receipt{}, l.failErr
	}
	return r, nil
}

func (l *fakeLedger) Lookup(_ context.Context, key string) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups++
	r, ok := l.entries[key]
	if !ok {
		return ledger.Receipt{}, ledger.ErrNotFound
	}
	return r, nil
}

func (l *fakeLedger) counts() (submits, writes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits, l.writes
}

// recordingEnqueuer collects firing decisions without dispatching them.
type recordingEnqueuer struct {
	mu   sync.Mutex
	reqs []domain.ActivationRequest
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, req domain.ActivationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func testMetrics() *observability.Metrics {
	return observability.NewMetricsForTesting()
}
