package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/flood-trigger-service/internal/adapter/http"
	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/stats"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockStats struct {
	snap stats.Snapshot
	err  error
}

func (m *mockStats) Snapshot(context.Context) (stats.Snapshot, error) { return m.snap, m.err }

func newTestServer(readyErr error, st httpadapter.StatsProvider) *httpadapter.Server {
	if st == nil {
		st = &mockStats{}
	}
	reg := prometheus.NewRegistry()
	observability.NewMetricsWith(reg).PipelineRunning.Set(1)
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, st, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serve(srv *httpadapter.Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := serve(newTestServer(nil, nil), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := serve(newTestServer(nil, nil), "/readyz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := serve(newTestServer(fmt.Errorf("pipeline has not completed an evaluation cycle yet"), nil), "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "pipeline has not completed an evaluation cycle yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(newTestServer(nil, nil), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flood_trigger_pipeline_running 1")
}

func TestStatsEndpoint(t *testing.T) {
	last := time.Date(2024, 7, 1, 10, 30, 0, 0, time.UTC)
	st := &mockStats{snap: stats.Snapshot{
		Activations:      2,
		ByStatus:         map[domain.ActivationStatus]int{domain.ActivationAnchored: 2},
		AnchoredRatio:    1,
		LastActivationAt: last,
	}}
	rec := serve(newTestServer(nil, st), "/stats")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Activations)
	assert.Equal(t, 2, body.ByStatus[domain.ActivationAnchored])
	assert.True(t, last.Equal(body.LastActivationAt))
}

func TestStatsEndpointError(t *testing.T) {
	rec := serve(newTestServer(nil, &mockStats{err: errors.New("database is locked")}), "/stats")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")
}
