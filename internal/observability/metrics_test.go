package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsWith_RegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.PipelineRunning.Set(1)
	m.SyncFetches.WithLabelValues("agency", "success").Inc()
	m.LedgerSubmissions.WithLabelValues("anchored").Inc()

	n, err := testutil.GatherAndCount(reg, "flood_trigger_pipeline_running", "flood_trigger_sync_fetches_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Panics(t, func() { NewMetricsWith(reg) }, "registering twice must fail loudly")
}

func TestNewMetricsForTesting_IsUnregistered(t *testing.T) {
	a, b := NewMetricsForTesting(), NewMetricsForTesting()
	a.DispatchFailures.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.DispatchFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DispatchFailures))
}
