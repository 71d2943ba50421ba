package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultBroker = "localhost:9092"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{defaultBroker}, cfg.KafkaBrokers)
	assert.Equal(t, "trigger-activations", cfg.KafkaActivationTopic)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "data/triggers.db", cfg.DatabasePath)
	assert.Equal(t, "settings.yaml", cfg.SettingsPath)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 30*time.Second, cfg.SyncTimeout)
	assert.Equal(t, 4, cfg.SyncConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.EvalInterval)
	assert.Equal(t, 24*time.Hour, cfg.SeriesFreshness)
	assert.Equal(t, 2, cfg.DispatchWorkers)
	assert.Equal(t, 64, cfg.DispatchQueueSize)
	assert.Equal(t, 5, cfg.DispatchMaxAttempts)
	assert.Equal(t, 1000, cfg.GaugeCacheSize)
	assert.Equal(t, LedgerFile, cfg.LedgerBackend)
	assert.Equal(t, "data/ledger.jsonl", cfg.LedgerFile)
	assert.Empty(t, cfg.LedgerURL)
	assert.Equal(t, 10*time.Second, cfg.LedgerTimeout)
	assert.Equal(t, 5, cfg.LedgerMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.LedgerBaseBackoff)
	assert.Equal(t, 64, cfg.AnchorQueueSize)
	assert.Equal(t, 10*time.Minute, cfg.ReconcileInterval)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
	t.Setenv("KAFKA_ACTIVATION_TOPIC", "custom-activations")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("DATABASE_PATH", "/var/lib/triggers.db")
	t.Setenv("SYNC_INTERVAL", "1h")
	t.Setenv("SYNC_CONCURRENCY", "8")
	t.Setenv("SERIES_FRESHNESS", "6h")
	t.Setenv("DISPATCH_QUEUE_SIZE", "128")
	t.Setenv("LEDGER_BACKEND", "http")
	t.Setenv("LEDGER_URL", "https://ledger.example.org")
	t.Setenv("LEDGER_TOKEN", "secret")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "3")
	t.Setenv("ANCHOR_QUEUE_SIZE", "16")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-activations", cfg.KafkaActivationTopic)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/var/lib/triggers.db", cfg.DatabasePath)
	assert.Equal(t, time.Hour, cfg.SyncInterval)
	assert.Equal(t, 8, cfg.SyncConcurrency)
	assert.Equal(t, 6*time.Hour, cfg.SeriesFreshness)
	assert.Equal(t, 128, cfg.DispatchQueueSize)
	assert.Equal(t, LedgerHTTP, cfg.LedgerBackend)
	assert.Equal(t, "https://ledger.example.org", cfg.LedgerURL)
	assert.Equal(t, "secret", cfg.LedgerToken)
	assert.Equal(t, 3, cfg.LedgerMaxAttempts)
	assert.Equal(t, 16, cfg.AnchorQueueSize)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"empty brokers", map[string]string{"KAFKA_BROKERS": " , "}},
		{"bad shutdown timeout", map[string]string{"SHUTDOWN_TIMEOUT": "soon"}},
		{"negative sync interval", map[string]string{"SYNC_INTERVAL": "-1m"}},
		{"bad freshness", map[string]string{"SERIES_FRESHNESS": "forever"}},
		{"zero workers", map[string]string{"DISPATCH_WORKERS": "0"}},
		{"non-numeric attempts", map[string]string{"LEDGER_MAX_ATTEMPTS": "many"}},
		{"concurrency too high", map[string]string{"SYNC_CONCURRENCY": "1000"}},
		{"unknown ledger backend", map[string]string{"LEDGER_BACKEND": "stellar"}},
		{"http ledger without url", map[string]string{"LEDGER_BACKEND": "http"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
