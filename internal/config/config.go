package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Ledger backends.
const (
	LedgerFile = "file"
	LedgerHTTP = "http"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers         []string
	KafkaActivationTopic string
	HTTPAddr             string
	LogLevel             string
	LogFormat            string
	ShutdownTimeout      time.Duration

	DatabasePath string
	SettingsPath string

	// Synchronizer.
	SyncInterval    time.Duration
	SyncTimeout     time.Duration
	SyncConcurrency int
	GaugeCacheSize  int

	// Evaluator.
	EvalInterval    time.Duration
	SeriesFreshness time.Duration

	// Dispatcher.
	DispatchWorkers     int
	DispatchQueueSize   int
	DispatchMaxAttempts int

	// Ledger anchor.
	LedgerBackend     string
	LedgerFile        string
	LedgerURL         string
	LedgerToken       string
	LedgerTimeout     time.Duration
	LedgerMaxAttempts int
	LedgerBaseBackoff time.Duration
	AnchorQueueSize   int // activations awaiting a ledger write; overflow is left to the reconciler
	ReconcileInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:         sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaActivationTopic: sharedcfg.EnvOrDefault("KAFKA_ACTIVATION_TOPIC", "trigger-activations"),
		HTTPAddr:             sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:             sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:      shutdownTimeout,
		DatabasePath:         sharedcfg.EnvOrDefault("DATABASE_PATH", "data/triggers.db"),
		SettingsPath:         sharedcfg.EnvOrDefault("SETTINGS_PATH", "settings.yaml"),
		LedgerBackend:        sharedcfg.EnvOrDefault("LEDGER_BACKEND", LedgerFile),
		LedgerFile:           sharedcfg.EnvOrDefault("LEDGER_FILE", "data/ledger.jsonl"),
		LedgerURL:            os.Getenv("LEDGER_URL"),
		LedgerToken:          os.Getenv("LEDGER_TOKEN"),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"SYNC_INTERVAL", "15m", &cfg.SyncInterval},
		{"SYNC_TIMEOUT", "30s", &cfg.SyncTimeout},
		{"EVAL_INTERVAL", "5m", &cfg.EvalInterval},
		{"SERIES_FRESHNESS", "24h", &cfg.SeriesFreshness},
		{"LEDGER_TIMEOUT", "10s", &cfg.LedgerTimeout},
		{"LEDGER_BASE_BACKOFF", "500ms", &cfg.LedgerBaseBackoff},
		{"RECONCILE_INTERVAL", "10m", &cfg.ReconcileInterval},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key      string
		fallback int
		limit    int
		dst      *int
	}{
		{"SYNC_CONCURRENCY", 4, 64, &cfg.SyncConcurrency},
		{"GAUGE_CACHE_SIZE", 1000, 100000, &cfg.GaugeCacheSize},
		{"DISPATCH_WORKERS", 2, 64, &cfg.DispatchWorkers},
		{"DISPATCH_QUEUE_SIZE", 64, 10000, &cfg.DispatchQueueSize},
		{"DISPATCH_MAX_ATTEMPTS", 5, 100, &cfg.DispatchMaxAttempts},
		{"LEDGER_MAX_ATTEMPTS", 5, 100, &cfg.LedgerMaxAttempts},
		{"ANCHOR_QUEUE_SIZE", 64, 10000, &cfg.AnchorQueueSize},
	}
	for _, n := range ints {
		if *n.dst, err = parseInt(n.key, n.fallback, n.limit); err != nil {
			return nil, err
		}
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaActivationTopic == "" {
		return nil, errors.New("KAFKA_ACTIVATION_TOPIC is required")
	}
	switch cfg.LedgerBackend {
	case LedgerFile:
	case LedgerHTTP:
		if cfg.LedgerURL == "" {
			return nil, errors.New("LEDGER_BACKEND is http but LEDGER_URL is not set")
		}
	default:
		return nil, fmt.Errorf("invalid LEDGER_BACKEND %q: must be %s or %s", cfg.LedgerBackend, LedgerFile, LedgerHTTP)
	}

	return cfg, nil
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseInt(key string, fallback, limit int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > limit {
		return 0, fmt.Errorf("invalid %s: must be 1-%d", key, limit)
	}
	return n, nil
}
