package ledger

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/flood-trigger-service/internal/config"
	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

// Backend is a ledger that holds resources until closed.
type Backend interface {
	Submit(ctx context.Context, entry domain.LedgerEntry) (Receipt, error)
	Lookup(ctx context.Context, key string) (Receipt, error)
	Close() error
}

// Open returns the backend selected by LEDGER_BACKEND.
func Open(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (Backend, error) {
	if cfg.LedgerBackend == config.LedgerHTTP {
		logger.Info("ledger backend: http gateway", "url", cfg.LedgerURL)
		return NewGatewayClient(cfg.LedgerURL, cfg.LedgerToken, cfg.LedgerTimeout, logger), nil
	}
	fl, err := OpenFile(cfg.LedgerFile, clock, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("ledger backend: file", "path", cfg.LedgerFile)
	return fl, nil
}
