package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

// GatewayClient talks to a ledger contract gateway over HTTP.
type GatewayClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGatewayClient creates a gateway client. timeout bounds each request.
func NewGatewayClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Close releases idle connections.
func (c *GatewayClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Submit posts the entry with its idempotency key. The gateway answers a
// replayed key with the original receipt.
func (c *GatewayClient) Submit(ctx context.Context, entry domain.LedgerEntry) (Receipt, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return Receipt{}, permanent(fmt.Errorf("encode entry: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.IdempotencyKey)
	return c.do(req, "submit")
}

// Lookup fetches the receipt recorded for an idempotency key.
func (c *GatewayClient) Lookup(ctx context.Context, key string) (Receipt, error) {
	u := c.baseURL + "/transactions?" + url.Values{"key": {key}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Receipt{}, permanent(fmt.Errorf("create request: %w", err))
	}
	return c.do(req, "lookup")
}

func (c *GatewayClient) do(req *http.Request, op string) (Receipt, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && op == "lookup" {
		return Receipt{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("ledger %s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode == http.StatusConflict {
			err = fmt.Errorf("%w: %w", ErrConflict, err)
		}
		if !retryableStatus(resp.StatusCode) {
			return Receipt{}, permanent(err)
		}
		return Receipt{}, err
	}

	var r Receipt
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Receipt{}, fmt.Errorf("decode ledger %s response: %w", op, err)
	}
	if r.TxRef == "" {
		return Receipt{}, errors.New("ledger response has no tx_ref")
	}
	c.logger.Debug("ledger gateway call", "op", op, "tx_ref", r.TxRef)
	return r, nil
}

// retryableStatus reports whether a non-success status may clear on retry.
// Client errors are final except timeouts and rate limiting.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	}
	return true
}
