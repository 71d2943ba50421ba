// Package sources fetches observations from the external hydrology feeds
// and normalizes them into domain observations. Each feed has its own wire
// shape; callers only see []domain.Observation.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
)

// ErrUnsupportedKind is returned for a source kind without a fetcher.
var ErrUnsupportedKind = errors.New("unsupported source kind")

const gaugeInfoTTL = 24 * time.Hour

// Client fetches every supported feed over HTTP.
// It implements pipeline.Fetcher.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	gauges     *expirable.LRU[string, gaugeInfo]
	metrics    *observability.Metrics
}

// NewClient creates a client whose requests are bounded by timeout. Flood
// hub gauge metadata is cached for up to cacheSize gauges and refetched
// once a day.
func NewClient(timeout time.Duration, cacheSize int, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:  logger,
		gauges:  expirable.NewLRU[string, gaugeInfo](max(cacheSize, 1), nil, gaugeInfoTTL),
		metrics: metrics,
	}
}

// Fetch requests every configured series of one (basin, kind) unit. Series
// that fail are reported in the joined error; the others are still returned.
func (c *Client) Fetch(ctx context.Context, basin string, kind domain.SourceKind, ep settings.Endpoint, p settings.BasinParams) ([]domain.Observation, error) {
	switch kind {
	case domain.SourceAgency:
		return c.fetchAgency(ctx, ep, p)
	case domain.SourceContinental:
		return c.fetchContinental(ctx, ep, p)
	case domain.SourceGlobal:
		return c.fetchGlobal(ctx, ep, p)
	}
	return nil, fmt.Errorf("%w: %s for basin %s", ErrUnsupportedKind, kind, basin)
}

func (c *Client) getJSON(ctx context.Context, fullURL string, ep settings.Endpoint, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("X-API-Key", ep.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upstream error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func baseURL(ep settings.Endpoint) string {
	return strings.TrimRight(ep.URL, "/")
}

// flexID accepts identifiers the upstream encodes as either numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %s", b)
	}
	*f = flexID(n.String())
	return nil
}

// flexFloat accepts readings encoded as numbers, numeric strings or null.
type flexFloat struct {
	v *float64
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" || s == "-" {
		f.v = nil
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid reading %s: %w", b, err)
	}
	f.v = &v
	return nil
}

// parseUpstreamTime accepts RFC 3339 timestamps and plain dates.
func parseUpstreamTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
