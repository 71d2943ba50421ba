package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

// Fetcher retrieves and normalizes the observations of one (basin, kind)
// unit. It may return observations together with an error describing the
// series it could not fetch.
type Fetcher interface {
	Fetch(ctx context.Context, basin string, kind domain.SourceKind, ep settings.Endpoint, p settings.BasinParams) ([]domain.Observation, error)
}

// SyncResult summarizes one unit or one full pass.
type SyncResult struct {
	Units    int
	Failed   int
	Skipped  int
	Created  int
	Merged   int
	Diverged int
	Rejected int
}

func (r *SyncResult) add(o SyncResult) {
	r.Units += o.Units
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Created += o.Created
	r.Merged += o.Merged
	r.Diverged += o.Diverged
	r.Rejected += o.Rejected
}

// Synchronizer pulls every enabled feed of every basin into the series store.
type Synchronizer struct {
	store       *store.Store
	fetcher     Fetcher
	settings    *settings.Provider
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
	timeout     time.Duration
	concurrency int
}

// NewSynchronizer creates a Synchronizer. timeout bounds each unit's fetch;
// concurrency bounds how many units run at once.
func NewSynchronizer(st *store.Store, f Fetcher, sp *settings.Provider, clock clockwork.Clock, logger *slog.Logger,
	metrics *observability.Metrics, timeout time.Duration, concurrency int) *Synchronizer {
	return &Synchronizer{
		store:       st,
		fetcher:     f,
		settings:    sp,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		timeout:     timeout,
		concurrency: max(concurrency, 1),
	}
}

// SyncAll runs one pass over every enabled (basin, kind) unit. Units are
// isolated: a failing fetch is logged and counted, and storage errors are
// joined into the returned error without cancelling sibling units.
func (s *Synchronizer) SyncAll(ctx context.Context) (SyncResult, error) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list sources: %w", err)
	}

	var (
		mu    sync.Mutex
		total SyncResult
		errs  []error
	)
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, src := range sources {
		for _, kind := range src.Kinds {
			g.Go(func() error {
				res, err := s.SyncUnit(ctx, src.Basin, kind)
				mu.Lock()
				defer mu.Unlock()
				total.add(res)
				if err != nil {
					errs = append(errs, err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

// SyncUnit fetches one (basin, kind) unit and upserts what it returned. A
// fetch that exceeds the timeout is abandoned without writing anything.
func (s *Synchronizer) SyncUnit(ctx context.Context, basin string, kind domain.SourceKind) (SyncResult, error) {
	res := SyncResult{Units: 1}
	log := s.logger.With("basin", basin, "source", kind)

	ep, params, ok := s.settings.Snapshot().Lookup(basin, kind)
	if !ok {
		log.Warn("no settings for enabled source, skipping")
		s.metrics.SyncFetches.WithLabelValues(string(kind), "skipped").Inc()
		res.Skipped++
		return res, nil
	}

	start := s.clock.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	obs, fetchErr := s.fetcher.Fetch(fetchCtx, basin, kind, ep, params)
	timedOut := fetchCtx.Err() != nil
	cancel()

	if timedOut || (fetchErr != nil && len(obs) == 0) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log.Warn("source fetch failed", "error", fetchErr, "timed_out", timedOut)
		s.metrics.SyncFetches.WithLabelValues(string(kind), "error").Inc()
		res.Failed++
		return res, nil
	}
	if fetchErr != nil {
		log.Warn("source fetch partially failed", "error", fetchErr, "fetched", len(obs))
	}

	for _, o := range obs {
		rec, outcome, err := s.store.UpsertSeries(ctx, basin, o)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrUnknownSeriesType):
			log.Warn("rejected observation", "series_type", o.Type, "series_key", o.Key, "error", err)
			res.Rejected++
			continue
		case errors.Is(err, store.ErrSourceDisabled), errors.Is(err, store.ErrNotFound):
			log.Info("source disabled during sync, dropping remaining observations")
			res.Skipped++
			return res, nil
		default:
			s.metrics.SyncFetches.WithLabelValues(string(kind), "error").Inc()
			res.Failed++
			return res, fmt.Errorf("upsert %s/%s %s: %w", basin, kind, o.Key, err)
		}
		s.metrics.SeriesUpserts.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case domain.UpsertCreated:
			res.Created++
		case domain.UpsertMerged:
			res.Merged++
		case domain.UpsertDiverged:
			res.Diverged++
			log.Warn("series identifier diverged from stored record, created new record",
				"series_type", rec.Type, "series_key", rec.Key, "series_id", rec.SeriesID)
		}
	}

	s.metrics.SyncFetches.WithLabelValues(string(kind), "success").Inc()
	s.metrics.SyncDuration.WithLabelValues(string(kind)).Observe(s.clock.Since(start).Seconds())
	log.Debug("source synced", "observations", len(obs), "created", res.Created, "merged", res.Merged)
	return res, nil
}
