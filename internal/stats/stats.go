// Package stats projects the activation history into reporting totals. It
// only reads the store and is never on the write path.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

// Source is the subset of the store the aggregator reads.
type Source interface {
	CountActivations(ctx context.Context) ([]store.ActivationCount, error)
	CountTriggersByState(ctx context.Context) (map[domain.TriggerState]int, error)
	CountEvents(ctx context.Context) (map[string]int, error)
	LastActivationAt(ctx context.Context) (time.Time, error)
}

// BasinTotals are the activation totals of one basin.
type BasinTotals struct {
	Basin    string `json:"basin"`
	Total    int    `json:"total"`
	Anchored int    `json:"anchored"`
}

// Snapshot is a point-in-time view of activity.
type Snapshot struct {
	Activations      int                             `json:"activations"`
	ByStatus         map[domain.ActivationStatus]int `json:"by_status"`
	ByActor          map[domain.Actor]int            `json:"by_actor"`
	ByBasin          []BasinTotals                   `json:"by_basin"`
	TriggersByState  map[domain.TriggerState]int     `json:"triggers_by_state"`
	AnchoredRatio    float64                         `json:"anchored_ratio"`
	LastActivationAt time.Time                       `json:"last_activation_at,omitzero"`
	Events           map[string]int                  `json:"events"`
	GeneratedAt      time.Time                       `json:"generated_at"`
}

// Aggregator computes snapshots and mirrors trigger state counts into the
// metrics gauge.
type Aggregator struct {
	src     Source
	metrics *observability.Metrics
	now     func() time.Time
}

// NewAggregator creates an Aggregator. metrics may be nil for read-only use.
func NewAggregator(src Source, metrics *observability.Metrics, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{src: src, metrics: metrics, now: now}
}

// Snapshot computes the current totals. Failed dispatches are counted by
// status but left out of the anchored ratio, which covers activations that
// reached the queue.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := a.src.CountActivations(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count activations: %w", err)
	}
	triggers, err := a.src.CountTriggersByState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count triggers: %w", err)
	}
	events, err := a.src.CountEvents(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count events: %w", err)
	}
	last, err := a.src.LastActivationAt(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("last activation: %w", err)
	}

	s := Snapshot{
		ByStatus:         make(map[domain.ActivationStatus]int, len(domain.ActivationStatuses)),
		ByActor:          make(map[domain.Actor]int, 2),
		TriggersByState:  make(map[domain.TriggerState]int, len(domain.TriggerStates)),
		LastActivationAt: last,
		Events:           events,
		GeneratedAt:      a.now().UTC(),
	}
	for _, st := range domain.ActivationStatuses {
		s.ByStatus[st] = 0
	}
	for _, st := range domain.TriggerStates {
		s.TriggersByState[st] = triggers[st]
	}

	basins := map[string]*BasinTotals{}
	for _, c := range counts {
		s.Activations += c.Count
		s.ByStatus[c.Status] += c.Count
		s.ByActor[c.Actor] += c.Count
		b, ok := basins[c.Basin]
		if !ok {
			b = &BasinTotals{Basin: c.Basin}
			basins[c.Basin] = b
		}
		b.Total += c.Count
		if c.Status == domain.ActivationAnchored {
			b.Anchored += c.Count
		}
	}
	for _, b := range basins {
		s.ByBasin = append(s.ByBasin, *b)
	}
	sort.Slice(s.ByBasin, func(i, j int) bool { return s.ByBasin[i].Basin < s.ByBasin[j].Basin })

	if delivered := s.Activations - s.ByStatus[domain.ActivationDispatchFailed]; delivered > 0 {
		s.AnchoredRatio = float64(s.ByStatus[domain.ActivationAnchored]) / float64(delivered)
	}
	return s, nil
}

// Refresh recomputes the trigger state gauge.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if a.metrics == nil {
		return nil
	}
	counts, err := a.src.CountTriggersByState(ctx)
	if err != nil {
		return fmt.Errorf("count triggers: %w", err)
	}
	for _, st := range domain.TriggerStates {
		a.metrics.TriggersByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return nil
}
