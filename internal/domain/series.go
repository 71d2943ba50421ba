package domain

import (
	"fmt"
	"strings"
	"time"
)

// SeriesType names a measurement stream.
type SeriesType string

const (
	SeriesRainfall      SeriesType = "rainfall"
	SeriesWaterLevel    SeriesType = "water_level"
	SeriesDischarge     SeriesType = "discharge"
	SeriesFloodForecast SeriesType = "flood_forecast"
)

// SeriesTypes lists every supported series type.
var SeriesTypes = []SeriesType{SeriesRainfall, SeriesWaterLevel, SeriesDischarge, SeriesFloodForecast}

// seriesKinds maps each series type to the only feed that produces it.
var seriesKinds = map[SeriesType]SourceKind{
	SeriesRainfall:      SourceAgency,
	SeriesWaterLevel:    SourceAgency,
	SeriesDischarge:     SourceContinental,
	SeriesFloodForecast: SourceGlobal,
}

// ParseSeriesType accepts "water-level", "Water_Level" and similar spellings.
func ParseSeriesType(s string) (SeriesType, error) {
	t := SeriesType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if _, ok := seriesKinds[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSeriesType, s)
	}
	return t, nil
}

// Kind returns the feed that produces the series type.
func (t SeriesType) Kind() SourceKind {
	return seriesKinds[t]
}

// Observation is one normalized unit produced by a source adapter, before it
// is persisted. Key is the identifier the adapter requested (station or gauge
// id); the payload carries the identifier reported by the upstream.
type Observation struct {
	Type    SeriesType `json:"type"`
	Key     string     `json:"key"`
	Payload Payload    `json:"payload"`
}

// Validate checks that the observation's payload belongs to the feed that
// produces its series type.
func (o Observation) Validate() error {
	kind, ok := seriesKinds[o.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSeriesType, o.Type)
	}
	if o.Payload.Kind != kind {
		return fmt.Errorf("%w: series type %s expects %s payload, got %s", ErrInvalidPayload, o.Type, kind, o.Payload.Kind)
	}
	if err := o.Payload.Validate(); err != nil {
		return err
	}
	if o.Key == "" {
		return fmt.Errorf("%w: empty series key", ErrInvalidPayload)
	}
	return nil
}

// SeriesRecord is the persisted, merged state of one series.
type SeriesRecord struct {
	ID        int64      `json:"id"`
	Basin     string     `json:"basin"`
	Source    SourceKind `json:"source"`
	Type      SeriesType `json:"type"`
	Key       string     `json:"key"`
	SeriesID  string     `json:"series_id"`
	Payload   Payload    `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ObservedAt returns the upstream observation time, falling back to the
// record's last update when the feed does not report one.
func (r SeriesRecord) ObservedAt() time.Time {
	if t := r.Payload.ObservedAt(); !t.IsZero() {
		return t
	}
	return r.UpdatedAt
}

// UpsertOutcome describes what an idempotent upsert did.
type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "created"
	UpsertMerged  UpsertOutcome = "merged"
	// UpsertDiverged means a record existed for the requested key but carried
	// a different embedded series id, so a new record was created beside it.
	UpsertDiverged UpsertOutcome = "diverged"
)
