package domain

import (
	"fmt"
	"time"
)

// MergeFunc combines a stored payload with a freshly fetched one. Both
// payloads are already validated and of the same kind.
type MergeFunc func(old, latest Payload) Payload

// mergeRules declares, per series type, how every field is overwritten.
var mergeRules = map[SeriesType]MergeFunc{
	SeriesRainfall:      mergeRainfall,
	SeriesWaterLevel:    mergeWaterLevel,
	SeriesDischarge:     mergeDischarge,
	SeriesFloodForecast: mergeFloodForecast,
}

// Merge applies the series type's merge rule. The series ids of both payloads
// must match; diverging identifiers are never merged.
func Merge(t SeriesType, old, latest Payload) (Payload, error) {
	rule, ok := mergeRules[t]
	if !ok {
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownSeriesType, t)
	}
	if old.Kind != latest.Kind {
		return Payload{}, fmt.Errorf("%w: cannot merge %s into %s", ErrInvalidPayload, latest.Kind, old.Kind)
	}
	if old.SeriesID() != latest.SeriesID() {
		return Payload{}, fmt.Errorf("%w: series id %q does not match %q", ErrInvalidPayload, latest.SeriesID(), old.SeriesID())
	}
	return rule(old, latest), nil
}

// Rainfall: the reading (value, status and observation time) is taken as a
// unit from the latest fetch unless it carries no value or was observed
// before the stored one. Name and unit follow the latest fetch when
// reported. Accumulations are not carried over.
func mergeRainfall(old, latest Payload) Payload {
	o, n := old.Agency, latest.Agency
	r := newerReading(*o, *n)
	return NewAgencyPayload(AgencyReading{
		SeriesID:   n.SeriesID,
		Name:       latestString(o.Name, n.Name),
		Value:      copyFloat(r.Value),
		Unit:       latestString(o.Unit, n.Unit),
		Status:     r.Status,
		ObservedAt: r.ObservedAt,
	})
}

// Water level: as rainfall, plus warning and danger levels which the agency
// only publishes occasionally and are therefore kept until replaced. A
// reading without a status keeps the stored one.
func mergeWaterLevel(old, latest Payload) Payload {
	o, n := old.Agency, latest.Agency
	r := newerReading(*o, *n)
	return NewAgencyPayload(AgencyReading{
		SeriesID:     n.SeriesID,
		Name:         latestString(o.Name, n.Name),
		Value:        copyFloat(r.Value),
		Unit:         latestString(o.Unit, n.Unit),
		WarningLevel: latestFloat(o.WarningLevel, n.WarningLevel),
		DangerLevel:  latestFloat(o.DangerLevel, n.DangerLevel),
		Status:       latestString(o.Status, r.Status),
		ObservedAt:   r.ObservedAt,
	})
}

// Discharge: a forecast run replaces discharge, probabilities and forecast
// date as a unit, so they are taken from the latest payload even when absent,
// unless the latest run is older than the stored one. Return period
// thresholds are static per station and kept until replaced.
func mergeDischarge(old, latest Payload) Payload {
	o, n := old.Continental, latest.Continental
	run := o
	if supersedes(o.ForecastDate, n.ForecastDate) {
		run = n
	}
	return NewContinentalPayload(ContinentalForecast{
		StationID:    n.StationID,
		Name:         latestString(o.Name, n.Name),
		Discharge:    copyFloat(run.Discharge),
		RP2:          latestFloat(o.RP2, n.RP2),
		RP5:          latestFloat(o.RP5, n.RP5),
		RP20:         latestFloat(o.RP20, n.RP20),
		ProbRP2:      copyFloat(run.ProbRP2),
		ProbRP5:      copyFloat(run.ProbRP5),
		ProbRP20:     copyFloat(run.ProbRP20),
		ForecastDate: run.ForecastDate,
	})
}

// Flood forecast: severity, trend, value and issue time describe one issued
// forecast and come from the latest payload unless it was issued before the
// stored one. Gauge thresholds are kept.
func mergeFloodForecast(old, latest Payload) Payload {
	o, n := old.Global, latest.Global
	fc := o
	if supersedes(o.IssuedAt, n.IssuedAt) {
		fc = n
	}
	return NewGlobalPayload(GlobalForecast{
		GaugeID:       n.GaugeID,
		Name:          latestString(o.Name, n.Name),
		Severity:      fc.Severity,
		Trend:         fc.Trend,
		ForecastValue: copyFloat(fc.ForecastValue),
		WarningLevel:  latestFloat(o.WarningLevel, n.WarningLevel),
		DangerLevel:   latestFloat(o.DangerLevel, n.DangerLevel),
		ExtremeLevel:  latestFloat(o.ExtremeLevel, n.ExtremeLevel),
		IssuedAt:      fc.IssuedAt,
	})
}

// newerReading picks the reading whose value, status and time are kept.
// They always travel together, so a value is never stamped with another
// reading's observation time.
func newerReading(old, latest AgencyReading) AgencyReading {
	if latest.Value == nil || !supersedes(old.ObservedAt, latest.ObservedAt) {
		return old
	}
	return latest
}

// supersedes reports whether data stamped latest may replace data stamped
// old. Undated data is ordered by fetch.
func supersedes(old, latest time.Time) bool {
	return old.IsZero() || latest.IsZero() || !latest.Before(old)
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func latestString(old, latest string) string {
	if latest != "" {
		return latest
	}
	return old
}

func latestFloat(old, latest *float64) *float64 {
	if latest != nil {
		return copyFloat(latest)
	}
	return copyFloat(old)
}
