package domain

import (
	"fmt"
	"strings"
	"time"
)

type cadenceUnit int

const (
	cadenceOnce cadenceUnit = iota
	cadenceHourly
	cadenceDaily
	cadenceWeekly
	cadenceMonthly
	cadenceYearly
	cadenceFixed
)

// MinCadence is the shortest fixed-duration cadence accepted.
const MinCadence = time.Minute

// Cadence maps evaluation times onto repeat buckets. A trigger may activate at
// most once per bucket; entering a new bucket restarts it.
type Cadence struct {
	spec  string
	unit  cadenceUnit
	every time.Duration
}

// ParseCadence accepts once, hourly, daily, weekly, monthly, yearly or a Go
// duration such as "72h".
func ParseCadence(repeatEvery string) (Cadence, error) {
	s := strings.ToLower(strings.TrimSpace(repeatEvery))
	switch s {
	case "once":
		return Cadence{spec: s, unit: cadenceOnce}, nil
	case "hourly":
		return Cadence{spec: s, unit: cadenceHourly}, nil
	case "daily":
		return Cadence{spec: s, unit: cadenceDaily}, nil
	case "weekly":
		return Cadence{spec: s, unit: cadenceWeekly}, nil
	case "monthly":
		return Cadence{spec: s, unit: cadenceMonthly}, nil
	case "yearly":
		return Cadence{spec: s, unit: cadenceYearly}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Cadence{}, fmt.Errorf("%w: %q", ErrInvalidCadence, repeatEvery)
	}
	if d < MinCadence {
		return Cadence{}, fmt.Errorf("%w: %q is shorter than %s", ErrInvalidCadence, repeatEvery, MinCadence)
	}
	return Cadence{spec: compactDuration(d), unit: cadenceFixed, every: d}, nil
}

func (c Cadence) String() string { return c.spec }

// Bucket returns the repeat bucket containing t. Buckets are computed in UTC.
func (c Cadence) Bucket(t time.Time) string {
	t = t.UTC()
	switch c.unit {
	case cadenceOnce:
		return "once"
	case cadenceHourly:
		return "hourly:" + t.Format("2006-01-02T15")
	case cadenceDaily:
		return "daily:" + t.Format("2006-01-02")
	case cadenceWeekly:
		y, w := t.ISOWeek()
		return fmt.Sprintf("weekly:%04d-W%02d", y, w)
	case cadenceMonthly:
		return "monthly:" + t.Format("2006-01")
	case cadenceYearly:
		return "yearly:" + t.Format("2006")
	}
	return fmt.Sprintf("%s:%d", c.spec, t.Unix()/int64(c.every/time.Second))
}

// compactDuration renders 72h rather than 72h0m0s so bucket names stay short.
func compactDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return d.String()
}
