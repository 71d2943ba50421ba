package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Payload is a tagged union of the per-feed observation schemas. Exactly one
// of Agency, Continental or Global is set, matching Kind.
type Payload struct {
	Kind        SourceKind           `json:"kind"`
	Agency      *AgencyReading       `json:"agency,omitempty"`
	Continental *ContinentalForecast `json:"continental,omitempty"`
	Global      *GlobalForecast      `json:"global,omitempty"`
}

// AgencyReading is a national hydrology agency gauge reading.
type AgencyReading struct {
	SeriesID     string    `json:"series_id"`
	Name         string    `json:"name"`
	Value        *float64  `json:"value,omitempty"`
	Unit         string    `json:"unit,omitempty"`
	WarningLevel *float64  `json:"warning_level,omitempty"`
	DangerLevel  *float64  `json:"danger_level,omitempty"`
	Status       string    `json:"status,omitempty"`
	ObservedAt   time.Time `json:"observed_at,omitzero"`
}

// ContinentalForecast is a forecast discharge for one station, with return
// period thresholds and exceedance probabilities in percent.
type ContinentalForecast struct {
	StationID    string    `json:"station_id"`
	Name         string    `json:"name"`
	Discharge    *float64  `json:"discharge,omitempty"`
	RP2          *float64  `json:"rp2,omitempty"`
	RP5          *float64  `json:"rp5,omitempty"`
	RP20         *float64  `json:"rp20,omitempty"`
	ProbRP2      *float64  `json:"prob_rp2,omitempty"`
	ProbRP5      *float64  `json:"prob_rp5,omitempty"`
	ProbRP20     *float64  `json:"prob_rp20,omitempty"`
	ForecastDate time.Time `json:"forecast_date,omitzero"`
}

// GlobalForecast is the flood hub status of one gauge.
type GlobalForecast struct {
	GaugeID       string    `json:"gauge_id"`
	Name          string    `json:"name"`
	Severity      string    `json:"severity,omitempty"`
	Trend         string    `json:"trend,omitempty"`
	ForecastValue *float64  `json:"forecast_value,omitempty"`
	WarningLevel  *float64  `json:"warning_level,omitempty"`
	DangerLevel   *float64  `json:"danger_level,omitempty"`
	ExtremeLevel  *float64  `json:"extreme_level,omitempty"`
	IssuedAt      time.Time `json:"issued_at,omitzero"`
}

// NewAgencyPayload wraps an agency reading.
func NewAgencyPayload(r AgencyReading) Payload {
	return Payload{Kind: SourceAgency, Agency: &r}
}

// NewContinentalPayload wraps a continental forecast.
func NewContinentalPayload(f ContinentalForecast) Payload {
	return Payload{Kind: SourceContinental, Continental: &f}
}

// NewGlobalPayload wraps a global flood hub forecast.
func NewGlobalPayload(f GlobalForecast) Payload {
	return Payload{Kind: SourceGlobal, Global: &f}
}

// Validate checks that exactly the variant named by Kind is present and that
// it carries a series identifier.
func (p Payload) Validate() error {
	set := 0
	for _, present := range []bool{p.Agency != nil, p.Continental != nil, p.Global != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants set", ErrInvalidPayload, set)
	}
	var ok bool
	switch p.Kind {
	case SourceAgency:
		ok = p.Agency != nil
	case SourceContinental:
		ok = p.Continental != nil
	case SourceGlobal:
		ok = p.Global != nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSourceKind, p.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: variant does not match kind %s", ErrInvalidPayload, p.Kind)
	}
	if p.SeriesID() == "" {
		return fmt.Errorf("%w: missing series id", ErrInvalidPayload)
	}
	return nil
}

// SeriesID returns the identifier embedded by the upstream feed.
func (p Payload) SeriesID() string {
	switch {
	case p.Agency != nil:
		return p.Agency.SeriesID
	case p.Continental != nil:
		return p.Continental.StationID
	case p.Global != nil:
		return p.Global.GaugeID
	}
	return ""
}

// Name returns the human-readable station or gauge name.
func (p Payload) Name() string {
	switch {
	case p.Agency != nil:
		return p.Agency.Name
	case p.Continental != nil:
		return p.Continental.Name
	case p.Global != nil:
		return p.Global.Name
	}
	return ""
}

// ObservedAt returns the time the upstream measured or issued the value.
func (p Payload) ObservedAt() time.Time {
	switch {
	case p.Agency != nil:
		return p.Agency.ObservedAt
	case p.Continental != nil:
		return p.Continental.ForecastDate
	case p.Global != nil:
		return p.Global.IssuedAt
	}
	return time.Time{}
}

// Value is a scalar read from a payload field.
type Value struct {
	Num    float64
	Str    string
	IsText bool
}

// NumberValue wraps a float.
func NumberValue(f float64) Value { return Value{Num: f} }

// TextValue wraps a string.
func TextValue(s string) Value { return Value{Str: s, IsText: true} }

func (v Value) String() string {
	if v.IsText {
		return strconv.Quote(v.Str)
	}
	return strconv.FormatFloat(v.Num, 'g', -1, 64)
}

type fieldKind int

const (
	fieldNumber fieldKind = iota
	fieldText
)

type fieldSpec struct {
	kind fieldKind
	get  func(Payload) (Value, bool)
}

func num(get func(Payload) *float64) fieldSpec {
	return fieldSpec{kind: fieldNumber, get: func(p Payload) (Value, bool) {
		f := get(p)
		if f == nil {
			return Value{}, false
		}
		return NumberValue(*f), true
	}}
}

func text(get func(Payload) string) fieldSpec {
	return fieldSpec{kind: fieldText, get: func(p Payload) (Value, bool) {
		s := get(p)
		if s == "" {
			return Value{}, false
		}
		return TextValue(s), true
	}}
}

// payloadFields is the catalog of fields a trigger statement may reference.
var payloadFields = map[SourceKind]map[string]fieldSpec{
	SourceAgency: {
		"value":         num(func(p Payload) *float64 { return p.Agency.Value }),
		"warning_level": num(func(p Payload) *float64 { return p.Agency.WarningLevel }),
		"danger_level":  num(func(p Payload) *float64 { return p.Agency.DangerLevel }),
		"status":        text(func(p Payload) string { return p.Agency.Status }),
		"name":          text(func(p Payload) string { return p.Agency.Name }),
	},
	SourceContinental: {
		"discharge": num(func(p Payload) *float64 { return p.Continental.Discharge }),
		"rp2":       num(func(p Payload) *float64 { return p.Continental.RP2 }),
		"rp5":       num(func(p Payload) *float64 { return p.Continental.RP5 }),
		"rp20":      num(func(p Payload) *float64 { return p.Continental.RP20 }),
		"prob_rp2":  num(func(p Payload) *float64 { return p.Continental.ProbRP2 }),
		"prob_rp5":  num(func(p Payload) *float64 { return p.Continental.ProbRP5 }),
		"prob_rp20": num(func(p Payload) *float64 { return p.Continental.ProbRP20 }),
		"name":      text(func(p Payload) string { return p.Continental.Name }),
	},
	SourceGlobal: {
		"forecast_value": num(func(p Payload) *float64 { return p.Global.ForecastValue }),
		"warning_level":  num(func(p Payload) *float64 { return p.Global.WarningLevel }),
		"danger_level":   num(func(p Payload) *float64 { return p.Global.DangerLevel }),
		"extreme_level":  num(func(p Payload) *float64 { return p.Global.ExtremeLevel }),
		"severity":       text(func(p Payload) string { return p.Global.Severity }),
		"trend":          text(func(p Payload) string { return p.Global.Trend }),
		"name":           text(func(p Payload) string { return p.Global.Name }),
	},
}

var defaultFields = map[SourceKind]string{
	SourceAgency:      "value",
	SourceContinental: "discharge",
	SourceGlobal:      "forecast_value",
}

// Reading returns the headline value of the payload: the agency reading,
// the forecast discharge or the flood hub forecast value.
func (p Payload) Reading() (Value, bool) {
	return p.Field(defaultFields[p.Kind])
}

// Field reads a named field. The boolean is false when the field is unknown
// for the payload's kind or the upstream did not report it.
func (p Payload) Field(name string) (Value, bool) {
	if p.Validate() != nil {
		return Value{}, false
	}
	spec, ok := payloadFields[p.Kind][name]
	if !ok {
		return Value{}, false
	}
	return spec.get(p)
}
