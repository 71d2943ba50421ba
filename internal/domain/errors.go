package domain

import "errors"

var (
	// ErrUnknownSourceKind is returned for feed names outside SourceKinds.
	ErrUnknownSourceKind = errors.New("unknown source kind")
	// ErrUnknownSeriesType is returned for series types outside SeriesTypes.
	ErrUnknownSeriesType = errors.New("unknown series type")
	// ErrInvalidPayload is returned when a payload's variant does not match its kind.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidStatement wraps every trigger statement parse or validation failure.
	ErrInvalidStatement = errors.New("invalid trigger statement")
	// ErrUnknownSeries is returned when a statement references a series the basin cannot provide.
	ErrUnknownSeries = errors.New("unknown series reference")
	// ErrInvalidCadence is returned for unparseable repeatEvery values.
	ErrInvalidCadence = errors.New("invalid cadence")
	// ErrMissingData marks an evaluation that cannot proceed because a referenced value is absent.
	ErrMissingData = errors.New("missing series data")
	// ErrInvalidTrigger is returned for trigger definitions missing required attributes.
	ErrInvalidTrigger = errors.New("invalid trigger")
)
