// Package domain models hydrological observations and the anticipatory-action
// triggers evaluated against them.
//
// # Data Sources
//
// Observations arrive from three independent feeds, each polled on its own
// schedule and keyed by the monitored river basin:
//
//	agency       national hydrology agency gauges (rainfall, water level)
//	continental  continental flood-forecasting service (forecast discharge)
//	global       global flood-hub API (gauge flood status and severity)
//
// Every feed is normalized into a [Payload], a tagged union with one strict
// struct per source kind. Open maps are never stored, so each field a trigger
// can reference is known at compile time.
//
// # Series Identity
//
// A [SeriesRecord] is identified by (basin, source kind, series type, series
// id) where series id is the identifier embedded in the payload, not the
// surrogate row id. Adapters also report the key they requested (station id,
// gauge id). When the upstream remaps a key to a different series id the store
// keeps the old record and creates a new one; see [UpsertDiverged].
//
// Re-fetches merge field by field using the rule declared for the series type
// in [Merge]. There is no implicit "new map over old map" update.
//
// # Trigger Statements
//
// Statements are boolean expressions over the latest value of named series:
//
//	water_level[42] > 10
//	water-level[series 42] > 10
//	rainfall[agency:K-7] >= 80 && discharge[G1234].prob_rp5 > 50
//	flood_forecast[hybas_123].severity == "EXTREME" || not (water_level[42] < 5)
//
// The bracket holds an optional source kind and the series id. An optional
// field follows the bracket; without one the kind's default numeric field is
// used. Numbers compare numerically, strings by exact match. See
// [ParseStatement].
//
// # Cadence Buckets
//
// A trigger's repeatEvery value partitions wall-clock time into buckets
// ("daily:2024-07-01", "weekly:2024-W27", "72h:6635"). At most one
// non-failed [ActivationRecord] exists per (trigger id, repeat key, bucket).
// See [ParseCadence].
//
// # Lifecycle
//
//	PENDING -> TRIGGERED -> ACTIVATING -> ACTIVATED -> ANCHORED
//	                                               \-> ACTIVATION_FAILED
//
// ANCHORED and ACTIVATION_FAILED are terminal for a bucket only; the next
// bucket restarts the trigger at PENDING. See [CanTransition].
package domain
