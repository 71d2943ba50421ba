package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

// ActivationCount is the number of activations sharing a status, actor and
// basin.
type ActivationCount struct {
	Status domain.ActivationStatus
	Actor  domain.Actor
	Basin  string
	Count  int
}

// CountActivations groups activations by status, actor and basin.
func (s *Store) CountActivations(ctx context.Context) ([]ActivationCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status,actor,basin,COUNT(*) FROM activations GROUP BY status,actor,basin ORDER BY basin,status,actor`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ActivationCount
	for rows.Next() {
		var (
			c             ActivationCount
			status, actor string
		)
		if err := rows.Scan(&status, &actor, &c.Basin, &c.Count); err != nil {
			return nil, err
		}
		c.Status, c.Actor = domain.ActivationStatus(status), domain.Actor(actor)
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountTriggersByState counts non-deleted triggers per state.
func (s *Store) CountTriggersByState(ctx context.Context) (map[domain.TriggerState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state,COUNT(*) FROM triggers WHERE is_deleted=0 GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[domain.TriggerState]int, len(domain.TriggerStates))
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[domain.TriggerState(state)] = n
	}
	return res, rows.Err()
}

// CountEvents counts audit trail entries per event type.
func (s *Store) CountEvents(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type,COUNT(*) FROM activation_events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		res[typ] = n
	}
	return res, rows.Err()
}

// LastActivationAt returns the firing time of the most recent activation, or
// the zero time when there are none.
func (s *Store) LastActivationAt(ctx context.Context) (time.Time, error) {
	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(fired_at) FROM activations`).Scan(&last); err != nil {
		return time.Time{}, err
	}
	return parseNullTime(last)
}
