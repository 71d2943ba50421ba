package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

const triggerColumns = `id,basin,repeat_key,repeat_every,statement,title,description,notes,is_mandatory,is_triggered,is_deleted,
	state,bucket,tx_ref,last_error,anchor_attempts,triggered_at,created_at,updated_at`

// TriggerFilter narrows ListTriggers.
type TriggerFilter struct {
	Basin          string
	States         []domain.TriggerState
	IncludeDeleted bool
}

// CreateTrigger validates and stores a trigger definition in PENDING. The
// statement must parse and every series it reads must come from a feed
// enabled for the basin; invalid definitions never reach the evaluator.
func (s *Store) CreateTrigger(ctx context.Context, spec domain.TriggerSpec) (domain.Trigger, error) {
	var t domain.Trigger
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		src, err := getSource(ctx, tx, spec.Basin)
		if err != nil {
			return err
		}
		if _, err := spec.Validate(src); err != nil {
			return err
		}
		now := s.now()
		t = domain.Trigger{
			ID:          uuid.NewString(),
			Basin:       spec.Basin,
			RepeatKey:   spec.RepeatKey,
			RepeatEvery: spec.RepeatEvery,
			Statement:   spec.Statement,
			Title:       spec.Title,
			Description: spec.Description,
			Notes:       spec.Notes,
			IsMandatory: spec.IsMandatory,
			State:       domain.StatePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if t.RepeatKey == "" {
			t.RepeatKey = t.ID
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO triggers(id,basin,repeat_key,repeat_every,statement,title,description,notes,is_mandatory,state,created_at,updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Basin, t.RepeatKey, t.RepeatEvery, t.Statement, t.Title, t.Description, t.Notes, boolInt(t.IsMandatory),
			string(t.State), formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}
		return s.appendEvent(ctx, tx, EventTriggerCreated, t.ID, "", domain.ActorManual, "", string(t.State), eventDetail{"statement": t.Statement})
	})
	return t, err
}

// GetTrigger returns a trigger by id, including soft-deleted ones.
func (s *Store) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	return scanTrigger(s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id=?`, id))
}

// ListTriggers returns triggers matching the filter, oldest first.
func (s *Store) ListTriggers(ctx context.Context, f TriggerFilter) ([]domain.Trigger, error) {
	var res []domain.Trigger
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = listTriggers(ctx, tx, f)
		return err
	})
	return res, err
}

func listTriggers(ctx context.Context, tx *sql.Tx, f TriggerFilter) ([]domain.Trigger, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeDeleted {
		where = append(where, "is_deleted=0")
	}
	if f.Basin != "" {
		where = append(where, "basin=?")
		args = append(args, f.Basin)
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ",")+")")
	}
	q := `SELECT ` + triggerColumns + ` FROM triggers`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SoftDeleteTrigger marks a trigger deleted. It is rejected while an
// activation for the trigger is in flight.
func (s *Store) SoftDeleteTrigger(ctx context.Context, id, actorID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTrigger(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.IsDeleted {
			return nil
		}
		switch t.State {
		case domain.StateTriggered, domain.StateActivating, domain.StateActivated:
			return fmt.Errorf("%w: trigger %s is %s", ErrStateConflict, id, t.State)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE triggers SET is_deleted=1, updated_at=? WHERE id=?`, formatTime(s.now()), id); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, EventTriggerDeleted, id, "", domain.ActorManual, string(t.State), string(t.State), eventDetail{"actor_id": actorID})
	})
}

// UpdateTriggerNotes replaces the operator notes of a trigger.
func (s *Store) UpdateTriggerNotes(ctx context.Context, id, notes string) (domain.Trigger, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE triggers SET notes=?, updated_at=? WHERE id=?`, notes, formatTime(s.now()), id)
	if err != nil {
		return domain.Trigger{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Trigger{}, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	return s.GetTrigger(ctx, id)
}

// RestartTrigger moves a settled trigger into a new cadence bucket at
// PENDING. It reports false when the trigger already belongs to the bucket or
// still has work in flight.
func (s *Store) RestartTrigger(ctx context.Context, id, bucket string) (bool, error) {
	var restarted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTrigger(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.IsDeleted || !t.NeedsRestart(bucket) {
			return nil
		}
		restarted = true
		return s.restartTx(ctx, tx, t, bucket)
	})
	return restarted, err
}

func (s *Store) restartTx(ctx context.Context, tx *sql.Tx, t domain.Trigger, bucket string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE triggers SET state=?, bucket=?, is_triggered=0, tx_ref='', last_error='', anchor_attempts=0,
		triggered_at=NULL, updated_at=? WHERE id=?`, string(domain.StatePending), bucket, formatTime(s.now()), t.ID); err != nil {
		return fmt.Errorf("restart trigger: %w", err)
	}
	return s.appendEvent(ctx, tx, EventTriggerRestarted, t.ID, "", domain.ActorSystem, string(t.State), string(domain.StatePending),
		eventDetail{"from_bucket": t.Bucket, "bucket": bucket})
}

// MarkTriggered records that a PENDING trigger's condition held in bucket.
// It fails with ErrStateConflict when the trigger is no longer PENDING in
// that bucket, so concurrent evaluators fire it once.
func (s *Store) MarkTriggered(ctx context.Context, id, bucket string) (domain.Trigger, error) {
	var t domain.Trigger
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `UPDATE triggers SET state=?, is_triggered=1, triggered_at=?, last_error='', updated_at=?
			WHERE id=? AND bucket=? AND state=? AND is_deleted=0`,
			string(domain.StateTriggered), formatTime(now), formatTime(now), id, bucket, string(domain.StatePending))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: trigger %s is not pending in %s", ErrStateConflict, id, bucket)
		}
		if err := s.appendEvent(ctx, tx, EventTriggerFired, id, "", domain.ActorSystem, string(domain.StatePending), string(domain.StateTriggered),
			eventDetail{"bucket": bucket}); err != nil {
			return err
		}
		t, err = getTrigger(ctx, tx, id)
		return err
	})
	return t, err
}

func getTrigger(ctx context.Context, tx *sql.Tx, id string) (domain.Trigger, error) {
	t, err := scanTrigger(tx.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return t, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	return t, err
}

func setTriggerState(ctx context.Context, tx *sql.Tx, t domain.Trigger, to domain.TriggerState, now string) error {
	if !domain.CanTransition(t.State, to) {
		return fmt.Errorf("%w: trigger %s cannot move from %s to %s", ErrStateConflict, t.ID, t.State, to)
	}
	_, err := tx.ExecContext(ctx, `UPDATE triggers SET state=?, updated_at=? WHERE id=? AND state=?`, string(to), now, t.ID, string(t.State))
	return err
}

func scanTrigger(row scanner) (domain.Trigger, error) {
	var (
		t                             domain.Trigger
		mandatory, triggered, deleted int
		state                         string
		triggeredAt                   sql.NullString
		createdAt, updatedAt          string
	)
	err := row.Scan(&t.ID, &t.Basin, &t.RepeatKey, &t.RepeatEvery, &t.Statement, &t.Title, &t.Description, &t.Notes,
		&mandatory, &triggered, &deleted, &state, &t.Bucket, &t.TxRef, &t.LastError, &t.AnchorAttempts,
		&triggeredAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IsMandatory, t.IsTriggered, t.IsDeleted = mandatory == 1, triggered == 1, deleted == 1
	t.State = domain.TriggerState(state)
	if t.TriggeredAt, err = parseNullTime(triggeredAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}
