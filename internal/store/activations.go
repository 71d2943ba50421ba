package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

const activationColumns = `id,trigger_id,repeat_key,bucket,basin,status,actor,actor_id,documents_json,notes,fired_at,dispatched_at,anchored_at,
	content_hash,tx_ref,dispatch_attempts,anchor_attempts,last_error,created_at,updated_at`

// ActivationFilter narrows ListActivations.
type ActivationFilter struct {
	TriggerID string
	Statuses  []domain.ActivationStatus
	Limit     int
}

// ReserveActivation is the dedup check-and-set of the dispatcher. If a
// non-failed activation exists for the key it is returned with created set
// to false. Otherwise a QUEUED activation is inserted and the trigger moves
// to ACTIVATING, both in one transaction.
//
// System requests require the trigger to be TRIGGERED in the key's bucket.
// Manual requests may also start from PENDING, restarting a settled trigger
// into the requested bucket first.
func (s *Store) ReserveActivation(ctx context.Context, req domain.ActivationRequest) (domain.ActivationRecord, bool, error) {
	if req.Key.TriggerID == "" || req.Key.Bucket == "" {
		return domain.ActivationRecord{}, false, errors.New("activation key requires trigger id and bucket")
	}
	if req.Actor == "" {
		req.Actor = domain.ActorSystem
	}

	var (
		rec     domain.ActivationRecord
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := findLive(ctx, tx, req.Key)
		if err == nil {
			rec = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		t, err := getTrigger(ctx, tx, req.Key.TriggerID)
		if err != nil {
			return err
		}
		if t.IsDeleted {
			return fmt.Errorf("%w: trigger %s is deleted", ErrStateConflict, t.ID)
		}
		if t.RepeatKey != req.Key.RepeatKey {
			return fmt.Errorf("%w: trigger %s has repeat key %q, not %q", ErrStateConflict, t.ID, t.RepeatKey, req.Key.RepeatKey)
		}
		if req.Actor == domain.ActorManual && t.NeedsRestart(req.Key.Bucket) {
			if err := s.restartTx(ctx, tx, t, req.Key.Bucket); err != nil {
				return err
			}
			t.State, t.Bucket = domain.StatePending, req.Key.Bucket
		}
		if t.Bucket != req.Key.Bucket {
			return fmt.Errorf("%w: trigger %s is in bucket %q, not %q", ErrStateConflict, t.ID, t.Bucket, req.Key.Bucket)
		}
		if req.Actor == domain.ActorSystem && t.State != domain.StateTriggered {
			return fmt.Errorf("%w: trigger %s is %s, not %s", ErrStateConflict, t.ID, t.State, domain.StateTriggered)
		}

		now := s.now()
		docs, err := json.Marshal(nonNilDocs(req.Documents))
		if err != nil {
			return fmt.Errorf("encode documents: %w", err)
		}
		rec = domain.ActivationRecord{
			ID:        uuid.NewString(),
			TriggerID: t.ID,
			RepeatKey: t.RepeatKey,
			Bucket:    req.Key.Bucket,
			Basin:     t.Basin,
			Status:    domain.ActivationQueued,
			Actor:     req.Actor,
			ActorID:   req.ActorID,
			Documents: req.Documents,
			Notes:     req.Notes,
			FiredAt:   now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO activations(id,trigger_id,repeat_key,bucket,basin,status,actor,actor_id,documents_json,notes,fired_at,created_at,updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.TriggerID, rec.RepeatKey, rec.Bucket, rec.Basin, string(rec.Status), string(rec.Actor), rec.ActorID,
			string(docs), rec.Notes, formatTime(now), formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("insert activation: %w", err)
		}
		if err := setTriggerState(ctx, tx, t, domain.StateActivating, formatTime(now)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE triggers SET is_triggered=1, triggered_at=COALESCE(triggered_at, ?) WHERE id=?`,
			formatTime(now), t.ID); err != nil {
			return err
		}
		created = true
		return s.appendEvent(ctx, tx, EventActivationQueued, t.ID, rec.ID, rec.Actor, string(t.State), string(domain.StateActivating),
			eventDetail{"bucket": rec.Bucket, "actor_id": rec.ActorID})
	})
	if isUniqueViolation(err) {
		// Another writer reserved the key between our read and insert.
		rec, err = s.FindActivation(ctx, req.Key)
		return rec, false, err
	}
	if err != nil {
		return domain.ActivationRecord{}, false, err
	}
	return rec, created, nil
}

// MarkDispatched records the queue's acknowledgement: QUEUED becomes
// DISPATCHED and the trigger moves from ACTIVATING to ACTIVATED. Calling it
// again for an already dispatched activation is a no-op.
func (s *Store) MarkDispatched(ctx context.Context, id string) (domain.ActivationRecord, error) {
	var rec domain.ActivationRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rec, err = getActivation(ctx, tx, id); err != nil {
			return err
		}
		switch rec.Status {
		case domain.ActivationQueued:
		case domain.ActivationDispatchFailed:
			return fmt.Errorf("%w: activation %s already failed dispatch", ErrStateConflict, id)
		default:
			return nil
		}
		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `UPDATE activations SET status=?, dispatched_at=?, dispatch_attempts=dispatch_attempts+1, last_error='', updated_at=?
			WHERE id=?`, string(domain.ActivationDispatched), now, now, id); err != nil {
			return err
		}
		if err := s.advanceTrigger(ctx, tx, rec, domain.StateActivating, domain.StateActivated, now, ""); err != nil {
			return err
		}
		rec, err = getActivation(ctx, tx, id)
		return err
	})
	return rec, err
}

// RecordDispatchAttempt notes a failed publish that will be retried.
func (s *Store) RecordDispatchAttempt(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE activations SET dispatch_attempts=dispatch_attempts+1, last_error=?, updated_at=? WHERE id=? AND status=?`,
		errMsg, formatTime(s.now()), id, string(domain.ActivationQueued))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: activation %s is not queued", ErrStateConflict, id)
	}
	return nil
}

// MarkDispatchFailed gives up on a QUEUED activation. The key is freed and
// the trigger returns to TRIGGERED so a later sweep can dispatch again.
func (s *Store) MarkDispatchFailed(ctx context.Context, id, reason string) (domain.ActivationRecord, error) {
	var rec domain.ActivationRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rec, err = getActivation(ctx, tx, id); err != nil {
			return err
		}
		if rec.Status != domain.ActivationQueued {
			return fmt.Errorf("%w: activation %s is %s", ErrStateConflict, id, rec.Status)
		}
		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `UPDATE activations SET status=?, last_error=?, updated_at=? WHERE id=?`,
			string(domain.ActivationDispatchFailed), reason, now, id); err != nil {
			return err
		}
		if err := s.advanceTrigger(ctx, tx, rec, domain.StateActivating, domain.StateTriggered, now, reason); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, EventDispatchFailed, rec.TriggerID, rec.ID, rec.Actor, string(domain.ActivationQueued),
			string(domain.ActivationDispatchFailed), eventDetail{"error": reason}); err != nil {
			return err
		}
		rec, err = getActivation(ctx, tx, id)
		return err
	})
	return rec, err
}

// RecordAnchorAttempt counts a failed ledger submission on the activation
// and on its trigger, so operators see the retry count.
func (s *Store) RecordAnchorAttempt(ctx context.Context, id, errMsg string) (domain.ActivationRecord, error) {
	var rec domain.ActivationRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rec, err = getActivation(ctx, tx, id); err != nil {
			return err
		}
		if !anchorable(rec.Status) {
			return fmt.Errorf("%w: activation %s is %s", ErrStateConflict, id, rec.Status)
		}
		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `UPDATE activations SET anchor_attempts=anchor_attempts+1, last_error=?, updated_at=? WHERE id=?`,
			errMsg, now, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE triggers SET anchor_attempts=anchor_attempts+1, last_error=?, updated_at=? WHERE id=? AND bucket=?`,
			errMsg, now, rec.TriggerID, rec.Bucket); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, EventAnchorAttempt, rec.TriggerID, rec.ID, domain.ActorSystem, string(rec.Status), string(rec.Status),
			eventDetail{"error": errMsg, "attempt": rec.AnchorAttempts + 1}); err != nil {
			return err
		}
		rec, err = getActivation(ctx, tx, id)
		return err
	})
	return rec, err
}

// MarkAnchored stores the ledger transaction reference on the activation
// and its trigger. Anchoring an already anchored activation is a no-op.
func (s *Store) MarkAnchored(ctx context.Context, id, txRef, contentHash string) (domain.ActivationRecord, error) {
	if txRef == "" {
		return domain.ActivationRecord{}, errors.New("transaction reference is required")
	}
	var rec domain.ActivationRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rec, err = getActivation(ctx, tx, id); err != nil {
			return err
		}
		if rec.Status == domain.ActivationAnchored {
			return nil
		}
		if !anchorable(rec.Status) {
			return fmt.Errorf("%w: activation %s is %s", ErrStateConflict, id, rec.Status)
		}
		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `UPDATE activations SET status=?, tx_ref=?, content_hash=?, anchored_at=?, last_error='', updated_at=? WHERE id=?`,
			string(domain.ActivationAnchored), txRef, contentHash, now, now, id); err != nil {
			return err
		}
		t, err := getTrigger(ctx, tx, rec.TriggerID)
		if err != nil {
			return err
		}
		if t.Bucket == rec.Bucket && domain.CanTransition(t.State, domain.StateAnchored) {
			if err := setTriggerState(ctx, tx, t, domain.StateAnchored, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE triggers SET tx_ref=?, last_error='' WHERE id=?`, txRef, t.ID); err != nil {
				return err
			}
		}
		if err := s.appendEvent(ctx, tx, EventActivationAnchor, rec.TriggerID, rec.ID, domain.ActorSystem, string(rec.Status),
			string(domain.ActivationAnchored), eventDetail{"tx_ref": txRef}); err != nil {
			return err
		}
		rec, err = getActivation(ctx, tx, id)
		return err
	})
	return rec, err
}

// MarkAnchorFailed surfaces exhausted anchoring: the activation becomes
// ANCHOR_FAILED and the trigger ACTIVATION_FAILED with the reason. The
// dispatch itself is not rolled back.
func (s *Store) MarkAnchorFailed(ctx context.Context, id, reason string) (domain.ActivationRecord, error) {
	var rec domain.ActivationRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rec, err = getActivation(ctx, tx, id); err != nil {
			return err
		}
		if !anchorable(rec.Status) {
			return fmt.Errorf("%w: activation %s is %s", ErrStateConflict, id, rec.Status)
		}
		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `UPDATE activations SET status=?, last_error=?, updated_at=? WHERE id=?`,
			string(domain.ActivationAnchorFailed), reason, now, id); err != nil {
			return err
		}
		if err := s.advanceTrigger(ctx, tx, rec, domain.StateActivated, domain.StateActivationFailed, now, reason); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, EventAnchorFailed, rec.TriggerID, rec.ID, domain.ActorSystem, string(rec.Status),
			string(domain.ActivationAnchorFailed), eventDetail{"error": reason}); err != nil {
			return err
		}
		rec, err = getActivation(ctx, tx, id)
		return err
	})
	return rec, err
}

// advanceTrigger moves the activation's trigger from one state to another
// when it still belongs to the activation's bucket and is in the expected
// state. Triggers that have moved on are left alone.
func (s *Store) advanceTrigger(ctx context.Context, tx *sql.Tx, rec domain.ActivationRecord, from, to domain.TriggerState, now, lastError string) error {
	t, err := getTrigger(ctx, tx, rec.TriggerID)
	if err != nil {
		return err
	}
	if t.Bucket != rec.Bucket || t.State != from {
		return nil
	}
	if err := setTriggerState(ctx, tx, t, to, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE triggers SET last_error=? WHERE id=?`, lastError, t.ID); err != nil {
		return err
	}
	if to == domain.StateActivated {
		return s.appendEvent(ctx, tx, EventActivationSent, t.ID, rec.ID, rec.Actor, string(from), string(to), nil)
	}
	return nil
}

func anchorable(st domain.ActivationStatus) bool {
	return st == domain.ActivationDispatched || st == domain.ActivationAnchorFailed
}

// GetActivation returns an activation by id.
func (s *Store) GetActivation(ctx context.Context, id string) (domain.ActivationRecord, error) {
	rec, err := scanActivation(s.db.QueryRowContext(ctx, `SELECT `+activationColumns+` FROM activations WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return rec, fmt.Errorf("activation %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// FindActivation returns the non-failed activation for a key.
func (s *Store) FindActivation(ctx context.Context, key domain.ActivationKey) (domain.ActivationRecord, error) {
	return scanActivation(s.db.QueryRowContext(ctx, `SELECT `+activationColumns+` FROM activations
		WHERE trigger_id=? AND repeat_key=? AND bucket=? AND status<>?`,
		key.TriggerID, key.RepeatKey, key.Bucket, string(domain.ActivationDispatchFailed)))
}

// LastFailedActivation returns the most recent DISPATCH_FAILED activation for
// a key, so a retry can carry the original actor, documents and notes.
func (s *Store) LastFailedActivation(ctx context.Context, key domain.ActivationKey) (domain.ActivationRecord, error) {
	return scanActivation(s.db.QueryRowContext(ctx, `SELECT `+activationColumns+` FROM activations
		WHERE trigger_id=? AND repeat_key=? AND bucket=? AND status=? ORDER BY created_at DESC LIMIT 1`,
		key.TriggerID, key.RepeatKey, key.Bucket, string(domain.ActivationDispatchFailed)))
}

// ListActivations returns activations matching the filter, newest first.
func (s *Store) ListActivations(ctx context.Context, f ActivationFilter) ([]domain.ActivationRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.TriggerID != "" {
		where = append(where, "trigger_id=?")
		args = append(args, f.TriggerID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	q := `SELECT ` + activationColumns + ` FROM activations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivationRecord
	for rows.Next() {
		rec, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func findLive(ctx context.Context, tx *sql.Tx, key domain.ActivationKey) (domain.ActivationRecord, error) {
	return scanActivation(tx.QueryRowContext(ctx, `SELECT `+activationColumns+` FROM activations
		WHERE trigger_id=? AND repeat_key=? AND bucket=? AND status<>?`,
		key.TriggerID, key.RepeatKey, key.Bucket, string(domain.ActivationDispatchFailed)))
}

func getActivation(ctx context.Context, tx *sql.Tx, id string) (domain.ActivationRecord, error) {
	rec, err := scanActivation(tx.QueryRowContext(ctx, `SELECT `+activationColumns+` FROM activations WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return rec, fmt.Errorf("activation %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func scanActivation(row scanner) (domain.ActivationRecord, error) {
	var (
		rec                      domain.ActivationRecord
		status, actor, docs      string
		firedAt                  string
		dispatchedAt, anchoredAt sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(&rec.ID, &rec.TriggerID, &rec.RepeatKey, &rec.Bucket, &rec.Basin, &status, &actor, &rec.ActorID, &docs, &rec.Notes,
		&firedAt, &dispatchedAt, &anchoredAt, &rec.ContentHash, &rec.TxRef, &rec.DispatchAttempts, &rec.AnchorAttempts, &rec.LastError,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Status, rec.Actor = domain.ActivationStatus(status), domain.Actor(actor)
	if err := json.Unmarshal([]byte(docs), &rec.Documents); err != nil {
		return rec, fmt.Errorf("decode documents of activation %s: %w", rec.ID, err)
	}
	if len(rec.Documents) == 0 {
		rec.Documents = nil
	}
	if rec.FiredAt, err = parseTime(firedAt); err != nil {
		return rec, err
	}
	if rec.DispatchedAt, err = parseNullTime(dispatchedAt); err != nil {
		return rec, err
	}
	if rec.AnchoredAt, err = parseNullTime(anchoredAt); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

func nonNilDocs(docs []domain.Document) []domain.Document {
	if docs == nil {
		return []domain.Document{}
	}
	return docs
}
