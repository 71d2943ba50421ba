package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

// Event types recorded in the activation audit trail.
const (
	EventTriggerCreated   = "trigger.created"
	EventTriggerRestarted = "trigger.restarted"
	EventTriggerFired     = "trigger.fired"
	EventTriggerDeleted   = "trigger.deleted"
	EventActivationQueued = "activation.queued"
	EventActivationSent   = "activation.dispatched"
	EventDispatchFailed   = "activation.dispatch_failed"
	EventAnchorAttempt    = "activation.anchor_attempt"
	EventActivationAnchor = "activation.anchored"
	EventAnchorFailed     = "activation.anchor_failed"
)

// Event is one audit trail entry.
type Event struct {
	ID           int64          `json:"id"`
	At           time.Time      `json:"at"`
	Type         string         `json:"type"`
	TriggerID    string         `json:"trigger_id"`
	ActivationID string         `json:"activation_id,omitempty"`
	Actor        string         `json:"actor"`
	From         string         `json:"from,omitempty"`
	To           string         `json:"to,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

type eventDetail map[string]any

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, typ, triggerID, activationID string, actor domain.Actor, from, to string, detail eventDetail) error {
	if detail == nil {
		detail = eventDetail{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal event detail: %w", err)
	}
	var actID any
	if activationID != "" {
		actID = activationID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activation_events(ts,type,trigger_id,activation_id,actor,from_state,to_state,detail_json) VALUES (?,?,?,?,?,?,?,?)`,
		formatTime(s.now()), typ, triggerID, actID, string(actor), from, to, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	return nil
}

// ListEvents returns the audit trail of a trigger, oldest first.
func (s *Store) ListEvents(ctx context.Context, triggerID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,ts,type,trigger_id,COALESCE(activation_id,''),actor,from_state,to_state,detail_json
		FROM activation_events WHERE trigger_id=? ORDER BY id`, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Event
	for rows.Next() {
		var (
			e      Event
			ts     string
			detail string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.TriggerID, &e.ActivationID, &e.Actor, &e.From, &e.To, &detail); err != nil {
			return nil, err
		}
		if e.At, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("decode event detail: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
