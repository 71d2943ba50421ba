package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TriggerState is a trigger's lifecycle state within its current bucket.
type TriggerState string

const (
	StatePending          TriggerState = "PENDING"
	StateTriggered        TriggerState = "TRIGGERED"
	StateActivating       TriggerState = "ACTIVATING"
	StateActivated        TriggerState = "ACTIVATED"
	StateAnchored         TriggerState = "ANCHORED"
	StateActivationFailed TriggerState = "ACTIVATION_FAILED"
)

// TriggerStates lists every state in lifecycle order.
var TriggerStates = []TriggerState{
	StatePending, StateTriggered, StateActivating, StateActivated, StateAnchored, StateActivationFailed,
}

var transitions = map[TriggerState][]TriggerState{
	// Manual activations skip evaluation and go straight to ACTIVATING.
	StatePending:    {StateTriggered, StateActivating},
	StateTriggered:  {StateActivating},
	StateActivating: {StateActivated, StateTriggered},
	StateActivated:  {StateAnchored, StateActivationFailed},
	// The reconciler re-anchors without re-dispatching.
	StateActivationFailed: {StateAnchored},
}

// CanTransition reports whether a trigger may move from one state to another
// within the same bucket. Bucket restarts are handled by [Trigger.NeedsRestart].
func CanTransition(from, to TriggerState) bool {
	return slices.Contains(transitions[from], to)
}

// Trigger is a configured anticipatory-action condition for one basin.
type Trigger struct {
	ID          string `json:"id"`
	Basin       string `json:"basin"`
	RepeatKey   string `json:"repeat_key"`
	RepeatEvery string `json:"repeat_every"`
	Statement   string `json:"statement"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Notes       string `json:"notes,omitempty"`
	IsMandatory bool   `json:"is_mandatory"`
	IsTriggered bool   `json:"is_triggered"`
	IsDeleted   bool   `json:"is_deleted"`

	State TriggerState `json:"state"`
	// Bucket is the cadence bucket the current state belongs to. Empty until
	// the first evaluation.
	Bucket         string    `json:"bucket,omitempty"`
	TxRef          string    `json:"tx_ref,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	AnchorAttempts int       `json:"anchor_attempts"`
	TriggeredAt    time.Time `json:"triggered_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NeedsRestart reports whether the trigger should return to PENDING for the
// given bucket. Triggers with work in flight keep their bucket until it
// settles.
func (t Trigger) NeedsRestart(bucket string) bool {
	if t.Bucket == bucket {
		return false
	}
	switch t.State {
	case StatePending, StateAnchored, StateActivationFailed:
		return true
	}
	return false
}

// Cadence parses the trigger's repeatEvery value.
func (t Trigger) Cadence() (Cadence, error) {
	return ParseCadence(t.RepeatEvery)
}

// ActivationKey returns the idempotency key for the trigger's current bucket.
func (t Trigger) ActivationKey() ActivationKey {
	return ActivationKey{TriggerID: t.ID, RepeatKey: t.RepeatKey, Bucket: t.Bucket}
}

// TriggerSpec is an operator-supplied trigger definition.
type TriggerSpec struct {
	Basin       string `json:"basin" yaml:"basin"`
	RepeatKey   string `json:"repeat_key" yaml:"repeatKey"`
	RepeatEvery string `json:"repeat_every" yaml:"repeatEvery"`
	Statement   string `json:"statement" yaml:"statement"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Notes       string `json:"notes,omitempty" yaml:"notes,omitempty"`
	IsMandatory bool   `json:"is_mandatory" yaml:"isMandatory"`
}

// Validate parses the statement and cadence and checks that every series the
// statement reads comes from a feed enabled for the basin.
func (s TriggerSpec) Validate(src Source) (*Statement, error) {
	if strings.TrimSpace(s.Basin) == "" {
		return nil, fmt.Errorf("%w: basin is required", ErrInvalidTrigger)
	}
	if strings.TrimSpace(s.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTrigger)
	}
	if src.Basin != s.Basin {
		return nil, fmt.Errorf("%w: source for basin %q given, want %q", ErrInvalidTrigger, src.Basin, s.Basin)
	}
	if _, err := ParseCadence(s.RepeatEvery); err != nil {
		return nil, err
	}
	stmt, err := ParseStatement(s.Statement)
	if err != nil {
		return nil, err
	}
	if err := stmt.ValidateFor(src); err != nil {
		return nil, err
	}
	return stmt, nil
}
