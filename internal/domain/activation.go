package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ActivationStatus tracks an activation through dispatch and anchoring.
type ActivationStatus string

const (
	ActivationQueued     ActivationStatus = "QUEUED"
	ActivationDispatched ActivationStatus = "DISPATCHED"
	ActivationAnchored   ActivationStatus = "ANCHORED"
	// ActivationAnchorFailed means the queue hand-off succeeded but the ledger
	// write did not. The activation still counts for deduplication.
	ActivationAnchorFailed ActivationStatus = "ANCHOR_FAILED"
	// ActivationDispatchFailed is the only status that frees the activation key
	// for another attempt.
	ActivationDispatchFailed ActivationStatus = "DISPATCH_FAILED"
)

// ActivationStatuses lists every status.
var ActivationStatuses = []ActivationStatus{
	ActivationQueued, ActivationDispatched, ActivationAnchored, ActivationAnchorFailed, ActivationDispatchFailed,
}

// Live reports whether the status holds the activation key.
func (s ActivationStatus) Live() bool { return s != ActivationDispatchFailed }

// Actor distinguishes automatic from operator-initiated activations.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorManual Actor = "manual"
)

// ActivationKey scopes at-most-once activation.
type ActivationKey struct {
	TriggerID string `json:"trigger_id"`
	RepeatKey string `json:"repeat_key"`
	Bucket    string `json:"bucket"`
}

// String renders the key as used for queue message keys and ledger
// idempotency keys.
func (k ActivationKey) String() string {
	return k.TriggerID + "|" + k.RepeatKey + "|" + k.Bucket
}

// Document is a supporting document attached to an activation.
type Document struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// ActivationRequest asks the dispatcher to activate a trigger for a bucket.
type ActivationRequest struct {
	Key       ActivationKey
	Actor     Actor
	ActorID   string
	Documents []Document
	Notes     string
}

// ActivationRecord is one firing occurrence of a trigger.
type ActivationRecord struct {
	ID               string           `json:"id"`
	TriggerID        string           `json:"trigger_id"`
	RepeatKey        string           `json:"repeat_key"`
	Bucket           string           `json:"bucket"`
	Basin            string           `json:"basin"`
	Status           ActivationStatus `json:"status"`
	Actor            Actor            `json:"actor"`
	ActorID          string           `json:"actor_id,omitempty"`
	Documents        []Document       `json:"documents,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	FiredAt          time.Time        `json:"fired_at"`
	DispatchedAt     time.Time        `json:"dispatched_at,omitzero"`
	AnchoredAt       time.Time        `json:"anchored_at,omitzero"`
	ContentHash      string           `json:"content_hash,omitempty"`
	TxRef            string           `json:"tx_ref,omitempty"`
	DispatchAttempts int              `json:"dispatch_attempts"`
	AnchorAttempts   int              `json:"anchor_attempts"`
	LastError        string           `json:"last_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Key returns the record's activation key.
func (a ActivationRecord) Key() ActivationKey {
	return ActivationKey{TriggerID: a.TriggerID, RepeatKey: a.RepeatKey, Bucket: a.Bucket}
}

// ActivationMessage is published to downstream consumers, which dedupe on
// IdempotencyKey.
type ActivationMessage struct {
	IdempotencyKey string     `json:"idempotency_key"`
	ActivationID   string     `json:"activation_id"`
	TriggerID      string     `json:"trigger_id"`
	RepeatKey      string     `json:"repeat_key"`
	Bucket         string     `json:"bucket"`
	Basin          string     `json:"basin"`
	Title          string     `json:"title"`
	IsMandatory    bool       `json:"is_mandatory"`
	ActivatedAt    time.Time  `json:"activated_at"`
	Actor          Actor      `json:"actor"`
	ActorID        string     `json:"actor_id,omitempty"`
	Documents      []Document `json:"documents,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// NewActivationMessage builds the queue message for an activation.
func NewActivationMessage(a ActivationRecord, t Trigger) ActivationMessage {
	return ActivationMessage{
		IdempotencyKey: a.Key().String(),
		ActivationID:   a.ID,
		TriggerID:      a.TriggerID,
		RepeatKey:      a.RepeatKey,
		Bucket:         a.Bucket,
		Basin:          a.Basin,
		Title:          t.Title,
		IsMandatory:    t.IsMandatory,
		ActivatedAt:    a.FiredAt.UTC(),
		Actor:          a.Actor,
		ActorID:        a.ActorID,
		Documents:      a.Documents,
		Notes:          a.Notes,
	}
}

// LedgerEntry is the tamper-evident record written to the ledger.
type LedgerEntry struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ActivationID   string    `json:"activation_id"`
	TriggerID      string    `json:"trigger_id"`
	RepeatKey      string    `json:"repeat_key"`
	Bucket         string    `json:"bucket"`
	Basin          string    `json:"basin"`
	Statement      string    `json:"statement"`
	Actor          Actor     `json:"actor"`
	ActivatedAt    time.Time `json:"activated_at"`
	ContentHash    string    `json:"content_hash"`
}

// NewLedgerEntry builds the ledger entry for an activation and computes its
// content hash.
func NewLedgerEntry(a ActivationRecord, t Trigger) (LedgerEntry, error) {
	e := LedgerEntry{
		IdempotencyKey: a.Key().String(),
		ActivationID:   a.ID,
		TriggerID:      a.TriggerID,
		RepeatKey:      a.RepeatKey,
		Bucket:         a.Bucket,
		Basin:          a.Basin,
		Statement:      t.Statement,
		Actor:          a.Actor,
		ActivatedAt:    a.FiredAt.UTC(),
	}
	h, err := e.ComputeHash()
	if err != nil {
		return LedgerEntry{}, err
	}
	e.ContentHash = h
	return e, nil
}

// ComputeHash returns the hex sha256 of the entry's canonical JSON, excluding
// the hash itself.
func (e LedgerEntry) ComputeHash() (string, error) {
	tmp := e
	tmp.ContentHash = ""
	tmp.ActivatedAt = e.ActivatedAt.UTC()
	b, err := json.Marshal(tmp)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}
