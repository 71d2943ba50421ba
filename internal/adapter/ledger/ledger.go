// Package ledger records activation proofs on an append-only ledger. Two
// backends are provided: a hash-chained JSON-lines file and a client for an
// HTTP contract gateway. Both are idempotent on the entry's idempotency key.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Lookup when no entry exists for a key.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrPermanent marks failures that retrying cannot fix.
	ErrPermanent = errors.New("permanent ledger failure")
	// ErrConflict is returned when a key is already recorded with different content.
	ErrConflict = errors.New("ledger entry conflict")
	// ErrLocked is returned by OpenFile while another FileLedger holds the file.
	ErrLocked = errors.New("ledger file is locked by another writer")
)

// Receipt identifies a recorded ledger entry.
type Receipt struct {
	TxRef       string    `json:"tx_ref"`
	ContentHash string    `json:"content_hash"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsRetryable reports whether a Submit error may succeed on a later attempt.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent)
}
