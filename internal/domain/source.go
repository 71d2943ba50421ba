package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// SourceKind names one of the external observation feeds.
type SourceKind string

const (
	SourceAgency      SourceKind = "agency"
	SourceContinental SourceKind = "continental"
	SourceGlobal      SourceKind = "global"
)

// SourceKinds lists every supported feed in a stable order.
var SourceKinds = []SourceKind{SourceAgency, SourceContinental, SourceGlobal}

// ParseSourceKind accepts a kind name case-insensitively.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(SourceKinds, k) {
		return "", fmt.Errorf("%w: %q", ErrUnknownSourceKind, s)
	}
	return k, nil
}

// Source is a monitored basin together with the feeds enabled for it.
type Source struct {
	Basin     string       `json:"basin"`
	Kinds     []SourceKind `json:"kinds"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Enabled reports whether the feed is enabled for the basin.
func (s Source) Enabled(kind SourceKind) bool {
	return slices.Contains(s.Kinds, kind)
}
