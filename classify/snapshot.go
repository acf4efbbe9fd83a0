package classify

import (
	"time"

	"github.com/hazyhaar/guardxp/fingerprint"
	"github.com/hazyhaar/guardxp/redact"
)

// Disposition is the classification outcome for a resource.
type Disposition int

const (
	PassThrough   Disposition = iota // deliver unchanged
	Suppress                         // deliver an empty body
	PartialRedact                    // excise the entry's ranges
)

func (d Disposition) String() string {
	switch d {
	case PassThrough:
		return "pass"
	case Suppress:
		return "suppress"
	case PartialRedact:
		return "redact"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (d Disposition) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Entry is one row of the redaction table. Ranges only matter for
// PartialRedact.
type Entry struct {
	Disposition Disposition    `json:"disposition"`
	Ranges      []redact.Range `json:"ranges,omitempty"`
}

// Decision sources.
const (
	SourceAllow   = "allow"
	SourceDeny    = "deny"
	SourceTable   = "table"
	SourceDefault = "default"
)

// Decision is the result of classifying one fingerprint.
type Decision struct {
	Disposition Disposition    `json:"disposition"`
	Ranges      []redact.Range `json:"ranges,omitempty"`
	Source      string         `json:"source"`
}

// Snapshot is an immutable view of the classification tables. It is never
// modified after NewSnapshot returns.
type Snapshot struct {
	allow    map[fingerprint.Fingerprint]struct{}
	deny     map[fingerprint.Fingerprint]struct{}
	table    Table
	version  uint64
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from the given lists. The table is shared,
// not copied; callers must treat it as read-only.
func NewSnapshot(allow, deny []fingerprint.Fingerprint, table Table, version uint64, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		allow:    make(map[fingerprint.Fingerprint]struct{}, len(allow)),
		deny:     make(map[fingerprint.Fingerprint]struct{}, len(deny)),
		table:    table,
		version:  version,
		loadedAt: loadedAt,
	}
	for _, fp := range allow {
		s.allow[fp] = struct{}{}
	}
	for _, fp := range deny {
		s.deny[fp] = struct{}{}
	}
	return s
}

// Classify resolves fp. Precedence: allow-set, deny-set, table Suppress,
// table PartialRedact, then pass-through by default.
func (s *Snapshot) Classify(fp fingerprint.Fingerprint) Decision {
	if _, ok := s.allow[fp]; ok {
		return Decision{Disposition: PassThrough, Source: SourceAllow}
	}
	if _, ok := s.deny[fp]; ok {
		return Decision{Disposition: Suppress, Source: SourceDeny}
	}
	if e, ok := s.table[fp]; ok {
		switch e.Disposition {
		case Suppress:
			return Decision{Disposition: Suppress, Source: SourceTable}
		case PartialRedact:
			return Decision{Disposition: PartialRedact, Ranges: e.Ranges, Source: SourceTable}
		default:
			return Decision{Disposition: PassThrough, Source: SourceTable}
		}
	}
	return Decision{Disposition: PassThrough, Source: SourceDefault}
}

// Version is the publication counter, 1 for the initial load.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Counts returns the sizes of the allow-set, deny-set and table.
func (s *Snapshot) Counts() (allow, deny, table int) {
	return len(s.allow), len(s.deny), len(s.table)
}
