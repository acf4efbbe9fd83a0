// Package classify holds the classification tables and decides, per content
// fingerprint, whether a resource passes, is suppressed or is partially
// redacted.
//
// Three sources feed a Snapshot:
//
//	allow-set  dynamic, from the persistence layer (bwlist status 0)
//	deny-set   dynamic, from the persistence layer (bwlist status 1)
//	table      static redaction table, loaded once from JSON
//
// The Store publishes snapshots atomically. Readers call Current once per
// request and keep that pointer; Refresh builds a complete replacement before
// swapping it in, so no reader ever sees a half-loaded snapshot.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/guardxp/fingerprint"
)

// ErrStoreUnavailable is returned when the dynamic lists cannot be loaded.
var ErrStoreUnavailable = errors.New("classify: list store unavailable")

// ListSource loads the dynamic allow and deny sets.
type ListSource interface {
	LoadAllowSet(ctx context.Context) ([]fingerprint.Fingerprint, error)
	LoadDenySet(ctx context.Context) ([]fingerprint.Fingerprint, error)
}

// Store owns the published Snapshot.
type Store struct {
	table  Table
	src    ListSource
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[Snapshot]
	// started numbers builds in the order they begin reading the lists.
	started atomic.Uint64
	// mu serialises publication. published is the started number of the
	// snapshot in current; a build that began earlier is never published
	// over it.
	mu        sync.Mutex
	version   uint64
	published uint64
}

// NewStore creates a Store. Nothing is published until Load succeeds.
func NewStore(table Table, src ListSource, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = Table{}
	}
	return &Store{table: table, src: src, logger: logger, now: time.Now}
}

// Load performs the initial load. Its error is meant to abort startup.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	snap, err := s.build(ctx)
	if err != nil {
		return nil, err
	}
	allow, deny, table := snap.Counts()
	s.logger.Info("classify: lists loaded", "allow", allow, "deny", deny, "table", table)
	return snap, nil
}

// Refresh reloads the allow and deny sets and publishes a new snapshot. The
// redaction table is not re-read. On failure the previous snapshot stays
// published and the error wraps ErrStoreUnavailable.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := s.build(ctx)
	if err != nil {
		s.logger.Error("classify: list refresh failed, keeping previous snapshot",
			"version", s.currentVersion(), "error", err)
		return s.Current(), err
	}
	allow, deny, _ := snap.Counts()
	s.logger.Debug("classify: lists refreshed", "version", snap.Version(), "allow", allow, "deny", deny)
	return snap, nil
}

// Current returns the published snapshot, or nil before the first Load.
func (s *Store) Current() *Snapshot { return s.current.Load() }

// Table returns the static redaction table.
func (s *Store) Table() Table { return s.table }

func (s *Store) currentVersion() uint64 {
	if snap := s.Current(); snap != nil {
		return snap.Version()
	}
	return 0
}

func (s *Store) build(ctx context.Context) (*Snapshot, error) {
	if s.src == nil {
		return nil, fmt.Errorf("%w: no list source", ErrStoreUnavailable)
	}
	seq := s.started.Add(1)
	allow, err := s.src.LoadAllowSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: allow-set: %w", ErrStoreUnavailable, err)
	}
	deny, err := s.src.LoadDenySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: deny-set: %w", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.published {
		// A build that read the lists later already won.
		return s.current.Load(), nil
	}
	s.published = seq
	s.version++
	snap := NewSnapshot(allow, deny, s.table, s.version, s.now())
	s.current.Store(snap)
	return snap, nil
}
