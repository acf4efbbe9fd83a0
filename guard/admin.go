package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/guardxp/audit"
	"github.com/hazyhaar/guardxp/classify"
	"github.com/hazyhaar/guardxp/fingerprint"
	"github.com/hazyhaar/guardxp/internal/store"
	"github.com/hazyhaar/guardxp/watch"
)

// SnapshotStats describes the published snapshot.
type SnapshotStats struct {
	Version  uint64    `json:"version"`
	Allow    int       `json:"allow"`
	Deny     int       `json:"deny"`
	Table    int       `json:"table"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Stats is the engine status report.
type Stats struct {
	RunID           string           `json:"run_id"`
	Snapshot        SnapshotStats    `json:"snapshot"`
	SinceRefresh    string           `json:"since_refresh"`
	Refreshes       int64            `json:"refreshes"`
	RefreshFailures int64            `json:"refresh_failures"`
	Processed       int64            `json:"processed"`
	Filtered        int64            `json:"filtered"`
	Audit           audit.Stats      `json:"audit"`
	Breaker         string           `json:"db_breaker"`
	Status          *store.StatusRow `json:"status,omitempty"`
	StatusError     string           `json:"status_error,omitempty"`
	Watch           *watch.Stats     `json:"watch,omitempty"`
}

// Stats gathers counters. The persisted status row is read from the
// database; if that fails the error is reported in StatusError.
func (g *Guard) Stats(ctx context.Context) Stats {
	snap := g.lists.Current()
	allow, deny, table := snap.Counts()
	since := g.now().Sub(time.Unix(0, g.lastRefresh.Load()))

	s := Stats{
		RunID: g.runID,
		Snapshot: SnapshotStats{
			Version:  snap.Version(),
			Allow:    allow,
			Deny:     deny,
			Table:    table,
			LoadedAt: snap.LoadedAt(),
		},
		SinceRefresh:    since.Round(time.Millisecond).String(),
		Refreshes:       g.refreshes.Load(),
		RefreshFailures: g.refreshErrs.Load(),
		Processed:       g.processed.Load(),
		Filtered:        g.filtered.Load(),
		Audit:           g.sink.Stats(),
		Breaker:         g.store.Breaker().State().String(),
	}
	row, err := g.store.Status(ctx, g.statusID)
	if err != nil {
		s.StatusError = err.Error()
	} else {
		s.Status = row
	}
	if g.watcher != nil {
		ws := g.watcher.Stats()
		s.Watch = &ws
	}
	return s
}

// LastStatus reads the newest proxy_status row from cfg.DBPath without
// starting an engine. The database is opened read-only, so a running
// instance's counters are reported and nothing is inserted.
func LastStatus(ctx context.Context, cfg *Config, logger *slog.Logger) (*store.StatusRow, error) {
	cfg.defaults()
	st, err := store.OpenReadOnly(cfg.DBPath, store.Options{
		Timeout: cfg.DBTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("guard: open store read-only: %w", err)
	}
	defer st.Close()
	return st.LatestStatus(ctx)
}

// Lookup classifies fp against the current snapshot without touching any
// content.
func (g *Guard) Lookup(fp fingerprint.Fingerprint) classify.Decision {
	return g.lists.Current().Classify(fp)
}

// SetListStatus puts fp on the allow or deny list and refreshes so the
// change applies to the next response.
func (g *Guard) SetListStatus(ctx context.Context, fp fingerprint.Fingerprint, status store.ListStatus) error {
	if err := g.store.SetListStatus(ctx, fp, status); err != nil {
		return err
	}
	g.logger.Info("guard: list entry set", "hash", string(fp), "status", status.String())
	g.refreshAfterEdit(ctx)
	return nil
}

// DeleteListEntry removes fp from the lists. It reports whether an entry
// existed.
func (g *Guard) DeleteListEntry(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	removed, err := g.store.DeleteListEntry(ctx, fp)
	if err != nil || !removed {
		return removed, err
	}
	g.logger.Info("guard: list entry deleted", "hash", string(fp))
	g.refreshAfterEdit(ctx)
	return true, nil
}

// ListEntries returns list rows, newest first.
func (g *Guard) ListEntries(ctx context.Context, status store.ListStatus, limit int) ([]store.ListEntry, error) {
	return g.store.ListEntries(ctx, status, limit)
}

// RecentAudit returns the newest audit rows.
func (g *Guard) RecentAudit(ctx context.Context, limit int) ([]store.AuditRecord, error) {
	return g.store.RecentAudit(ctx, limit)
}

// refreshAfterEdit rebuilds the snapshot outside the shared refresh so it
// never joins a build that read the lists before the edit committed.
func (g *Guard) refreshAfterEdit(ctx context.Context) {
	g.lastRefresh.Store(g.now().UnixNano())
	g.refreshes.Add(1)
	if _, err := g.lists.Refresh(ctx); err != nil {
		g.refreshErrs.Add(1)
		g.logger.Warn("guard: refresh after list edit failed", "error", err)
	}
}
