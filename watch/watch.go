// Package watch polls a SQLite database for a version token and runs a
// reload action when it moves. guardxp uses it to pick up allow/deny list
// edits made out of band (another process, the admin surfaces of another
// instance) without waiting for the refresh interval.
//
//	w := watch.New(st.DB, watch.Options{Interval: 2 * time.Second})
//	go w.Run(ctx, func(ctx context.Context) error { _, err := g.Refresh(ctx); return err })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two different results mean a change.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher. Zero values take defaults.
type Options struct {
	// Interval is the polling period. Default 2s.
	Interval time.Duration
	// Debounce delays the action until the token has been stable this long.
	// 0 fires on the first poll that sees the change.
	Debounce time.Duration
	// Detector defaults to PragmaUserVersion.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaUserVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Reloads int64 `json:"reloads"`
	Errors  int64 `json:"errors"`
	Version int64 `json:"version"`
}

// Watcher runs one poll loop. Stats and Version are safe from any goroutine.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	reloads atomic.Int64
	errors  atomic.Int64
}

// New creates a Watcher. Nothing happens until Run.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Version returns the last token for which the action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Reloads: w.reloads.Load(),
		Errors:  w.errors.Load(),
		Version: w.version.Load(),
	}
}

// Run polls until ctx is done. The token seen at start is the baseline and
// does not trigger the action. A failed action leaves the version where it
// was, so the next poll retries.
func (w *Watcher) Run(ctx context.Context, action func(ctx context.Context) error) {
	log := w.opts.Logger
	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		w.errors.Add(1)
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		pending int64
		seenAt  time.Time
		waiting bool
	)
	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			return
		case now := <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() {
				waiting = false
				continue
			}
			if !waiting || cur != pending {
				w.changes.Add(1)
				pending, seenAt, waiting = cur, now, true
			}
			if now.Sub(seenAt) < w.opts.Debounce {
				continue
			}
			if w.fire(ctx, action, pending) {
				waiting = false
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, v int64) bool {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("watch: reload failed", "version", v, "error", err)
		return false
	}
	w.reloads.Add(1)
	old := w.version.Swap(v)
	w.opts.Logger.Info("watch: reloaded", "old_version", old, "version", v, "duration", time.Since(start))
	return true
}

// PragmaUserVersion reads PRAGMA user_version, which the store bumps on
// every list mutation.
func PragmaUserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}
