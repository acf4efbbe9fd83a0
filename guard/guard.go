// Package guard is the guardxp engine. For every response the host proxy
// hands it, the engine fingerprints the body, classifies it against the
// current list snapshot, suppresses or redacts tracking code, and records
// the outcome.
//
// Usage:
//
//	g, err := guard.New(cfg, logger)
//	defer g.Close()
//	g.Start(ctx)
//	res := g.Process(ctx, &guard.Flow{URL: u, Header: h, Body: b})
//	g.RegisterHTTP(router)
//	g.RegisterMCP(mcpServer)
package guard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/guardxp/audit"
	"github.com/hazyhaar/guardxp/classify"
	"github.com/hazyhaar/guardxp/geoip"
	"github.com/hazyhaar/guardxp/idgen"
	"github.com/hazyhaar/guardxp/internal/store"
	"github.com/hazyhaar/guardxp/watch"
)

// Guard is one engine instance. All methods are safe for concurrent use.
type Guard struct {
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time
	table   classify.Table
	locator geoip.Locator
	// geoClose releases a locator loaded from geoip_path.
	geoClose io.Closer

	store    *store.Store
	lists    *classify.Store
	sink     *audit.Sink
	watcher  *watch.Watcher
	runID    string
	statusID int64

	// lastRefresh is unix nanoseconds of the last refresh attempt.
	lastRefresh atomic.Int64
	refreshSF   singleflight.Group
	refreshes   atomic.Int64
	refreshErrs atomic.Int64
	processed   atomic.Int64
	filtered    atomic.Int64
}

// Option customises New.
type Option func(*Guard)

// WithLocator sets the GeoIP collaborator, overriding geoip_path.
func WithLocator(l geoip.Locator) Option { return func(g *Guard) { g.locator = l } }

// WithClock replaces time.Now for staleness checks and audit timestamps.
func WithClock(fn func() time.Time) Option { return func(g *Guard) { g.now = fn } }

// WithTable supplies the redaction table instead of reading offsets_path.
func WithTable(t classify.Table) Option { return func(g *Guard) { g.table = t } }

// New opens the database, loads the redaction table and the lists, and
// opens this run's status row. Any failure here is fatal for startup.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Guard, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{cfg: cfg, logger: logger, now: time.Now}
	for _, o := range opts {
		o(g)
	}

	if g.table == nil {
		t, err := classify.LoadTable(cfg.OffsetsPath, logger)
		if err != nil {
			return nil, fmt.Errorf("guard: redaction table: %w", err)
		}
		g.table = t
	}

	if g.locator == nil && cfg.GeoIPPath != "" {
		loc, closer, err := geoip.Load(cfg.GeoIPPath, logger)
		if err != nil {
			return nil, fmt.Errorf("guard: geoip: %w", err)
		}
		g.locator, g.geoClose = loc, closer
	}

	st, err := store.Open(cfg.DBPath, store.Options{
		Timeout:  cfg.DBTimeout,
		PoolSize: cfg.DBPoolSize,
		Logger:   logger,
	})
	if err != nil {
		return g.abort(fmt.Errorf("guard: open store: %w", err))
	}
	g.store = st

	ctx := context.Background()
	g.lists = classify.NewStore(g.table, st, logger)
	if _, err := g.lists.Load(ctx); err != nil {
		return g.abort(fmt.Errorf("guard: initial list load: %w", err))
	}
	g.lastRefresh.Store(g.now().UnixNano())

	g.runID = idgen.RunID()
	g.statusID, err = st.StartStatus(ctx, g.runID)
	if err != nil {
		return g.abort(fmt.Errorf("guard: status row: %w", err))
	}

	g.sink = audit.New(st, g.statusID, audit.Options{
		Buffer:        cfg.AuditBuffer,
		FlushInterval: cfg.AuditFlushInterval,
		WriteTimeout:  cfg.DBTimeout,
		Logger:        logger,
		Now:           g.now,
	})

	logger.Info("guard: ready",
		"run_id", g.runID, "db", cfg.DBPath, "table", len(g.table),
		"geoip", g.locator != nil, "refresh_interval", cfg.RefreshInterval)
	return g, nil
}

// abort releases what New opened before failing.
func (g *Guard) abort(err error) (*Guard, error) {
	if g.geoClose != nil {
		g.geoClose.Close()
	}
	if g.store != nil {
		g.store.Close()
	}
	return nil, err
}

// Start launches the list watcher when watch_lists is set. It returns
// immediately; the watcher stops with ctx.
func (g *Guard) Start(ctx context.Context) {
	if !g.cfg.WatchLists {
		return
	}
	g.watcher = watch.New(g.store.DB, watch.Options{
		Interval: g.cfg.WatchInterval,
		Detector: watch.PragmaUserVersion,
		Logger:   g.logger,
	})
	go g.watcher.Run(ctx, func(ctx context.Context) error {
		_, err := g.Refresh(ctx)
		return err
	})
}

// Close drains the audit sink and closes the database.
func (g *Guard) Close() error {
	g.sink.Close()
	st := g.sink.Stats()
	g.logger.Info("guard: closed", "run_id", g.runID,
		"audit_written", st.Written, "audit_failed", st.Failed, "audit_dropped", st.Dropped)
	if g.geoClose != nil {
		g.geoClose.Close()
	}
	return g.store.Close()
}

// RunID identifies this process start in proxy_status.
func (g *Guard) RunID() string { return g.runID }

// maybeRefresh refreshes the lists when the snapshot is older than the
// refresh interval. Only the caller that wins the CAS on lastRefresh does
// the work; failures keep the current snapshot.
func (g *Guard) maybeRefresh(ctx context.Context) {
	now := g.now().UnixNano()
	last := g.lastRefresh.Load()
	if time.Duration(now-last) <= g.cfg.RefreshInterval {
		return
	}
	if !g.lastRefresh.CompareAndSwap(last, now) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.DBTimeout)
	defer cancel()
	g.refresh(ctx)
}

// Refresh reloads the allow and deny sets now and resets the staleness
// timer. On failure the previous snapshot stays in use.
func (g *Guard) Refresh(ctx context.Context) (*classify.Snapshot, error) {
	g.lastRefresh.Store(g.now().UnixNano())
	return g.refresh(ctx)
}

func (g *Guard) refresh(ctx context.Context) (*classify.Snapshot, error) {
	v, err, _ := g.refreshSF.Do("lists", func() (any, error) {
		g.refreshes.Add(1)
		snap, err := g.lists.Refresh(ctx)
		if err != nil {
			g.refreshErrs.Add(1)
		}
		return snap, err
	})
	snap, _ := v.(*classify.Snapshot)
	return snap, err
}
