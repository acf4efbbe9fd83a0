// Package store is the SQLite persistence layer: dynamic allow/deny lists,
// first-level domains, the audit log and per-run status counters.
//
// Every operation borrows one pooled connection for its whole duration and
// gives it back on every exit path. Acquisition is bounded by a timeout and
// retried once; repeated failures open a circuit breaker, after which calls
// fail fast with ErrUnavailable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hazyhaar/guardxp/breaker"
	"github.com/hazyhaar/guardxp/dbopen"
)

// ErrUnavailable is returned when no connection could be acquired.
var ErrUnavailable = errors.New("store: database unavailable")

// Options tunes connection handling. Zero values take defaults.
type Options struct {
	// Timeout bounds each operation, acquisition included. Default 2s.
	Timeout time.Duration
	// RetryWait is the pause before the single acquisition retry. Default 50ms.
	RetryWait time.Duration
	// PoolSize caps open connections. Default 5.
	PoolSize int
	Breaker  *breaker.Breaker
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 50 * time.Millisecond
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Breaker == nil {
		logger := o.Logger
		o.Breaker = breaker.New(breaker.OnStateChange(func(from, to breaker.State) {
			logger.Warn("store: breaker state change", "from", from.String(), "to", to.String())
		}))
	}
}

// Store is the guardxp database handle.
type Store struct {
	DB *sql.DB

	opts Options
	now  func() time.Time
}

// Open opens (or creates) the database at path and applies Schema.
func Open(path string, opts Options, dbOpts ...dbopen.Option) (*Store, error) {
	opts.defaults()
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithPoolSize(opts.PoolSize),
		dbopen.WithSchema(Schema),
	}, dbOpts...)

	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db, opts: opts, now: time.Now}, nil
}

// OpenReadOnly opens an existing database without writing to it: no schema,
// no journal mode change. Writes through the returned Store fail.
func OpenReadOnly(path string, opts Options) (*Store, error) {
	opts.defaults()
	db, err := dbopen.Open(path, dbopen.WithReadOnly(), dbopen.WithPoolSize(opts.PoolSize))
	if err != nil {
		return nil, err
	}
	return &Store{DB: db, opts: opts, now: time.Now}, nil
}

// New wraps an already open database and applies Schema.
func New(db *sql.DB, opts Options) (*Store, error) {
	opts.defaults()
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{DB: db, opts: opts, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Breaker exposes the acquisition breaker for status reporting.
func (s *Store) Breaker() *breaker.Breaker { return s.opts.Breaker }

// withConn runs fn on one pooled connection under the operation timeout.
func (s *Store) withConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	if !s.opts.Breaker.Allow() {
		return fmt.Errorf("%w: %w", ErrUnavailable, breaker.ErrOpen)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var conn *sql.Conn
	b := retry.WithMaxRetries(1, retry.NewConstant(s.opts.RetryWait))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, err := s.DB.Conn(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := c.PingContext(ctx); err != nil {
			c.Close()
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		s.opts.Breaker.Failure()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.opts.Breaker.Success()
	defer conn.Close()

	return fn(ctx, conn)
}

func (s *Store) millis() int64 { return s.now().UnixMilli() }
