// Package dbopen opens the SQLite databases used by guardxp.
//
// Pragmas are passed through the DSN (_pragma=...) so that every pooled
// connection gets them, not just the first one:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("guardxp.db", dbopen.WithPoolSize(5))
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type config struct {
	driver      string
	busyTimeout int
	synchronous string
	foreignKeys bool
	mkdirAll    bool
	poolSize    int
	schemas     []string
	ping        bool
	readOnly    bool
}

func defaults() config {
	return config{
		driver:      "sqlite",
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		foreignKeys: true,
		ping:        true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithPoolSize caps open connections (and idle connections) at n. 0 keeps
// the database/sql defaults.
func WithPoolSize(n int) Option { return func(c *config) { c.poolSize = n } }

// WithSchema queues SQL to execute once the database is open.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// WithReadOnly opens the file with mode=ro. The journal mode is left as the
// writer set it and a missing file is an error.
func WithReadOnly() Option { return func(c *config) { c.readOnly = true } }

// WithoutForeignKeys disables PRAGMA foreign_keys.
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// Open opens an SQLite database at path. The caller must blank-import the
// driver (modernc.org/sqlite registers "sqlite").
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && !cfg.readOnly && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, dsn(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if cfg.poolSize > 0 {
		db.SetMaxOpenConns(cfg.poolSize)
		db.SetMaxIdleConns(cfg.poolSize)
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping: %w", err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests. MaxOpenConns is 1 because
// every connection to ":memory:" is a separate database. The database is
// closed on test cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", append(opts, WithPoolSize(1))...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func dsn(path string, cfg *config) string {
	fk := "1"
	if !cfg.foreignKeys {
		fk = "0"
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys("+fk+")")
	if !cfg.readOnly {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout))
	q.Add("_pragma", "synchronous("+strings.ToUpper(cfg.synchronous)+")")
	if cfg.readOnly {
		q.Set("mode", "ro")
		return "file:" + path + "?" + q.Encode()
	}
	return path + "?" + q.Encode()
}
