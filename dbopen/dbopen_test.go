package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/guardxp/dbopen"
)

func pragmaInt(t *testing.T, db *sql.DB, name string) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return v
}

func TestOpenDefaults(t *testing.T) {
	db := dbopen.OpenMemory(t)

	if fk := pragmaInt(t, db, "foreign_keys"); fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
	// NORMAL = 1
	if s := pragmaInt(t, db, "synchronous"); s != 1 {
		t.Fatalf("synchronous = %d, want 1", s)
	}
	if bt := pragmaInt(t, db, "busy_timeout"); bt != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", bt)
	}
}

func TestOptions(t *testing.T) {
	db := dbopen.OpenMemory(t,
		dbopen.WithBusyTimeout(2500),
		dbopen.WithoutForeignKeys(),
		dbopen.WithSynchronous("full"),
	)
	if bt := pragmaInt(t, db, "busy_timeout"); bt != 2500 {
		t.Fatalf("busy_timeout = %d, want 2500", bt)
	}
	if fk := pragmaInt(t, db, "foreign_keys"); fk != 0 {
		t.Fatalf("foreign_keys = %d, want 0", fk)
	}
	// FULL = 2
	if s := pragmaInt(t, db, "synchronous"); s != 2 {
		t.Fatalf("synchronous = %d, want 2", s)
	}
}

func TestPragmasOnEveryPooledConn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.db")
	db, err := dbopen.Open(path, dbopen.WithPoolSize(3), dbopen.WithBusyTimeout(1234))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	for i, c := range conns {
		var bt int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&bt); err != nil {
			t.Fatal(err)
		}
		if bt != 1234 {
			t.Fatalf("conn %d busy_timeout = %d, want 1234", i, bt)
		}
		c.Close()
	}
	if got := db.Stats().MaxOpenConnections; got != 3 {
		t.Fatalf("MaxOpenConnections = %d, want 3", got)
	}
}

func TestWithSchemaAndMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "x.db")
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(`CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY)`),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatal(err)
	}
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	if _, err := dbopen.Open(path, dbopen.WithReadOnly()); err == nil {
		t.Fatal("read-only open of a missing file succeeded")
	}

	w, err := dbopen.Open(path, dbopen.WithSchema("CREATE TABLE t (x INTEGER)"))
	if err != nil {
		t.Fatal(err)
	}
	w.Exec("INSERT INTO t VALUES (1)")
	w.Close()

	ro, err := dbopen.Open(path, dbopen.WithReadOnly())
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	var x int
	if err := ro.QueryRow("SELECT x FROM t").Scan(&x); err != nil || x != 1 {
		t.Fatalf("read: x = %d, err = %v", x, err)
	}
	if _, err := ro.Exec("INSERT INTO t VALUES (2)"); err == nil {
		t.Fatal("write on read-only database succeeded")
	}
}

func TestBadSchema(t *testing.T) {
	_, err := dbopen.Open(":memory:", dbopen.WithSchema(`NOT SQL`))
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (v TEXT)`))
	ctx := context.Background()

	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO t (v) VALUES ('a')`)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (v) VALUES ('b')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1 (second tx rolled back)", n)
	}
}

func TestRunTxRetriesBusy(t *testing.T) {
	db := dbopen.OpenMemory(t)
	calls := 0
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		if calls < 2 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestIsBusy(t *testing.T) {
	cases := map[string]bool{
		"database is locked":       true,
		"SQLITE_BUSY":              true,
		"database table is locked": true,
		"no such table: x":         false,
	}
	for msg, want := range cases {
		if got := dbopen.IsBusy(errors.New(msg)); got != want {
			t.Errorf("IsBusy(%q) = %v, want %v", msg, got, want)
		}
	}
	if dbopen.IsBusy(nil) {
		t.Error("IsBusy(nil) = true")
	}
}
