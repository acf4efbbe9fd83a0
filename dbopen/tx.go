package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// busyRetries is how many times a BUSY transaction is retried.
const busyRetries = 2

// TxBeginner is satisfied by *sql.DB and *sql.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// IsBusy reports whether err is an SQLite BUSY or LOCKED condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn in a transaction on db. A BUSY failure is retried with
// Fibonacci backoff starting at 50ms; any other error is returned as is.
func RunTx(ctx context.Context, db TxBeginner, fn func(*sql.Tx) error) error {
	b := retry.WithMaxRetries(busyRetries, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := runOnce(ctx, db, fn)
		if IsBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func runOnce(ctx context.Context, db TxBeginner, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
