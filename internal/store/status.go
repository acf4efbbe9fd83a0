package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoStatus is returned when no status row matches.
var ErrNoStatus = errors.New("store: status row not found")

// StatusDelta holds increments for the proxy_status counters.
type StatusDelta struct {
	RequestsIntercepted int64 `json:"requests_intercepted"`
	BytesIntercepted    int64 `json:"bytes_intercepted"`
	RequestsCleaned     int64 `json:"requests_cleaned"`
	BytesCleaned        int64 `json:"bytes_cleaned"`
}

// Add accumulates o into d.
func (d *StatusDelta) Add(o StatusDelta) {
	d.RequestsIntercepted += o.RequestsIntercepted
	d.BytesIntercepted += o.BytesIntercepted
	d.RequestsCleaned += o.RequestsCleaned
	d.BytesCleaned += o.BytesCleaned
}

// IsZero reports whether d carries no increment.
func (d StatusDelta) IsZero() bool { return d == StatusDelta{} }

// StatusRow is one proxy_status row.
type StatusRow struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	StatusDelta
	InsertedAt time.Time `json:"insert_timestamp"`
	UpdatedAt  time.Time `json:"update_timestamp"`
}

// StartStatus inserts the zeroed counters row for this run and returns its id.
func (s *Store) StartStatus(ctx context.Context, runID string) (int64, error) {
	var id int64
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		now := s.millis()
		res, err := conn.ExecContext(ctx, `
			INSERT INTO proxy_status (run_id, insert_timestamp, update_timestamp) VALUES (?, ?, ?)`,
			runID, now, now)
		if err != nil {
			return fmt.Errorf("store: start status: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// IncrementStatus adds d to the counters of row statusID.
func (s *Store) IncrementStatus(ctx context.Context, statusID int64, d StatusDelta) error {
	if d.IsZero() {
		return nil
	}
	return s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE proxy_status SET
				requests_intercepted = requests_intercepted + ?,
				bytes_intercepted    = bytes_intercepted + ?,
				requests_cleaned     = requests_cleaned + ?,
				bytes_cleaned        = bytes_cleaned + ?,
				update_timestamp     = ?
			WHERE id = ?`,
			d.RequestsIntercepted, d.BytesIntercepted, d.RequestsCleaned, d.BytesCleaned,
			s.millis(), statusID)
		if err != nil {
			return fmt.Errorf("store: increment status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNoStatus
		}
		return nil
	})
}

// Status returns row statusID.
func (s *Store) Status(ctx context.Context, statusID int64) (*StatusRow, error) {
	return s.queryStatus(ctx, "WHERE id = ?", statusID)
}

// LatestStatus returns the most recently started row.
func (s *Store) LatestStatus(ctx context.Context) (*StatusRow, error) {
	return s.queryStatus(ctx, "ORDER BY id DESC LIMIT 1")
}

func (s *Store) queryStatus(ctx context.Context, where string, args ...any) (*StatusRow, error) {
	var row StatusRow
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var ins, upd int64
		err := conn.QueryRowContext(ctx, `
			SELECT id, run_id, requests_intercepted, bytes_intercepted, requests_cleaned,
			       bytes_cleaned, insert_timestamp, update_timestamp
			FROM proxy_status `+where, args...).Scan(
			&row.ID, &row.RunID, &row.RequestsIntercepted, &row.BytesIntercepted,
			&row.RequestsCleaned, &row.BytesCleaned, &ins, &upd)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoStatus
		}
		if err != nil {
			return fmt.Errorf("store: status: %w", err)
		}
		row.InsertedAt = time.UnixMilli(ins).UTC()
		row.UpdatedAt = time.UnixMilli(upd).UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}
