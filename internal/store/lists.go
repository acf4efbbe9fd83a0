package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/guardxp/dbopen"
	"github.com/hazyhaar/guardxp/fingerprint"
)

// ListStatus is the bwlist.status column.
type ListStatus int

const (
	// AnyStatus selects both lists in ListEntries.
	AnyStatus ListStatus = -1
	Allow     ListStatus = 0
	Deny      ListStatus = 1
)

func (l ListStatus) String() string {
	switch l {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case AnyStatus:
		return "any"
	}
	return fmt.Sprintf("ListStatus(%d)", int(l))
}

// ParseListStatus accepts "allow" or "deny".
func ParseListStatus(s string) (ListStatus, error) {
	switch s {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	case "", "any":
		return AnyStatus, nil
	}
	return 0, fmt.Errorf("store: unknown list status %q", s)
}

// ListEntry is one bwlist row.
type ListEntry struct {
	Hash     fingerprint.Fingerprint `json:"hash"`
	Status   string                  `json:"status"`
	LastSeen time.Time               `json:"last_seen"`
}

// LoadAllowSet returns every fingerprint with status Allow.
func (s *Store) LoadAllowSet(ctx context.Context) ([]fingerprint.Fingerprint, error) {
	return s.loadSet(ctx, Allow)
}

// LoadDenySet returns every fingerprint with status Deny.
func (s *Store) LoadDenySet(ctx context.Context) ([]fingerprint.Fingerprint, error) {
	return s.loadSet(ctx, Deny)
}

func (s *Store) loadSet(ctx context.Context, status ListStatus) ([]fingerprint.Fingerprint, error) {
	var out []fingerprint.Fingerprint
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT resource_hash FROM bwlist WHERE status = ?`, int(status))
		if err != nil {
			return fmt.Errorf("store: load %s set: %w", status, err)
		}
		defer rows.Close()

		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			fp, err := fingerprint.Parse(raw)
			if err != nil {
				s.opts.Logger.Warn("store: skipping malformed list hash", "status", status.String(), "hash", raw)
				continue
			}
			out = append(out, fp)
		}
		return rows.Err()
	})
	return out, err
}

// SetListStatus puts fp on the allow or deny list, moving it if it is
// already on the other one.
func (s *Store) SetListStatus(ctx context.Context, fp fingerprint.Fingerprint, status ListStatus) error {
	if status != Allow && status != Deny {
		return fmt.Errorf("store: invalid list status %d", int(status))
	}
	return s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return dbopen.RunTx(ctx, conn, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bwlist (resource_hash, status, last_seen) VALUES (?, ?, ?)
				ON CONFLICT(resource_hash) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen`,
				string(fp), int(status), s.millis())
			if err != nil {
				return fmt.Errorf("store: set list status: %w", err)
			}
			return bumpUserVersion(ctx, tx)
		})
	})
}

// DeleteListEntry removes fp from whichever list holds it. It reports whether
// a row was removed.
func (s *Store) DeleteListEntry(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	var removed bool
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return dbopen.RunTx(ctx, conn, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `DELETE FROM bwlist WHERE resource_hash = ?`, string(fp))
			if err != nil {
				return fmt.Errorf("store: delete list entry: %w", err)
			}
			n, _ := res.RowsAffected()
			removed = n > 0
			if !removed {
				return nil
			}
			return bumpUserVersion(ctx, tx)
		})
	})
	return removed, err
}

// ListEntries returns up to limit entries, most recently seen first.
func (s *Store) ListEntries(ctx context.Context, status ListStatus, limit int) ([]ListEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ListEntry
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT resource_hash, status, last_seen FROM bwlist
			WHERE ? < 0 OR status = ?
			ORDER BY last_seen DESC, id DESC LIMIT ?`, int(status), int(status), limit)
		if err != nil {
			return fmt.Errorf("store: list entries: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				hash   string
				st     int
				seenMs int64
			)
			if err := rows.Scan(&hash, &st, &seenMs); err != nil {
				return err
			}
			out = append(out, ListEntry{
				Hash:     fingerprint.Fingerprint(hash),
				Status:   ListStatus(st).String(),
				LastSeen: time.UnixMilli(seenMs).UTC(),
			})
		}
		return rows.Err()
	})
	return out, err
}

// bumpUserVersion increments PRAGMA user_version so pollers notice list edits.
func bumpUserVersion(ctx context.Context, tx *sql.Tx) error {
	var v int64
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return fmt.Errorf("store: read user_version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
		return fmt.Errorf("store: bump user_version: %w", err)
	}
	return nil
}
