package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditRecord is one proxy_log row.
type AuditRecord struct {
	ID            int64     `json:"id,omitempty"`
	ClientAddress string    `json:"client_address,omitempty"`
	URLHash       string    `json:"url_hash"`
	URL           string    `json:"url"`
	DomainID      int64     `json:"domain_id,omitempty"` // 0 stores NULL
	FileHash      string    `json:"file_hash"`
	FileSize      int64     `json:"file_size"`
	TrackingSize  int64     `json:"tracking_size"`
	IsJavaScript  bool      `json:"is_javascript"`
	Referer       string    `json:"referer,omitempty"`
	Country       string    `json:"country,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// GetOrCreateDomainID upserts a first-level domain with pending=1 and returns
// its id. Seeing a known domain again re-flags it as pending.
func (s *Store) GetOrCreateDomainID(ctx context.Context, hash, name string) (int64, error) {
	var id int64
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		now := s.millis()
		err := conn.QueryRowContext(ctx, `
			INSERT INTO domain (hash, name, pending, created_at, updated_at) VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(name) DO UPDATE SET pending = 1, updated_at = excluded.updated_at
			RETURNING id`, hash, name, now, now).Scan(&id)
		if err != nil {
			return fmt.Errorf("store: upsert domain: %w", err)
		}
		return nil
	})
	return id, err
}

// AppendAuditRecord inserts rec. A zero Timestamp is replaced by now.
func (s *Store) AppendAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	return s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO proxy_log
				(client_address, url_hash, url, domain_id, file_hash, file_size, tracking_size,
				 is_javascript, referer, country, timestamp)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			nullString(rec.ClientAddress), rec.URLHash, rec.URL, nullInt(rec.DomainID),
			rec.FileHash, rec.FileSize, rec.TrackingSize, boolInt(rec.IsJavaScript),
			nullString(rec.Referer), nullString(rec.Country), rec.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("store: append audit record: %w", err)
		}
		rec.ID, _ = res.LastInsertId()
		return nil
	})
}

// RecentAudit returns up to limit audit rows, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []AuditRecord
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id, client_address, url_hash, url, domain_id, file_hash, file_size,
			       tracking_size, is_javascript, referer, country, timestamp
			FROM proxy_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("store: recent audit: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r                        AuditRecord
				client, referer, country sql.NullString
				domainID                 sql.NullInt64
				isJS                     int
				ts                       int64
			)
			if err := rows.Scan(&r.ID, &client, &r.URLHash, &r.URL, &domainID, &r.FileHash,
				&r.FileSize, &r.TrackingSize, &isJS, &referer, &country, &ts); err != nil {
				return err
			}
			r.ClientAddress = client.String
			r.DomainID = domainID.Int64
			r.IsJavaScript = isJS != 0
			r.Referer = referer.String
			r.Country = country.String
			r.Timestamp = time.UnixMilli(ts).UTC()
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
