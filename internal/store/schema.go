package store

// Schema is the DDL for the guardxp database. Timestamps are unix milliseconds.
const Schema = `
-- First-level domains seen by the proxy. pending=1 marks a domain for offline review.
CREATE TABLE IF NOT EXISTS domain (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    hash        TEXT NOT NULL,
    name        TEXT NOT NULL UNIQUE,
    pending     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

-- One row per intercepted response.
CREATE TABLE IF NOT EXISTS proxy_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    client_address  TEXT,
    url_hash        TEXT NOT NULL,
    url             TEXT NOT NULL,
    domain_id       INTEGER REFERENCES domain(id),
    file_hash       TEXT NOT NULL,
    file_size       INTEGER NOT NULL,
    tracking_size   INTEGER NOT NULL,
    is_javascript   INTEGER NOT NULL,
    referer         TEXT,
    country         TEXT,
    timestamp       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proxy_log_time ON proxy_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_proxy_log_file ON proxy_log(file_hash);

-- One row per process start, incremented in place.
CREATE TABLE IF NOT EXISTS proxy_status (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id                TEXT NOT NULL DEFAULT '',
    requests_intercepted  INTEGER NOT NULL DEFAULT 0,
    bytes_intercepted     INTEGER NOT NULL DEFAULT 0,
    requests_cleaned      INTEGER NOT NULL DEFAULT 0,
    bytes_cleaned         INTEGER NOT NULL DEFAULT 0,
    insert_timestamp      INTEGER NOT NULL,
    update_timestamp      INTEGER NOT NULL
);

-- Dynamic allow (0) and deny (1) lists keyed by content fingerprint.
CREATE TABLE IF NOT EXISTS bwlist (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    resource_hash  TEXT NOT NULL UNIQUE,
    status         INTEGER NOT NULL DEFAULT 0,
    last_seen      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bwlist_status ON bwlist(status);
`
