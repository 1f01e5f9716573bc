package db

// Schema defines the SQLite schema for the request lifecycle engine.
// State transitions and credential consumption rely on conditional UPDATEs
// against these tables; the indexes back the sweeper poll and the
// peer-available lookup so neither needs a full scan.
const Schema = `
CREATE TABLE IF NOT EXISTS screenshot_requests (
    request_id TEXT PRIMARY KEY,
    catalog_id TEXT NOT NULL,
    requester_service TEXT NOT NULL DEFAULT '',
    expected_count INTEGER NOT NULL CHECK(expected_count > 0),
    received_count INTEGER NOT NULL DEFAULT 0 CHECK(received_count <= expected_count),
    state TEXT NOT NULL CHECK(state IN ('pending_dispatch', 'awaiting_uploads', 'completed', 'partial', 'expired', 'failed')),
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_state_expires ON screenshot_requests(state, expires_at);
CREATE INDEX IF NOT EXISTS idx_requests_catalog_state ON screenshot_requests(catalog_id, state);

CREATE TABLE IF NOT EXISTS upload_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    peer_id TEXT NOT NULL,
    storage_key TEXT NOT NULL,
    received_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_request ON upload_records(request_id);

CREATE TABLE IF NOT EXISTS credentials (
    token_id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    peer_id TEXT NOT NULL,
    catalog_id TEXT NOT NULL,
    issued_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    consumed INTEGER NOT NULL DEFAULT 0,
    consumed_reason TEXT NOT NULL DEFAULT '',
    consumed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_credentials_request ON credentials(request_id);
CREATE INDEX IF NOT EXISTS idx_credentials_spent ON credentials(consumed, expires_at);

CREATE TABLE IF NOT EXISTS completion_emissions (
    request_id TEXT PRIMARY KEY,
    catalog_id TEXT NOT NULL,
    final_state TEXT NOT NULL,
    payload TEXT NOT NULL,
    emitted_at TIMESTAMP NOT NULL
);
`
