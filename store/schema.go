package store

const schema = `
CREATE TABLE IF NOT EXISTS ota_jobs (
    id               TEXT PRIMARY KEY,
    external_id      TEXT NOT NULL DEFAULT '',
    firmware_id      TEXT NOT NULL,
    target_role      TEXT NOT NULL,
    hardware         TEXT NOT NULL DEFAULT '',
    md5              TEXT NOT NULL,
    total_parts      INTEGER NOT NULL,
    force            INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'pending',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    started_at       TEXT,
    completed_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_ota_jobs_status ON ota_jobs(status);

CREATE TABLE IF NOT EXISTS ota_node_status (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id        TEXT NOT NULL REFERENCES ota_jobs(id) ON DELETE CASCADE,
    node_id       INTEGER NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    current_part  INTEGER NOT NULL DEFAULT 0,
    total_parts   INTEGER NOT NULL DEFAULT 0,
    error         TEXT NOT NULL DEFAULT '',
    started       INTEGER NOT NULL DEFAULT 0,
    last_activity TEXT,
    UNIQUE(job_id, node_id)
);

CREATE TABLE IF NOT EXISTS report_outbox (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    kind       TEXT NOT NULL,
    payload    BLOB NOT NULL,
    retries    INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    sent_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_report_outbox_pending ON report_outbox(sent_at) WHERE sent_at IS NULL;
`

func (db *DB) migrate() error {
	_, err := db.Exec(schema)
	return err
}
