package observability

import "database/sql"

// Schema is the DDL for the observability database. Every statement is
// idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

CREATE TABLE IF NOT EXISTS business_event_logs (
    event_id     TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    service_name TEXT NOT NULL,
    entity_type  TEXT,
    entity_id    TEXT,
    action       TEXT NOT NULL,
    details      TEXT,
    success      INTEGER NOT NULL DEFAULT 1,
    created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_event_logs_type ON business_event_logs(event_type, created_at DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
