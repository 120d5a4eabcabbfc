package storage

import (
	"database/sql"
	"fmt"
)

// InitSchema creates all required tables and indexes.
// This is idempotent - safe to call multiple times.
func InitSchema(db *sql.DB) error {
	ddlStatements := []string{
		// metrics table: one row per (ping, metric, label)
		`CREATE TABLE IF NOT EXISTS metrics (
			ping TEXT NOT NULL,
			identity TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			metric_type TEXT NOT NULL,
			lifetime TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (ping, identity, label)
		)`,

		// Index on lifetime for clearing application and user data
		`CREATE INDEX IF NOT EXISTS idx_metrics_lifetime ON metrics(lifetime)`,

		// client_state table: client id, first run date, ping sequence numbers
		`CREATE TABLE IF NOT EXISTS client_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		// pending_pings table: assembled pings waiting for upload
		`CREATE TABLE IF NOT EXISTS pending_pings (
			document_id TEXT PRIMARY KEY,
			ping TEXT NOT NULL,
			path TEXT NOT NULL,
			body BLOB NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		// Index on created_at so pings upload oldest first
		`CREATE INDEX IF NOT EXISTS idx_pending_pings_created ON pending_pings(created_at)`,
	}

	for _, stmt := range ddlStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute DDL: %w", err)
		}
	}

	return nil
}
