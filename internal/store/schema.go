package store

import (
	"database/sql"
	"fmt"
)

// Schema for the local cache. Nearby payloads are stored as JSON blobs:
// the cache is a warm-start seed, never queried by field.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nearby_cache (
		campus_id TEXT NOT NULL,
		radius_m INTEGER NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (campus_id, radius_m)
	)`,
}

// applyMigrations brings the schema up to date, tracking applied versions.
// FUNCTIONAL DISCOVERY: Versioned statements instead of a blind re-run keep
// future schema changes additive and restart-safe
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(migrations[0]); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	var current int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for version := current + 1; version <= len(migrations); version++ {
		if _, err := db.Exec(migrations[version-1]); err != nil {
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := db.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`,
			version,
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
	}
	return nil
}
