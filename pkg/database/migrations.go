package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	version int
	name    string
	sql     string
}

// migrations are applied in order and never edited once released
var migrations = []migration{
	{
		version: 1,
		name:    "users and contacts",
		sql: `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL,
	contact_identifier TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	user_id INTEGER NOT NULL,
	contact_user_id INTEGER NOT NULL,
	added_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, contact_user_id),
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
	FOREIGN KEY (contact_user_id) REFERENCES users(id) ON DELETE CASCADE
);
`,
	},
	{
		version: 2,
		name:    "username lookup index",
		sql: `
CREATE INDEX IF NOT EXISTS idx_users_username ON users (first_name, last_name);
CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at);
`,
	},
}

// latestVersion is the schema version a fully migrated database reports
func latestVersion() int {
	return migrations[len(migrations)-1].version
}

func currentVersion(conn *sql.DB) (int, error) {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var version sql.NullInt64
	if err := conn.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

// runMigrations applies every migration newer than the stored version,
// each in its own transaction
func runMigrations(conn *sql.DB) error {
	return migrateTo(conn, latestVersion())
}

func migrateTo(conn *sql.DB, target int) error {
	current, err := currentVersion(conn)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}

		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: record version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		log.Printf("Applied migration %d: %s", m.version, m.name)
	}

	return nil
}
