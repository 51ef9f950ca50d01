package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State persists the client's settings, per-chat read markers and the
// transport that last worked for each server in a small SQLite file.
type State struct {
	db  *sql.DB
	dir string
}

// Each entry upgrades the schema by one user_version step
var stateSchema = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS read_markers (
		counterpart  TEXT PRIMARY KEY,
		read_until   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transports (
		server     TEXT PRIMARY KEY,
		method     TEXT NOT NULL,
		worked_at  INTEGER NOT NULL
	)`,
}

// OpenState opens the state file at path, creating it and its directory
// if needed.
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := upgradeSchema(db, stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade state schema: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

func upgradeSchema(db *sql.DB, steps []string) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for ; version < len(steps); version++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		// PRAGMA does not take bind parameters
		bump := fmt.Sprintf("PRAGMA user_version = %d", version+1)
		for _, stmt := range []string{steps[version], bump} {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("step %d: %w", version+1, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig returns "" for keys that were never set
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *State) setting(key string) string {
	v, _ := s.GetConfig(key)
	return v
}

// GetLastIdentity is the identity to prefill on the next start
func (s *State) GetLastIdentity() string { return s.setting(keyLastIdentity) }

func (s *State) SetLastIdentity(identity string) error {
	return s.SetConfig(keyLastIdentity, identity)
}

// GetToken returns the saved directory token. SetToken("") forgets it.
func (s *State) GetToken() string { return s.setting(keyToken) }

func (s *State) SetToken(token string) error {
	return s.SetConfig(keyToken, token)
}

func (s *State) GetFirstRun() bool { return s.setting(keyFirstRunDone) != "true" }

func (s *State) SetFirstRunComplete() error {
	return s.SetConfig(keyFirstRunDone, "true")
}

// GetReadState returns the unix-millis point up to which the chat with
// counterpart has been read, or 0.
func (s *State) GetReadState(counterpart string) (int64, error) {
	var until int64
	err := s.db.QueryRow(`SELECT read_until FROM read_markers WHERE counterpart = ?`, counterpart).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return until, err
}

// UpdateReadState moves the read marker for counterpart forward. Older
// timestamps are ignored.
func (s *State) UpdateReadState(counterpart string, timestamp int64) error {
	_, err := s.db.Exec(`
		INSERT INTO read_markers (counterpart, read_until, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(counterpart) DO UPDATE SET
			read_until = max(read_until, excluded.read_until),
			updated_at = excluded.updated_at
	`, counterpart, timestamp, time.Now().Unix())
	return err
}

// GetLastSuccessfulMethod returns the transport that last connected to
// serverAddress, or "".
func (s *State) GetLastSuccessfulMethod(serverAddress string) (string, error) {
	var method string
	err := s.db.QueryRow(`SELECT method FROM transports WHERE server = ?`, serverAddress).Scan(&method)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return method, err
}

func (s *State) SaveSuccessfulConnection(serverAddress, method string) error {
	_, err := s.db.Exec(`
		INSERT INTO transports (server, method, worked_at) VALUES (?, ?, ?)
		ON CONFLICT(server) DO UPDATE SET method = excluded.method, worked_at = excluded.worked_at
	`, serverAddress, method, time.Now().Unix())
	return err
}

// GetStateDir is the directory holding the state file
func (s *State) GetStateDir() string {
	return s.dir
}
