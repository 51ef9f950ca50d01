package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrContactTaken indicates the contact identifier is already registered.
	ErrContactTaken = errors.New("contact identifier already registered")
	// ErrSelfContact indicates a user tried to add themselves as a contact.
	ErrSelfContact = errors.New("cannot add yourself as a contact")
	// ErrAlreadyContact indicates the contact relationship already exists.
	ErrAlreadyContact = errors.New("already in contact list")
)

// User is a registered directory account
type User struct {
	ID                int64
	FirstName         string
	LastName          string
	ContactIdentifier string
	PasswordHash      string
	CreatedAt         time.Time
}

// Username is the display identity used on the real-time channel
func (u *User) Username() string {
	return u.FirstName + " " + u.LastName
}

// Contact is one entry in a user's contact list
type Contact struct {
	User    User
	AddedAt time.Time
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func configure(conn *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path and brings the schema up to date
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows many readers alongside one writer
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := configure(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := configure(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

// Close closes both connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// Ping checks the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser inserts a new user and returns its ID
func (db *DB) CreateUser(ctx context.Context, firstName, lastName, contact, passwordHash string) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO users (first_name, last_name, contact_identifier, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, firstName, lastName, contact, passwordHash, time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrContactTaken
		}
		return 0, err
	}

	return result.LastInsertId()
}

const userColumns = `id, first_name, last_name, contact_identifier, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		user      User
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.FirstName, &user.LastName, &user.ContactIdentifier, &user.PasswordHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &user, nil
}

// GetUserByContact retrieves a user by contact identifier for login
func (db *DB) GetUserByContact(ctx context.Context, contact string) (*User, error) {
	return scanUser(db.conn.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE contact_identifier = ?
	`, contact))
}

// GetUserByID retrieves a user by ID
func (db *DB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(db.conn.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = ?
	`, id))
}

// FindUsersByUsername returns every user whose display username matches
func (db *DB) FindUsersByUsername(ctx context.Context, username string) ([]*User, error) {
	return db.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE first_name || ' ' || last_name = ?
		ORDER BY id ASC
	`, username)
}

// ListUsers returns all users, newest first
func (db *DB) ListUsers(ctx context.Context) ([]*User, error) {
	return db.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC
	`)
}

func (db *DB) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

// AddContact adds contactUserID to userID's contact list
func (db *DB) AddContact(ctx context.Context, userID, contactUserID int64) error {
	if userID == contactUserID {
		return ErrSelfContact
	}
	if _, err := db.GetUserByID(ctx, contactUserID); err != nil {
		return err
	}

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO contacts (user_id, contact_user_id, added_at)
		VALUES (?, ?, ?)
	`, userID, contactUserID, time.Now().UnixMilli())
	if isUniqueViolation(err) {
		return ErrAlreadyContact
	}
	return err
}

// RemoveContact deletes a contact. Returns ErrUserNotFound if it was not in the list.
func (db *DB) RemoveContact(ctx context.Context, userID, contactUserID int64) error {
	result, err := db.writeConn.ExecContext(ctx, `
		DELETE FROM contacts WHERE user_id = ? AND contact_user_id = ?
	`, userID, contactUserID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListContacts returns userID's contacts in the order they were added
func (db *DB) ListContacts(ctx context.Context, userID int64) ([]*Contact, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT u.id, u.first_name, u.last_name, u.contact_identifier, u.password_hash, u.created_at, c.added_at
		FROM contacts c
		JOIN users u ON u.id = c.contact_user_id
		WHERE c.user_id = ?
		ORDER BY c.added_at ASC, u.id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var (
			c                  Contact
			createdAt, addedAt int64
		)
		if err := rows.Scan(&c.User.ID, &c.User.FirstName, &c.User.LastName, &c.User.ContactIdentifier, &c.User.PasswordHash, &createdAt, &addedAt); err != nil {
			return nil, err
		}
		c.User.CreatedAt = time.UnixMilli(createdAt).UTC()
		c.AddedAt = time.UnixMilli(addedAt).UTC()
		contacts = append(contacts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return contacts, nil
}

// HasContactUsername reports whether any of userIDs' owners lists a user
// whose display username is counterpart. Usernames are not unique, so the
// caller passes every account that shares the sender's username.
func (db *DB) HasContactUsername(ctx context.Context, userIDs []int64, counterpart string) (bool, error) {
	if len(userIDs) == 0 {
		return false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, 0, len(userIDs)+1)
	for _, id := range userIDs {
		args = append(args, id)
	}
	args = append(args, counterpart)

	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM contacts c
		JOIN users u ON u.id = c.contact_user_id
		WHERE c.user_id IN (`+placeholders+`)
		AND u.first_name || ' ' || u.last_name = ?
	`, args...).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
