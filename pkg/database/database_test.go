package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "pairchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, db *DB, first, last, contact string) int64 {
	t.Helper()
	id, err := db.CreateUser(context.Background(), first, last, contact, "hash")
	require.NoError(t, err)
	return id
}

func TestCreateAndGetUser(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id := createUser(t, db, "Ada", "Lovelace", "ada@example.com")

	user, err := db.GetUserByContact(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.Equal(t, "Ada Lovelace", user.Username())
	assert.WithinDuration(t, time.Now(), user.CreatedAt, time.Minute)

	byID, err := db.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", byID.ContactIdentifier)
}

func TestCreateUserDuplicateContact(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, "Ada", "Lovelace", "ada@example.com")

	_, err := db.CreateUser(context.Background(), "Other", "Person", "ada@example.com", "hash")
	assert.ErrorIs(t, err, ErrContactTaken)
}

func TestGetUserNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetUserByContact(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = db.GetUserByID(context.Background(), 42)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestListUsersNewestFirst(t *testing.T) {
	db := openTestDB(t)

	first := createUser(t, db, "Ada", "Lovelace", "ada@example.com")
	second := createUser(t, db, "Grace", "Hopper", "grace@example.com")

	users, err := db.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, second, users[0].ID)
	assert.Equal(t, first, users[1].ID)
}

func TestFindUsersByUsername(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, "Ada", "Lovelace", "ada@example.com")
	createUser(t, db, "Ada", "Lovelace", "ada2@example.com")
	createUser(t, db, "Grace", "Hopper", "grace@example.com")

	users, err := db.FindUsersByUsername(context.Background(), "Ada Lovelace")
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestContacts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ada := createUser(t, db, "Ada", "Lovelace", "ada@example.com")
	grace := createUser(t, db, "Grace", "Hopper", "grace@example.com")

	require.NoError(t, db.AddContact(ctx, ada, grace))
	assert.ErrorIs(t, db.AddContact(ctx, ada, grace), ErrAlreadyContact)
	assert.ErrorIs(t, db.AddContact(ctx, ada, ada), ErrSelfContact)
	assert.ErrorIs(t, db.AddContact(ctx, ada, 999), ErrUserNotFound)

	contacts, err := db.ListContacts(ctx, ada)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Grace Hopper", contacts[0].User.Username())

	ok, err := db.HasContactUsername(ctx, []int64{ada}, "Grace Hopper")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.HasContactUsername(ctx, []int64{grace}, "Ada Lovelace")
	require.NoError(t, err)
	assert.False(t, ok, "contacts are one-directional")

	require.NoError(t, db.RemoveContact(ctx, ada, grace))
	assert.ErrorIs(t, db.RemoveContact(ctx, ada, grace), ErrUserNotFound)

	contacts, err = db.ListContacts(ctx, ada)
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestHasContactUsernameEmpty(t *testing.T) {
	db := openTestDB(t)
	ok, err := db.HasContactUsername(context.Background(), nil, "anyone")
	require.NoError(t, err)
	assert.False(t, ok)
}
