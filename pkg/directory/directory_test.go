package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

func newTestDirectory(t *testing.T) (*Directory, *Tokens) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens := NewTokens(testSecret, 0)
	return New(db, tokens, WithBcryptCost(bcrypt.MinCost)), tokens
}

func TestSignupAndLogin(t *testing.T) {
	dir, tokens := newTestDirectory(t)
	ctx := context.Background()

	id, err := dir.Signup(ctx, "Ada", "Lovelace", "ada@example.com", "engine")
	require.NoError(t, err)

	token, user, err := dir.Login(ctx, "ada@example.com", "engine")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)

	claims, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", claims.Username)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "ada@example.com", claims.Contact)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Signup(ctx, "Ada", "Lovelace", "ada@example.com", "engine")
	require.NoError(t, err)

	_, _, err = dir.Login(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = dir.Login(ctx, "nobody@example.com", "engine")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestPasswordIsHashed(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Signup(ctx, "Ada", "Lovelace", "ada@example.com", "engine")
	require.NoError(t, err)

	user, err := dir.CheckPassword(ctx, "ada@example.com", "engine")
	require.NoError(t, err)
	assert.NotEqual(t, "engine", user.PasswordHash)
}

func TestVerifyIdentity(t *testing.T) {
	dir, tokens := newTestDirectory(t)
	ctx := context.Background()

	token, err := tokens.Sign(1, "Ada Lovelace", "ada@example.com")
	require.NoError(t, err)

	identity, err := dir.VerifyIdentity(ctx, "Ada Lovelace", token)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", identity)

	identity, err = dir.VerifyIdentity(ctx, "", token)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", identity, "identity comes from the token")

	_, err = dir.VerifyIdentity(ctx, "Grace Hopper", token)
	assert.Error(t, err)

	_, err = dir.VerifyIdentity(ctx, "Ada Lovelace", "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	forged, err := NewTokens("other-secret", 0).Sign(1, "Ada Lovelace", "ada@example.com")
	require.NoError(t, err)
	_, err = dir.VerifyIdentity(ctx, "Ada Lovelace", forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	tokens := NewTokens(testSecret, time.Hour)
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := tokens.Sign(1, "Ada Lovelace", "ada@example.com")
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIsContact(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	ada, err := dir.Signup(ctx, "Ada", "Lovelace", "ada@example.com", "pw")
	require.NoError(t, err)
	grace, err := dir.Signup(ctx, "Grace", "Hopper", "grace@example.com", "pw")
	require.NoError(t, err)
	require.NoError(t, dir.AddContact(ctx, ada, grace))

	ok, err := dir.IsContact(ctx, "Ada Lovelace", "Grace Hopper")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.IsContact(ctx, "Grace Hopper", "Ada Lovelace")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = dir.IsContact(ctx, "Nobody Known", "Grace Hopper")
	require.NoError(t, err)
	assert.False(t, ok)
}
