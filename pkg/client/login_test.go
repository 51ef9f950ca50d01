package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newDirectoryServer(t *testing.T) (*httptest.Server, *directory.Directory, *directory.Tokens) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens := directory.NewTokens("login-test-secret", 0)
	dir := directory.New(db, tokens, directory.WithBcryptCost(bcrypt.MinCost))
	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", directory.NewAPI(dir, tokens).Routes()))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, dir, tokens
}

func TestLogin(t *testing.T) {
	server, dir, tokens := newDirectoryServer(t)
	ctx := context.Background()

	_, err := dir.Signup(ctx, "Grace", "Hopper", "grace@example.com", "cobol")
	require.NoError(t, err)

	result, err := Login(ctx, server.URL, "grace@example.com", "cobol")
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", result.User.Identity())
	assert.Equal(t, "grace@example.com", result.User.Contact)

	claims, err := tokens.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", claims.Username)
}

func TestLoginWrongPassword(t *testing.T) {
	server, dir, _ := newDirectoryServer(t)
	ctx := context.Background()

	_, err := dir.Signup(ctx, "Grace", "Hopper", "grace@example.com", "cobol")
	require.NoError(t, err)

	_, err = Login(ctx, server.URL+"/", "grace@example.com", "fortran")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginReportsAPIError(t *testing.T) {
	server, _, _ := newDirectoryServer(t)

	_, err := Login(context.Background(), server.URL, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestLoginRejectsMissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"user":{"id":1}}`))
	}))
	defer server.Close()

	_, err := Login(context.Background(), server.URL, "a", "b")
	assert.Error(t, err)
}
