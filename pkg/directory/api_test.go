package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiClient struct {
	t      *testing.T
	server *httptest.Server
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	dir, tokens := newTestDirectory(t)
	server := httptest.NewServer(NewAPI(dir, tokens).Routes())
	t.Cleanup(server.Close)
	return &apiClient{t: t, server: server}
}

func (c *apiClient) do(method, path, token string, body any) (*http.Response, map[string]any) {
	c.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.server.URL+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (c *apiClient) list(path, token string) (*http.Response, []map[string]any) {
	c.t.Helper()

	req, err := http.NewRequest(http.MethodGet, c.server.URL+path, nil)
	require.NoError(c.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out []map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (c *apiClient) signup(first, last, contact string) int64 {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/signup", "", map[string]string{
		"firstName": first, "lastName": last, "contact": contact, "password": "secret",
	})
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
	return int64(body["userId"].(float64))
}

func (c *apiClient) login(contact string) string {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/login", "", map[string]string{"contact": contact, "password": "secret"})
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	return body["token"].(string)
}

func TestAPISignup(t *testing.T) {
	c := newAPIClient(t)

	c.signup("Ada", "Lovelace", "ada@example.com")

	resp, body := c.do(http.MethodPost, "/signup", "", map[string]string{
		"firstName": "Ada", "lastName": "Again", "contact": "ada@example.com", "password": "x",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Email or mobile number already registered", body["error"])

	resp, body = c.do(http.MethodPost, "/signup", "", map[string]string{"firstName": "Ada"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "All fields are required", body["error"])
}

func TestAPILogin(t *testing.T) {
	c := newAPIClient(t)
	id := c.signup("Ada", "Lovelace", "ada@example.com")

	resp, body := c.do(http.MethodPost, "/login", "", map[string]string{"contact": "ada@example.com", "password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
	user := body["user"].(map[string]any)
	assert.EqualValues(t, id, user["id"])
	assert.Equal(t, "Ada", user["firstName"])
	assert.Equal(t, "ada@example.com", user["contact"])

	resp, _ = c.do(http.MethodPost, "/login", "", map[string]string{"contact": "ada@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/login", "", map[string]string{"contact": "ada@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIListUsers(t *testing.T) {
	c := newAPIClient(t)
	c.signup("Ada", "Lovelace", "ada@example.com")
	c.signup("Grace", "Hopper", "grace@example.com")

	resp, users := c.list("/users", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, users, 2)
	assert.Equal(t, "Grace", users[0]["first_name"])
	assert.Equal(t, "ada@example.com", users[1]["contact_identifier"])
	assert.NotContains(t, users[0], "password_hash")
}

func TestAPIContacts(t *testing.T) {
	c := newAPIClient(t)
	c.signup("Ada", "Lovelace", "ada@example.com")
	grace := c.signup("Grace", "Hopper", "grace@example.com")
	token := c.login("ada@example.com")

	resp, _ := c.list("/contacts", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = c.list("/contacts", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/contacts", token, map[string]int64{"contactId": grace})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/contacts", token, map[string]int64{"contactId": grace})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/contacts", token, map[string]int64{"contactId": 999})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, contacts := c.list("/contacts", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Grace Hopper", contacts[0]["username"])

	resp, _ = c.do(http.MethodDelete, fmt.Sprintf("/contacts/%d", grace), token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = c.do(http.MethodDelete, fmt.Sprintf("/contacts/%d", grace), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = c.do(http.MethodDelete, "/contacts/abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
