package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/pairchat/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	servers := setupJourneyServer(t)

	c := connectClient(t, servers, allTransports()[0])
	setIdentity(t, c, "health-check")

	rec := httptest.NewRecorder()
	servers.srv.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["database"])
	assert.EqualValues(t, 1, body["online"])
	assert.EqualValues(t, 1, body["connections"])
}

func TestPublicHandlerMountsDirectoryAPI(t *testing.T) {
	servers := setupJourneyServer(t)
	handler := servers.srv.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/signup", strings.NewReader(
		`{"firstName":"Ada","lastName":"Lovelace","contact":"ada@example.com","password":"engine"}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/users", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ada@example.com")

	// Plain GET without an upgrade is refused by the WebSocket endpoint
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisconnectWithdrawsIdentity(t *testing.T) {
	servers := setupJourneyServer(t)
	tf := allTransports()[0]

	c := connectClient(t, servers, tf)
	setIdentity(t, c, "leaver")
	require.Contains(t, servers.srv.hub.Online(), "leaver")

	c.close()
	assert.Eventually(t, func() bool {
		return servers.srv.sessions.Count() == 0 &&
			servers.srv.hub.Stats().Connections == 0 &&
			len(servers.srv.hub.Online()) == 0
	}, timeout, 20*time.Millisecond)
}

func TestStopClosesClients(t *testing.T) {
	servers := setupJourneyServer(t)

	c := connectClient(t, servers, allTransports()[0])
	setIdentity(t, c, "stayer")

	require.NoError(t, servers.srv.Stop())
	drain(t, c, 200*time.Millisecond)
	assert.Nil(t, c.tryRead(t, 100*time.Millisecond))
	assert.Equal(t, 0, servers.srv.sessions.Count())

	// A second Stop from cleanup is harmless
	assert.NoError(t, servers.srv.Stop())
}

func TestStopWaitsForConnections(t *testing.T) {
	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			servers := setupJourneyServer(t)

			c := connectClient(t, servers, tf)
			setIdentity(t, c, "late-"+tf.name)

			// Every connection has left the hub by the time Stop returns,
			// so nothing touches the database after it closes
			require.NoError(t, servers.srv.Stop())
			st := servers.srv.hub.Stats()
			assert.Zero(t, st.Connections)
			assert.Zero(t, st.Online)
			assert.False(t, servers.srv.track())
		})
	}
}

func TestWebSocketRejectedAfterStop(t *testing.T) {
	servers := setupJourneyServer(t)
	require.NoError(t, servers.srv.Stop())

	conn, err := client.DialWebSocket(servers.wsAddr, false)
	if err != nil {
		return
	}
	p := newTestPeer("websocket", conn)
	t.Cleanup(p.close)
	assert.Nil(t, p.tryRead(t, 200*time.Millisecond))
	assert.Zero(t, servers.srv.sessions.Count())
}
