package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		display   string
		raw       string
		transport string
	}{
		{"bare host", "chat.example.com", "chat.example.com:5002", "chat.example.com:5002", "tcp"},
		{"host and port", "localhost:7000", "localhost:7000", "localhost:7000", "tcp"},
		{"tcp scheme", "tcp://localhost", "localhost:5002", "localhost:5002", "tcp"},
		{"websocket", "ws://localhost", "ws://localhost:5001", "localhost:5001", "websocket"},
		{"secure websocket", "wss://chat.example.com:443", "wss://chat.example.com:443", "chat.example.com:443", "websocket"},
		{"ssh with user", "ssh://Jane%20Doe@localhost", "ssh://Jane Doe@localhost:2222", "Jane Doe@localhost:2222", "ssh"},
		{"ipv6", "[::1]", "[::1]:5002", "[::1]:5002", "tcp"},
		{"ipv6 with port", "tcp://[::1]:6000", "[::1]:6000", "[::1]:6000", "tcp"},
		{"uppercase scheme", "WS://localhost:8080", "ws://localhost:8080", "localhost:8080", "websocket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.Equal(t, tt.raw, cfg.raw)
			assert.Equal(t, tt.transport, cfg.transport)
			assert.NotNil(t, cfg.dial)
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, input := range []string{"", "   ", "ssh://localhost", "gopher://localhost", "tcp://"} {
		_, err := parseServerAddress(input)
		assert.Error(t, err, "address %q", input)
	}
}

func TestSSHDialNeedsPassword(t *testing.T) {
	cfg, err := parseServerAddress("ssh://jane@127.0.0.1:1")
	require.NoError(t, err)

	_, err = cfg.dial("")
	assert.ErrorContains(t, err, "password")
}
