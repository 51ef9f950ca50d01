package client

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 3 * time.Second

func greeting(t *testing.T, version uint8) []byte {
	t.Helper()
	frame, err := protocol.NewFrame(protocol.TypeServerConfig, &protocol.ServerConfigMessage{
		ProtocolVersion:   version,
		MaxMessageLength:  4096,
		MaxIdentityLength: 64,
	})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, protocol.EncodeFrame(&buf, frame))
	return buf.Bytes()
}

// fakeRelay greets each TCP client and answers SET_IDENTITY with IDENTITY_OK
func fakeRelay(t *testing.T, version uint8) (addr string, accepted <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
			go serveFake(t, conn, version)
		}
	}()
	return ln.Addr().String(), conns
}

func serveFake(t *testing.T, conn net.Conn, version uint8) {
	if _, err := conn.Write(greeting(t, version)); err != nil {
		return
	}
	for {
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			conn.Close()
			return
		}
		if frame.Type != protocol.TypeSetIdentity {
			continue
		}
		var msg protocol.SetIdentityMessage
		if err := msg.Decode(frame.Payload); err != nil {
			continue
		}
		reply, err := protocol.EncodeMessage(protocol.TypeIdentityOk, &protocol.IdentityOkMessage{Identity: msg.Identity})
		if err != nil {
			continue
		}
		conn.Write(reply)
	}
}

func nextFrame(t *testing.T, conn *Connection) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-conn.Incoming():
		return frame
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	addr, _ := fakeRelay(t, protocol.ProtocolVersion)

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect())
	assert.True(t, conn.IsConnected())
	assert.Equal(t, "tcp", conn.GetConnectionType())
	require.NotNil(t, conn.ServerConfig())
	assert.Equal(t, uint32(4096), conn.ServerConfig().MaxMessageLength)

	require.NoError(t, conn.SendMessage(protocol.TypeSetIdentity, &protocol.SetIdentityMessage{Identity: "Jane Doe"}))

	frame := nextFrame(t, conn)
	require.Equal(t, uint8(protocol.TypeIdentityOk), frame.Type)
	var ok protocol.IdentityOkMessage
	require.NoError(t, ok.Decode(frame.Payload))
	assert.Equal(t, "Jane Doe", ok.Identity)

	assert.NotZero(t, conn.GetBytesSent())
	assert.NotZero(t, conn.GetBytesReceived())
}

func TestConnectRejectsNewerProtocol(t *testing.T) {
	addr, _ := fakeRelay(t, protocol.ProtocolVersion+1)

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol")
	assert.False(t, conn.IsConnected())
}

func TestConnectTwiceFails(t *testing.T) {
	addr, _ := fakeRelay(t, protocol.ProtocolVersion)

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Connect())
	assert.Error(t, conn.Connect())
}

func TestServerCloseReportsDisconnect(t *testing.T) {
	addr, accepted := fakeRelay(t, protocol.ProtocolVersion)

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect())

	select {
	case server := <-accepted:
		server.Close()
	case <-time.After(testTimeout):
		t.Fatal("server never saw the connection")
	}

	select {
	case update := <-conn.StateChanges():
		assert.Equal(t, StateTypeDisconnected, update.State)
		assert.Error(t, update.Err)
	case <-time.After(testTimeout):
		t.Fatal("no disconnect state change")
	}
	assert.False(t, conn.IsConnected())
}

func TestReconnectAfterServerClose(t *testing.T) {
	addr, accepted := fakeRelay(t, protocol.ProtocolVersion)

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	conn.reconnectDelay = 10 * time.Millisecond
	defer conn.Close()

	require.NoError(t, conn.Connect())
	(<-accepted).Close()

	deadline := time.After(testTimeout)
	for {
		select {
		case update := <-conn.StateChanges():
			if update.State == StateTypeConnected {
				assert.True(t, conn.IsConnected())
				return
			}
		case <-deadline:
			t.Fatal("never reconnected")
		}
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	conn, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	conn.Close()

	err = conn.SendMessage(protocol.TypePing, &protocol.PingMessage{Timestamp: 1})
	assert.Error(t, err)
}

func TestWebSocketConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.BinaryMessage, greeting(t, protocol.ProtocolVersion))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			// Echo frames back unchanged
			ws.WriteMessage(websocket.BinaryMessage, data)
		}
	}))
	defer srv.Close()

	conn, err := NewConnection("ws://" + strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect())
	assert.Equal(t, "websocket", conn.GetConnectionType())

	require.NoError(t, conn.SendMessage(protocol.TypePing, &protocol.PingMessage{Timestamp: 42}))
	frame := nextFrame(t, conn)
	require.Equal(t, uint8(protocol.TypePing), frame.Type)
	var ping protocol.PingMessage
	require.NoError(t, ping.Decode(frame.Payload))
	assert.Equal(t, int64(42), ping.Timestamp)
}

func TestLoadTestConnection(t *testing.T) {
	addr, _ := fakeRelay(t, protocol.ProtocolVersion)

	conn, err := NewLoadTestConnection(addr)
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	defer conn.Close()

	_, err = conn.ReceiveType(protocol.TypeServerConfig, testTimeout)
	require.NoError(t, err)

	require.NoError(t, conn.SendMessage(protocol.TypeSetIdentity, &protocol.SetIdentityMessage{Identity: "Load 1"}))
	frame, err := conn.ReceiveType(protocol.TypeIdentityOk, testTimeout)
	require.NoError(t, err)
	var ok protocol.IdentityOkMessage
	require.NoError(t, ok.Decode(frame.Payload))
	assert.Equal(t, "Load 1", ok.Identity)
	assert.Positive(t, conn.BytesSent())
	assert.Greater(t, conn.BytesReceived(), conn.BytesSent())

	require.NoError(t, conn.Close())
	assert.Error(t, conn.SendMessage(protocol.TypeDisconnect, &protocol.DisconnectMessage{}))

	_, err = NewLoadTestConnection("ssh://jane@localhost")
	assert.Error(t, err)
}

func TestMockConnectionRecordsMessages(t *testing.T) {
	mock := NewMockConnection("mock:5002")
	require.NoError(t, mock.Connect())

	require.NoError(t, mock.SendMessage(protocol.TypeJoinChannel, &protocol.JoinChannelMessage{Counterpart: "John Roe"}))
	last, err := mock.GetLastSentMessage()
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.TypeJoinChannel), last.Type)
	assert.Positive(t, mock.GetBytesSent())

	require.NoError(t, mock.SendMessage(protocol.TypeSendMessage, &protocol.SendMessageMessage{To: "John Roe", Text: "hi"}))
	joins := mock.SentOfType(protocol.TypeJoinChannel)
	require.Len(t, joins, 1)
	assert.Equal(t, "John Roe", joins[0].(*protocol.JoinChannelMessage).Counterpart)

	mock.SetSendError(ErrNotConnected)
	assert.ErrorIs(t, mock.SendMessage(protocol.TypePing, &protocol.PingMessage{}), ErrNotConnected)
	assert.Equal(t, 2, mock.GetSentMessageCount())

	require.NoError(t, mock.SimulateMessage(protocol.TypeChannelJoined, &protocol.ChannelJoinedMessage{From: "John Roe"}))
	frame := <-mock.Incoming()
	assert.Equal(t, uint8(protocol.TypeChannelJoined), frame.Type)

	mock.Close()
	mock.Close()
	assert.False(t, mock.IsConnected())
}
