package botlib

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/aeolun/pairchat/pkg/relay"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	relay.SetDebugOutput(io.Discard)
	m.Run()
}

// testConn is the relay's view of one TCP client
type testConn struct {
	id   relay.ConnID
	mu   sync.Mutex
	conn net.Conn
}

func (c *testConn) ID() relay.ConnID { return c.id }

func (c *testConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

func (c *testConn) Close() error { return c.conn.Close() }

// startTestRelay serves the relay core over plain TCP
func startTestRelay(t *testing.T, opts relay.Options) string {
	t.Helper()

	hub := relay.NewHub(opts)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveTestConn(hub, &testConn{id: relay.NewConnID(), conn: conn})
		}
	}()
	return ln.Addr().String()
}

func reply(c *testConn, msgType uint8, msg protocol.ProtocolMessage) {
	frame, err := protocol.EncodeMessage(msgType, msg)
	if err == nil {
		c.WriteFrame(frame)
	}
}

func replyError(c *testConn, err error) {
	code := uint16(protocol.ErrCodeInvalidTarget)
	switch {
	case errors.Is(err, relay.ErrUnauthenticated):
		code = protocol.ErrCodeAuthRequired
	case errors.Is(err, relay.ErrInvalidIdentity):
		code = protocol.ErrCodeInvalidIdentity
	}
	reply(c, protocol.TypeError, &protocol.ErrorMessage{ErrorCode: code, Message: err.Error()})
}

func serveTestConn(hub *relay.Hub, c *testConn) {
	defer c.conn.Close()

	reply(c, protocol.TypeServerConfig, &protocol.ServerConfigMessage{ProtocolVersion: protocol.ProtocolVersion})
	if err := hub.Connect(c); err != nil {
		return
	}
	defer hub.Disconnect(c.id)

	ctx := context.Background()
	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			return
		}

		switch frame.Type {
		case protocol.TypeSetIdentity:
			var msg protocol.SetIdentityMessage
			if msg.Decode(frame.Payload) != nil {
				return
			}
			identity, err := hub.SetIdentity(ctx, c.id, msg.Identity, msg.Token)
			if err != nil {
				replyError(c, err)
				continue
			}
			reply(c, protocol.TypeIdentityOk, &protocol.IdentityOkMessage{Identity: identity})

		case protocol.TypeJoinChannel:
			var msg protocol.JoinChannelMessage
			if msg.Decode(frame.Payload) != nil {
				return
			}
			channel, err := hub.Join(ctx, c.id, msg.Counterpart)
			if err != nil {
				replyError(c, err)
				continue
			}
			reply(c, protocol.TypeJoinOk, &protocol.JoinOkMessage{Channel: channel, Counterpart: msg.Counterpart})

		case protocol.TypeSendMessage:
			var msg protocol.SendMessageMessage
			if msg.Decode(frame.Payload) != nil {
				return
			}
			if _, err := hub.Send(ctx, c.id, msg.To, msg.Text); err != nil {
				replyError(c, err)
			}

		case protocol.TypePing:
			var msg protocol.PingMessage
			if msg.Decode(frame.Payload) == nil {
				reply(c, protocol.TypePong, &protocol.PongMessage{ClientTimestamp: msg.Timestamp})
			}

		case protocol.TypeDisconnect:
			return
		}
	}
}

// rawClient speaks the protocol directly for the human side of a test
type rawClient struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, addr, identity string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{t: t, conn: conn}
	c.expect(protocol.TypeServerConfig)
	c.send(protocol.TypeSetIdentity, &protocol.SetIdentityMessage{Identity: identity})
	c.expect(protocol.TypeIdentityOk)
	return c
}

func (c *rawClient) send(msgType uint8, msg protocol.ProtocolMessage) {
	c.t.Helper()
	frame, err := protocol.EncodeMessage(msgType, msg)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

// expect skips frames until one of msgType arrives
func (c *rawClient) expect(msgType uint8) *protocol.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		frame, err := protocol.DecodeFrame(c.conn)
		require.NoError(c.t, err, "waiting for %s", protocol.TypeName(msgType))
		if frame.Type == msgType {
			return frame
		}
	}
}

// expectMessageFrom skips frames until a message from sender arrives
func (c *rawClient) expectMessageFrom(sender string) protocol.PrivateMessage {
	c.t.Helper()
	for {
		frame := c.expect(protocol.TypeMessage)
		var msg protocol.PrivateMessage
		require.NoError(c.t, msg.Decode(frame.Payload))
		if msg.From == sender {
			return msg
		}
	}
}
