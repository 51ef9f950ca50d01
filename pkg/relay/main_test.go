package relay

import (
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

var errConnClosed = errors.New("connection closed")

// fakeConn captures every frame the hub writes to it
type fakeConn struct {
	id ConnID

	mu       sync.Mutex
	frames   []*protocol.Frame
	closed   bool
	failSend bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: NewConnID()}
}

func (c *fakeConn) ID() ConnID { return c.id }

func (c *fakeConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.failSend {
		return errConnClosed
	}
	f, err := protocol.DecodeMessage(data)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ofType(msgType uint8) []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*protocol.Frame
	for _, f := range c.frames {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func (c *fakeConn) messages(t testing.TB) []protocol.PrivateMessage {
	t.Helper()
	var out []protocol.PrivateMessage
	for _, f := range c.ofType(protocol.TypeMessage) {
		var msg protocol.PrivateMessage
		require.NoError(t, msg.Decode(f.Payload))
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) presenceCount() int {
	return len(c.ofType(protocol.TypePresenceList))
}

func (c *fakeConn) lastPresence(t testing.TB) []string {
	t.Helper()
	lists := c.ofType(protocol.TypePresenceList)
	require.NotEmpty(t, lists, "no presence list received")

	var msg protocol.PresenceListMessage
	require.NoError(t, msg.Decode(lists[len(lists)-1].Payload))
	return msg.Identities
}

func (c *fakeConn) errors(t testing.TB) []protocol.ErrorMessage {
	t.Helper()
	var out []protocol.ErrorMessage
	for _, f := range c.ofType(protocol.TypeError) {
		var msg protocol.ErrorMessage
		require.NoError(t, msg.Decode(f.Payload))
		out = append(out, msg)
	}
	return out
}
