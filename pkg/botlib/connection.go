package botlib

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/pairchat/pkg/client"
	"github.com/aeolun/pairchat/pkg/protocol"
)

var errConnClosed = errors.New("connection closed")

// ServerError is an Error frame returned in answer to a bot request
type ServerError struct {
	Code    uint16
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// connection is the bot's single link to the relay. Requests that expect
// an ack are answered on replies in order; everything else is pushed to
// onFrame from the read loop.
type connection struct {
	addr string
	conn net.Conn

	writeMu sync.Mutex
	wbuf    []byte

	closeOnce sync.Once
	done      chan struct{}

	replies chan *protocol.Frame
	onFrame func(*protocol.Frame)
}

func newConnection(addr string) *connection {
	return &connection{
		addr:    addr,
		done:    make(chan struct{}),
		replies: make(chan *protocol.Frame, 16),
	}
}

// connect dials tcp://host:port (the default scheme) or ws[s]://host:port
func (c *connection) connect() error {
	scheme, hostport, found := strings.Cut(c.addr, "://")
	if !found {
		scheme, hostport = "tcp", c.addr
	}

	var (
		conn net.Conn
		err  error
	)
	switch scheme {
	case "ws", "wss":
		// The relay always serves WebSocket on /ws
		host, _, _ := strings.Cut(hostport, "/")
		conn, err = client.DialWebSocket(host, scheme == "wss")
	case "tcp":
		conn, err = net.DialTimeout("tcp", hostport, 5*time.Second)
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
	default:
		return fmt.Errorf("unsupported scheme %q", scheme)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.conn = conn
	return nil
}

func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// send encodes msg into a reused buffer and writes it in one call, which
// keeps WebSocket message boundaries aligned with frames.
func (c *connection) send(msgType uint8, msg protocol.ProtocolMessage) error {
	if c.isClosed() {
		return errConnClosed
	}

	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.wbuf, err = protocol.AppendFrame(c.wbuf[:0], frame)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(c.wbuf); err != nil {
		return fmt.Errorf("write %s: %w", protocol.TypeName(msgType), err)
	}
	return nil
}

func isReply(t uint8) bool {
	switch t {
	case protocol.TypeServerConfig, protocol.TypeIdentityOk, protocol.TypeJoinOk, protocol.TypeError:
		return true
	}
	return false
}

// receiveLoop runs until the connection fails. A deliberate close
// returns nil.
func (c *connection) receiveLoop() error {
	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			if c.isClosed() {
				return nil
			}
			return err
		}

		if !isReply(frame.Type) {
			if c.onFrame != nil {
				c.onFrame(frame)
			}
			continue
		}

		// Keep the newest replies if nobody is reading
		for {
			select {
			case c.replies <- frame:
			default:
				select {
				case <-c.replies:
				default:
				}
				continue
			}
			break
		}
	}
}

func (c *connection) waitForResponse(timeout time.Duration) (*protocol.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-c.replies:
		return frame, nil
	case <-c.done:
		return nil, errConnClosed
	case <-timer.C:
		return nil, fmt.Errorf("no reply within %s", timeout)
	}
}

// drainStale empties replies nobody waited for, such as the error for a
// rejected fire-and-forget send.
func (c *connection) drainStale() []*protocol.Frame {
	var stale []*protocol.Frame
	for {
		select {
		case frame := <-c.replies:
			stale = append(stale, frame)
		default:
			return stale
		}
	}
}

// expectType turns an Error frame into a *ServerError and any other
// unexpected type into a plain error.
func expectType(frame *protocol.Frame, expected uint8) error {
	if frame.Type == protocol.TypeError {
		var msg protocol.ErrorMessage
		if err := frame.DecodeInto(&msg); err != nil {
			return err
		}
		return &ServerError{Code: msg.ErrorCode, Message: msg.Message}
	}
	if frame.Type != expected {
		return fmt.Errorf("got %s, want %s", protocol.TypeName(frame.Type), protocol.TypeName(expected))
	}
	return nil
}
