package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// LoadTestConnection is a blocking request/response connection for the
// load generator. It starts no goroutines and never reconnects, so one
// process can hold thousands of them.
type LoadTestConnection struct {
	addr string
	dial func(password string) (net.Conn, error)

	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	wbuf    []byte
	readMu  sync.Mutex

	closed atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewLoadTestConnection accepts the same addresses as NewConnection
// except ssh://
func NewLoadTestConnection(addr string) (*LoadTestConnection, error) {
	target, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	if target.transport == "ssh" {
		return nil, errors.New("load testing over ssh is not supported")
	}
	return &LoadTestConnection{addr: target.display, dial: target.dial}, nil
}

func (c *LoadTestConnection) Connect() error {
	conn, err := c.dial("")
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c.conn = conn
	c.reader = bufio.NewReader(&meteredReader{r: conn, n: &c.received})
	return nil
}

func (c *LoadTestConnection) Close() error {
	if c.closed.Swap(true) || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *LoadTestConnection) SendMessage(msgType uint8, msg protocol.ProtocolMessage) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.wbuf, err = protocol.AppendFrame(c.wbuf[:0], frame); err != nil {
		return err
	}
	n, err := c.conn.Write(c.wbuf)
	c.sent.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write %s: %w", protocol.TypeName(msgType), err)
	}
	return nil
}

// ReceiveMessage returns the next frame. A zero timeout waits forever.
func (c *LoadTestConnection) ReceiveMessage(timeout time.Duration) (*protocol.Frame, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	frame, err := protocol.DecodeFrame(c.reader)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return frame, nil
}

// ReceiveType skips frames until one of msgType arrives. An Error frame
// ends the wait early. timeout bounds the whole wait.
func (c *LoadTestConnection) ReceiveType(msgType uint8, timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no %s within %s", protocol.TypeName(msgType), timeout)
		}

		frame, err := c.ReceiveMessage(remaining)
		if err != nil {
			return nil, err
		}

		switch {
		case frame.Type == msgType:
			return frame, nil
		case frame.Type == protocol.TypeError:
			var e protocol.ErrorMessage
			if err := frame.DecodeInto(&e); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("waiting for %s: server error %d: %s", protocol.TypeName(msgType), e.ErrorCode, e.Message)
		}
	}
}

func (c *LoadTestConnection) BytesSent() uint64     { return c.sent.Load() }
func (c *LoadTestConnection) BytesReceived() uint64 { return c.received.Load() }
func (c *LoadTestConnection) Addr() string          { return c.addr }
