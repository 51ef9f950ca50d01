package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// ConnectionStateType is what the UI shows in its status bar
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

func (s ConnectionStateType) String() string {
	switch s {
	case StateTypeConnected:
		return "connected"
	case StateTypeReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ConnectionStateUpdate is pushed on StateChanges. Attempt is set while
// reconnecting; Err carries the cause of a disconnect.
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
	errAlreadyConnected = errors.New("already connected")
	errQueueFull        = errors.New("outgoing queue full")
)

const (
	greetingTimeout = 3 * time.Second
	queueSize       = 100
)

// link is one dialed transport. Its read and write loops stop when done
// is closed.
type link struct {
	conn net.Conn
	r    *bufio.Reader
	w    io.Writer

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (l *link) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_, err := l.w.Write(data)
	return err
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Connection is the interactive client's link to the relay. Frames are
// queued by Send and written by a background loop; a lost link is redialed
// with exponential backoff unless auto-reconnect is off.
type Connection struct {
	addr      string // with scheme, for display
	rawAddr   string
	transport string
	dial      func(password string) (net.Conn, error)

	mu            sync.RWMutex
	active        *link
	password      string
	serverConfig  *protocol.ServerConfigMessage
	autoReconnect bool
	reconnecting  bool
	closed        bool

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	incoming    chan *protocol.Frame
	outgoing    chan *protocol.Frame
	errors      chan error
	stateChange chan ConnectionStateUpdate

	sent     atomic.Uint64
	received atomic.Uint64

	logger   *log.Logger
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection accepts a bare host[:port] (TCP) or a tcp://, ws://,
// wss:// or ssh:// address. Nothing is dialed until Connect.
func NewConnection(addr string) (*Connection, error) {
	target, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:              target.display,
		rawAddr:           target.raw,
		transport:         target.transport,
		dial:              target.dial,
		autoReconnect:     true,
		reconnectDelay:    time.Second,
		maxReconnectDelay: 30 * time.Second,
		incoming:          make(chan *protocol.Frame, queueSize),
		outgoing:          make(chan *protocol.Frame, queueSize),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		shutdown:          make(chan struct{}),
	}, nil
}

func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetSSHPassword is used when dialing ssh:// addresses
func (c *Connection) SetSSHPassword(password string) {
	c.mu.Lock()
	c.password = password
	c.mu.Unlock()
}

func (c *Connection) DisableAutoReconnect() { c.setAutoReconnect(false) }
func (c *Connection) EnableAutoReconnect()  { c.setAutoReconnect(true) }

func (c *Connection) setAutoReconnect(on bool) {
	c.mu.Lock()
	c.autoReconnect = on
	c.mu.Unlock()
}

func (c *Connection) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the relay and waits for its ServerConfig greeting
func (c *Connection) Connect() error {
	c.mu.RLock()
	closed, busy, password := c.closed, c.active != nil, c.password
	c.mu.RUnlock()
	switch {
	case closed:
		return ErrConnectionClosed
	case busy:
		return errAlreadyConnected
	}

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial(password)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.addr, err)
	}

	l := &link{
		conn: conn,
		r:    bufio.NewReader(&meteredReader{r: conn, n: &c.received}),
		w:    &meteredWriter{w: conn, n: &c.sent},
		done: make(chan struct{}),
	}

	cfg, err := readGreeting(l)
	if err != nil {
		conn.Close()
		return fmt.Errorf("protocol handshake with %s: %w", c.addr, err)
	}

	c.mu.Lock()
	if c.closed || c.active != nil {
		c.mu.Unlock()
		conn.Close()
		return errAlreadyConnected
	}
	c.active = l
	c.serverConfig = cfg
	c.mu.Unlock()

	c.logf("Connected to %s over %s, protocol v%d", c.addr, c.transport, cfg.ProtocolVersion)

	c.wg.Add(2)
	go c.readLoop(l)
	go c.writeLoop(l)
	return nil
}

func readGreeting(l *link) (*protocol.ServerConfigMessage, error) {
	l.conn.SetReadDeadline(time.Now().Add(greetingTimeout))
	defer l.conn.SetReadDeadline(time.Time{})

	frame, err := protocol.DecodeFrame(l.r)
	if err != nil {
		return nil, fmt.Errorf("no server greeting: %w", err)
	}
	if frame.Type != protocol.TypeServerConfig {
		return nil, fmt.Errorf("greeting was %s, not server_config", protocol.TypeName(frame.Type))
	}

	var cfg protocol.ServerConfigMessage
	if err := frame.DecodeInto(&cfg); err != nil {
		return nil, err
	}
	if cfg.ProtocolVersion > protocol.ProtocolVersion {
		return nil, fmt.Errorf("server speaks protocol v%d, this client only v%d", cfg.ProtocolVersion, protocol.ProtocolVersion)
	}
	return &cfg, nil
}

// ServerConfig returns the limits from the latest greeting, nil before Connect
func (c *Connection) ServerConfig() *protocol.ServerConfigMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverConfig
}

// GetConnectionType is "tcp", "ssh" or "websocket"
func (c *Connection) GetConnectionType() string { return c.transport }
func (c *Connection) GetAddress() string        { return c.addr }
func (c *Connection) GetRawAddress() string     { return c.rawAddr }
func (c *Connection) GetBytesSent() uint64      { return c.sent.Load() }
func (c *Connection) GetBytesReceived() uint64  { return c.received.Load() }

func (c *Connection) Incoming() <-chan *protocol.Frame           { return c.incoming }
func (c *Connection) Errors() <-chan error                       { return c.errors }
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate { return c.stateChange }

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active != nil
}

// Disconnect says goodbye and drops the current link. It does not trigger
// a reconnect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	l := c.active
	c.active = nil
	c.mu.Unlock()

	if l == nil {
		return
	}

	// Bypasses the queue; best effort
	if bye, err := protocol.EncodeMessage(protocol.TypeDisconnect, &protocol.DisconnectMessage{}); err == nil {
		l.conn.SetWriteDeadline(time.Now().Add(time.Second))
		l.write(bye)
	}
	l.close()
	c.logf("Disconnected from %s", c.addr)
}

// Close disconnects for good and closes the Incoming, Errors and
// StateChanges channels.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.autoReconnect = false
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()

	close(c.incoming)
	close(c.errors)
	close(c.stateChange)
}

// Send queues frame. Frames queued while the link is down go out after
// the next successful reconnect.
func (c *Connection) Send(frame *protocol.Frame) error {
	select {
	case <-c.shutdown:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outgoing <- frame:
		return nil
	default:
		return errQueueFull
	}
}

func (c *Connection) SendMessage(msgType uint8, msg protocol.ProtocolMessage) error {
	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

func (c *Connection) readLoop(l *link) {
	defer c.wg.Done()

	for {
		frame, err := protocol.DecodeFrame(l.r)
		if err != nil {
			c.lost(l, err)
			return
		}
		c.logf("← %s (%d bytes)", protocol.TypeName(frame.Type), len(frame.Payload))

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) writeLoop(l *link) {
	defer c.wg.Done()

	var buf []byte
	for {
		select {
		case frame := <-c.outgoing:
			var err error
			if buf, err = protocol.AppendFrame(buf[:0], frame); err != nil {
				c.reportError(fmt.Errorf("encode %s: %w", protocol.TypeName(frame.Type), err))
				continue
			}
			if err := l.write(buf); err != nil {
				c.lost(l, err)
				return
			}
			c.logf("→ %s (%d bytes)", protocol.TypeName(frame.Type), len(frame.Payload))

		case <-l.done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// lost handles a failed link. Only the first loop to notice reports it;
// a link dropped by Disconnect is not reported at all.
func (c *Connection) lost(l *link, cause error) {
	c.mu.Lock()
	current := c.active == l
	if current {
		c.active = nil
	}
	reconnect := current && c.autoReconnect && !c.closed
	c.mu.Unlock()

	l.close()
	if !current {
		return
	}

	if errors.Is(cause, io.EOF) {
		c.logf("Server at %s closed the connection", c.addr)
	} else {
		c.logf("Connection to %s failed: %v", c.addr, cause)
	}

	err := fmt.Errorf("disconnected from server: %w", cause)
	c.reportError(err)
	c.notify(ConnectionStateUpdate{State: StateTypeDisconnected, Err: err})

	if reconnect {
		c.startReconnect()
	}
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *Connection) notify(update ConnectionStateUpdate) {
	select {
	case c.stateChange <- update:
	default:
	}
}

func (c *Connection) startReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnecting || c.closed {
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	go c.reconnectLoop()
}

func (c *Connection) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-c.shutdown:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.notify(ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt})
		if err := c.Connect(); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
			c.logf("Reconnect attempt %d failed: %v", attempt, err)
			delay = min(delay*2, c.maxReconnectDelay)
			continue
		}

		c.logf("Reconnected to %s after %d attempt(s)", c.addr, attempt)
		c.notify(ConnectionStateUpdate{State: StateTypeConnected})
		return
	}
}

type meteredReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.n.Add(uint64(n))
	return n, err
}

type meteredWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	m.n.Add(uint64(n))
	return n, err
}
