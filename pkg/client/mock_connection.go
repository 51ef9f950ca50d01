package client

import (
	"errors"
	"sync"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// MockConnection is an in-memory ConnectionInterface for UI tests. It
// records what the client sends and lets the test play the server.
type MockConnection struct {
	mu sync.RWMutex

	address        string
	connectionType string
	connected      bool
	autoReconnect  bool
	sshPassword    string
	serverConfig   *protocol.ServerConfigMessage

	connectErr error
	sendErr    error

	bytesSent uint64

	incoming    chan *protocol.Frame
	errors      chan error
	stateChange chan ConnectionStateUpdate
	closeOnce   sync.Once

	// Everything sent, in order
	SentFrames   []*protocol.Frame
	SentMessages []MockSentMessage
}

// MockSentMessage is one SendMessage call
type MockSentMessage struct {
	Type uint8
	Msg  protocol.ProtocolMessage
}

// NewMockConnection returns a disconnected mock advertising the server's
// default limits
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:        address,
		connectionType: "tcp",
		autoReconnect:  true,
		incoming:       make(chan *protocol.Frame, 100),
		errors:         make(chan error, 10),
		stateChange:    make(chan ConnectionStateUpdate, 10),
		serverConfig: &protocol.ServerConfigMessage{
			ProtocolVersion:   protocol.ProtocolVersion,
			MaxMessageLength:  4096,
			MaxIdentityLength: 64,
		},
	}
}

func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

// Close may be called more than once
func (m *MockConnection) Close() {
	m.Disconnect()
	m.closeOnce.Do(func() {
		close(m.incoming)
		close(m.errors)
		close(m.stateChange)
	})
}

func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockConnection) GetAddress() string    { return m.address }
func (m *MockConnection) GetRawAddress() string { return m.address }

func (m *MockConnection) GetConnectionType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionType
}

func (m *MockConnection) record(frame *protocol.Frame) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	data, err := protocol.AppendFrame(nil, frame)
	if err != nil {
		return err
	}
	m.bytesSent += uint64(len(data))
	m.SentFrames = append(m.SentFrames, frame)
	return nil
}

func (m *MockConnection) Send(frame *protocol.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(frame)
}

func (m *MockConnection) SendMessage(msgType uint8, msg protocol.ProtocolMessage) error {
	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(frame); err != nil {
		return err
	}
	m.SentMessages = append(m.SentMessages, MockSentMessage{Type: msgType, Msg: msg})
	return nil
}

func (m *MockConnection) Incoming() <-chan *protocol.Frame           { return m.incoming }
func (m *MockConnection) Errors() <-chan error                       { return m.errors }
func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate { return m.stateChange }
func (m *MockConnection) GetBytesReceived() uint64                   { return 0 }

// SetConnectionType changes what GetConnectionType reports
func (m *MockConnection) SetConnectionType(kind string) {
	m.mu.Lock()
	m.connectionType = kind
	m.mu.Unlock()
}

// SetServerConfig replaces the limits returned by ServerConfig
func (m *MockConnection) SetServerConfig(cfg *protocol.ServerConfigMessage) {
	m.mu.Lock()
	m.serverConfig = cfg
	m.mu.Unlock()
}

func (m *MockConnection) GetBytesSent() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytesSent
}

func (m *MockConnection) DisableAutoReconnect() {
	m.mu.Lock()
	m.autoReconnect = false
	m.mu.Unlock()
}

func (m *MockConnection) EnableAutoReconnect() {
	m.mu.Lock()
	m.autoReconnect = true
	m.mu.Unlock()
}

// AutoReconnect reports the last Enable/DisableAutoReconnect call
func (m *MockConnection) AutoReconnect() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoReconnect
}

func (m *MockConnection) SetSSHPassword(password string) {
	m.mu.Lock()
	m.sshPassword = password
	m.mu.Unlock()
}

func (m *MockConnection) ServerConfig() *protocol.ServerConfigMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverConfig
}

// SetConnectError makes Connect fail with err
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
}

// SetSendError makes Send and SendMessage fail with err
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// SimulateMessage delivers msg as if the server had sent it
func (m *MockConnection) SimulateMessage(msgType uint8, msg protocol.ProtocolMessage) error {
	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		return err
	}
	m.incoming <- frame
	return nil
}

func (m *MockConnection) SimulateIncomingFrame(frame *protocol.Frame) { m.incoming <- frame }
func (m *MockConnection) SimulateError(err error)                     { m.errors <- err }

// SimulateStateChange also updates IsConnected to match the new state
func (m *MockConnection) SimulateStateChange(update ConnectionStateUpdate) {
	m.mu.Lock()
	m.connected = update.State == StateTypeConnected
	m.mu.Unlock()
	m.stateChange <- update
}

func (m *MockConnection) GetSentMessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.SentMessages)
}

// GetLastSentMessage returns the most recent SendMessage call
func (m *MockConnection) GetLastSentMessage() (MockSentMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.SentMessages) == 0 {
		return MockSentMessage{}, errors.New("no messages sent")
	}
	return m.SentMessages[len(m.SentMessages)-1], nil
}

// SentOfType returns the messages of msgType in send order
func (m *MockConnection) SentOfType(msgType uint8) []protocol.ProtocolMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []protocol.ProtocolMessage
	for _, sent := range m.SentMessages {
		if sent.Type == msgType {
			out = append(out, sent.Msg)
		}
	}
	return out
}

func (m *MockConnection) ClearSentMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = nil
	m.SentFrames = nil
}
