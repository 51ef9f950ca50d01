package client

import (
	"github.com/aeolun/pairchat/pkg/protocol"
)

// Sender writes frames to the relay
type Sender interface {
	Send(frame *protocol.Frame) error
	SendMessage(msgType uint8, msg protocol.ProtocolMessage) error
}

// ConnectionInterface is what the UI needs from a relay connection. The
// real Connection and MockConnection both satisfy it.
type ConnectionInterface interface {
	Sender

	Connect() error
	Disconnect()
	Close()
	IsConnected() bool
	GetAddress() string
	GetRawAddress() string
	GetConnectionType() string
	ServerConfig() *protocol.ServerConfigMessage

	Incoming() <-chan *protocol.Frame
	Errors() <-chan error
	StateChanges() <-chan ConnectionStateUpdate

	DisableAutoReconnect()
	EnableAutoReconnect()
	SetSSHPassword(password string)

	GetBytesSent() uint64
	GetBytesReceived() uint64
}

// StateInterface is the client's persisted state
type StateInterface interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	GetLastIdentity() string
	SetLastIdentity(identity string) error
	GetToken() string
	SetToken(token string) error
	GetFirstRun() bool
	SetFirstRunComplete() error

	// Read markers are unix millis, per counterpart
	GetReadState(counterpart string) (int64, error)
	UpdateReadState(counterpart string, timestamp int64) error

	GetLastSuccessfulMethod(serverAddress string) (string, error)
	SaveSuccessfulConnection(serverAddress, method string) error

	GetStateDir() string
	Close() error
}

var (
	_ ConnectionInterface = (*Connection)(nil)
	_ ConnectionInterface = (*MockConnection)(nil)
	_ StateInterface      = (*State)(nil)
	_ StateInterface      = (*MockState)(nil)
)
