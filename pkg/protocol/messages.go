package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
)

// ProtocolMessage interface - all protocol messages must implement this
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Message type constants (Client → Server)
const (
	TypeSetIdentity = 0x01
	TypeJoinChannel = 0x02
	TypeSendMessage = 0x03
	TypeDisconnect  = 0x04
	TypePing        = 0x05
)

// Message type constants (Server → Client)
const (
	TypePresenceList  = 0x81
	TypeChannelJoined = 0x82
	TypeMessage       = 0x83
	TypeError         = 0x84
	TypeIdentityOk    = 0x85
	TypeJoinOk        = 0x86
	TypePong          = 0x87
	TypeServerConfig  = 0x88
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat   = 1000
	ErrCodeUnsupportedType = 1001

	// Authentication errors (2xxx)
	ErrCodeAuthRequired     = 2000
	ErrCodeIdentityReplaced = 2001

	// Validation errors (6xxx)
	ErrCodeInvalidTarget   = 6000
	ErrCodeInvalidIdentity = 6003

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
)

var (
	ErrTooManyIdentities = errors.New("presence list exceeds 65535 identities")
)

// TypeName returns a stable lowercase name for a frame type, used for logs
// and metric labels.
func TypeName(msgType uint8) string {
	switch msgType {
	case TypeSetIdentity:
		return "set_identity"
	case TypeJoinChannel:
		return "join_channel"
	case TypeSendMessage:
		return "send_message"
	case TypeDisconnect:
		return "disconnect"
	case TypePing:
		return "ping"
	case TypePresenceList:
		return "presence_list"
	case TypeChannelJoined:
		return "channel_joined"
	case TypeMessage:
		return "message"
	case TypeError:
		return "error"
	case TypeIdentityOk:
		return "identity_ok"
	case TypeJoinOk:
		return "join_ok"
	case TypePong:
		return "pong"
	case TypeServerConfig:
		return "server_config"
	default:
		return fmt.Sprintf("unknown_0x%02x", msgType)
	}
}

func encodeToBytes(m interface{ EncodeTo(io.Writer) error }) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetIdentityMessage (0x01) - Declare the identity of this connection.
// Token is empty unless the server requires a directory-issued token.
type SetIdentityMessage struct {
	Identity string
	Token    string
}

func (m *SetIdentityMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Identity); err != nil {
		return err
	}
	return WriteString(w, m.Token)
}

func (m *SetIdentityMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *SetIdentityMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	identity, err := ReadString(buf)
	if err != nil {
		return err
	}

	// Older clients send the identity alone
	var token string
	if buf.Len() > 0 {
		if token, err = ReadString(buf); err != nil {
			return err
		}
	}

	m.Identity = identity
	m.Token = token
	return nil
}

// JoinChannelMessage (0x02) - Open the private channel with a counterpart
type JoinChannelMessage struct {
	Counterpart string
}

func (m *JoinChannelMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Counterpart)
}

func (m *JoinChannelMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *JoinChannelMessage) Decode(payload []byte) error {
	counterpart, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Counterpart = counterpart
	return nil
}

// SendMessageMessage (0x03) - Send text to the channel shared with To
type SendMessageMessage struct {
	To   string
	Text string
}

func (m *SendMessageMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.To); err != nil {
		return err
	}
	return WriteString(w, m.Text)
}

func (m *SendMessageMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *SendMessageMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	to, err := ReadString(buf)
	if err != nil {
		return err
	}
	text, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.To = to
	m.Text = text
	return nil
}

// DisconnectMessage (0x04) - Graceful disconnect, no payload
type DisconnectMessage struct{}

func (m *DisconnectMessage) EncodeTo(w io.Writer) error  { return nil }
func (m *DisconnectMessage) Encode() ([]byte, error)     { return []byte{}, nil }
func (m *DisconnectMessage) Decode(payload []byte) error { return nil }

// PingMessage (0x05) - Keepalive
type PingMessage struct {
	Timestamp int64
}

func (m *PingMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Timestamp)
}

func (m *PingMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *PingMessage) Decode(payload []byte) error {
	ts, err := ReadInt64(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Timestamp = ts
	return nil
}

// PresenceListMessage (0x81) - Full set of online identities.
// Always a full replacement of the client's view.
type PresenceListMessage struct {
	Identities []string
}

func (m *PresenceListMessage) EncodeTo(w io.Writer) error {
	if len(m.Identities) > math.MaxUint16 {
		return ErrTooManyIdentities
	}
	if err := WriteUint16(w, uint16(len(m.Identities))); err != nil {
		return err
	}
	for _, id := range m.Identities {
		if err := WriteString(w, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *PresenceListMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *PresenceListMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	identities := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		id, err := ReadString(buf)
		if err != nil {
			return err
		}
		identities = append(identities, id)
	}
	m.Identities = identities
	return nil
}

// ChannelJoinedMessage (0x82) - Someone opened a channel with the receiver
type ChannelJoinedMessage struct {
	From string
}

func (m *ChannelJoinedMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.From)
}

func (m *ChannelJoinedMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *ChannelJoinedMessage) Decode(payload []byte) error {
	from, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.From = from
	return nil
}

// PrivateMessage (0x83) - A server-stamped message delivered to a channel.
// Timestamp is ISO-8601 (RFC 3339, UTC, millisecond precision).
type PrivateMessage struct {
	From      string
	Text      string
	Timestamp string
}

func (m *PrivateMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.From); err != nil {
		return err
	}
	if err := WriteString(w, m.Text); err != nil {
		return err
	}
	return WriteString(w, m.Timestamp)
}

func (m *PrivateMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *PrivateMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	from, err := ReadString(buf)
	if err != nil {
		return err
	}
	text, err := ReadString(buf)
	if err != nil {
		return err
	}
	ts, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.From = from
	m.Text = text
	m.Timestamp = ts
	return nil
}

// ErrorMessage (0x84) - Non-fatal error for the originating connection
type ErrorMessage struct {
	ErrorCode uint16
	Message   string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.ErrorCode = code
	m.Message = message
	return nil
}

// IdentityOkMessage (0x85) - Identity accepted. Identity is the registered
// name, which comes from the token when one was presented.
type IdentityOkMessage struct {
	Identity string
}

func (m *IdentityOkMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Identity)
}

func (m *IdentityOkMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *IdentityOkMessage) Decode(payload []byte) error {
	identity, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Identity = identity
	return nil
}

// JoinOkMessage (0x86) - The connection is subscribed to Channel
type JoinOkMessage struct {
	Channel     string
	Counterpart string
}

func (m *JoinOkMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Channel); err != nil {
		return err
	}
	return WriteString(w, m.Counterpart)
}

func (m *JoinOkMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *JoinOkMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	channel, err := ReadString(buf)
	if err != nil {
		return err
	}
	counterpart, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Channel = channel
	m.Counterpart = counterpart
	return nil
}

// PongMessage (0x87) - Reply to PING
type PongMessage struct {
	ClientTimestamp int64
}

func (m *PongMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.ClientTimestamp)
}

func (m *PongMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *PongMessage) Decode(payload []byte) error {
	ts, err := ReadInt64(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.ClientTimestamp = ts
	return nil
}

// ServerConfigMessage (0x88) - Sent once right after the connection opens
type ServerConfigMessage struct {
	ProtocolVersion   uint8
	MaxMessageLength  uint32
	MaxIdentityLength uint16
	RequireToken      bool
}

func (m *ServerConfigMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteUint32(w, m.MaxMessageLength); err != nil {
		return err
	}
	if err := WriteUint16(w, m.MaxIdentityLength); err != nil {
		return err
	}
	return WriteBool(w, m.RequireToken)
}

func (m *ServerConfigMessage) Encode() ([]byte, error) { return encodeToBytes(m) }

func (m *ServerConfigMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	version, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	maxMsg, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	maxID, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	requireToken, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.ProtocolVersion = version
	m.MaxMessageLength = maxMsg
	m.MaxIdentityLength = maxID
	m.RequireToken = requireToken
	return nil
}
