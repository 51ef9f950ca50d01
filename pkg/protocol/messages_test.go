package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetIdentityMessageWithoutToken(t *testing.T) {
	// A bare identity string is what trust-on-declaration clients send
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "alice"))

	var msg SetIdentityMessage
	require.NoError(t, msg.Decode(buf.Bytes()))
	assert.Equal(t, "alice", msg.Identity)
	assert.Empty(t, msg.Token)
}

func TestSetIdentityMessageWithToken(t *testing.T) {
	payload, err := (&SetIdentityMessage{Identity: "Ada Lovelace", Token: "abc.def.ghi"}).Encode()
	require.NoError(t, err)

	var msg SetIdentityMessage
	require.NoError(t, msg.Decode(payload))
	assert.Equal(t, "Ada Lovelace", msg.Identity)
	assert.Equal(t, "abc.def.ghi", msg.Token)
}

func TestPrivateMessageCarriesTimestampVerbatim(t *testing.T) {
	payload, err := (&PrivateMessage{From: "alice", Text: "hi", Timestamp: "2026-10-17T09:30:00.123Z"}).Encode()
	require.NoError(t, err)

	var msg PrivateMessage
	require.NoError(t, msg.Decode(payload))
	assert.Equal(t, PrivateMessage{From: "alice", Text: "hi", Timestamp: "2026-10-17T09:30:00.123Z"}, msg)
}

func TestPresenceListEmpty(t *testing.T) {
	payload, err := (&PresenceListMessage{}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, payload)

	var msg PresenceListMessage
	require.NoError(t, msg.Decode(payload))
	assert.Empty(t, msg.Identities)
}

func TestServerConfigMessage(t *testing.T) {
	original := ServerConfigMessage{
		ProtocolVersion:   ProtocolVersion,
		MaxMessageLength:  4096,
		MaxIdentityLength: 64,
		RequireToken:      true,
	}
	payload, err := original.Encode()
	require.NoError(t, err)

	var decoded ServerConfigMessage
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, original, decoded)
}

func TestDecodeErrors(t *testing.T) {
	// A length prefix promising more bytes than the payload holds
	truncated := []byte{0x00, 0x05, 'a', 'b'}

	tests := []struct {
		name    string
		msg     ProtocolMessage
		payload []byte
	}{
		{"set identity - empty", &SetIdentityMessage{}, nil},
		{"set identity - truncated", &SetIdentityMessage{}, truncated},
		{"join channel - empty", &JoinChannelMessage{}, nil},
		{"send message - missing text", &SendMessageMessage{}, []byte{0x00, 0x01, 'b'}},
		{"ping - short", &PingMessage{}, []byte{0x01, 0x02}},
		{"presence - count without entries", &PresenceListMessage{}, []byte{0x00, 0x02}},
		{"channel joined - truncated", &ChannelJoinedMessage{}, truncated},
		{"message - missing timestamp", &PrivateMessage{}, []byte{0x00, 0x01, 'a', 0x00, 0x01, 'b'}},
		{"error - missing message", &ErrorMessage{}, []byte{0x03, 0xE8}},
		{"identity ok - empty", &IdentityOkMessage{}, nil},
		{"join ok - missing counterpart", &JoinOkMessage{}, []byte{0x00, 0x01, 'c'}},
		{"pong - empty", &PongMessage{}, nil},
		{"server config - short", &ServerConfigMessage{}, []byte{ProtocolVersion, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.msg.Decode(tt.payload))
		})
	}
}

func TestDisconnectMessageHasNoPayload(t *testing.T) {
	payload, err := (&DisconnectMessage{}).Encode()
	require.NoError(t, err)
	assert.Empty(t, payload)
	assert.NoError(t, (&DisconnectMessage{}).Decode(nil))
}

func TestWriteStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	err := WriteString(&buf, strings.Repeat("x", 1<<16))
	assert.ErrorIs(t, err, ErrStringTooLong)

	_, err = (&SendMessageMessage{To: "bob", Text: strings.Repeat("x", 1<<16)}).Encode()
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "set_identity", TypeName(TypeSetIdentity))
	assert.Equal(t, "presence_list", TypeName(TypePresenceList))
	assert.Equal(t, "unknown_0x7f", TypeName(0x7F))
}
