package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameWireLayout(t *testing.T) {
	wire, err := AppendFrame(nil, &Frame{Version: ProtocolVersion, Type: TypeJoinChannel, Payload: []byte{0x00, 0x01, 'b'}})
	require.NoError(t, err)

	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x06, // length: header + payload
		ProtocolVersion, TypeJoinChannel, 0x00,
		0x00, 0x01, 'b',
	}, wire)
}

func TestFrameSizeLimit(t *testing.T) {
	// Pre-flagged payloads are written as they are
	atLimit := &Frame{Version: ProtocolVersion, Type: TypeSendMessage, Flags: FlagCompressed, Payload: make([]byte, MaxFrameSize-frameHeaderSize)}
	wire, err := AppendFrame(nil, atLimit)
	require.NoError(t, err)
	assert.Len(t, wire, 4+MaxFrameSize)

	over := &Frame{Version: ProtocolVersion, Type: TypeSendMessage, Flags: FlagCompressed, Payload: make([]byte, MaxFrameSize)}
	prefix := []byte("keep")
	out, err := AppendFrame(prefix, over)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, prefix, out, "a rejected frame leaves dst untouched")

	assert.ErrorIs(t, EncodeFrame(&bytes.Buffer{}, over), ErrFrameTooLarge)
}

func TestDecodeFrameRejects(t *testing.T) {
	header := func(length uint32, rest ...byte) []byte {
		return append(binary.BigEndian.AppendUint32(nil, length), rest...)
	}

	tests := []struct {
		name string
		wire []byte
		want error
	}{
		{"nothing", nil, nil},
		{"length over limit", header(MaxFrameSize + 1), ErrFrameTooLarge},
		{"length below header", header(2, 1, 2), ErrInvalidFrameLength},
		{"header cut short", header(3, ProtocolVersion), nil},
		{"payload cut short", header(10, ProtocolVersion, TypeSendMessage, 0, 0x01, 0x02), nil},
		{"compressed payload that is not lz4", header(10, ProtocolVersion, TypeMessage, FlagCompressed, 0, 0, 0, 0x40, 0xFF, 0xFF, 0xFF), ErrDecompressionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeMessage(tt.wire)
			require.Error(t, err)
			assert.Nil(t, frame)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestEncodeFrameIsOneWrite(t *testing.T) {
	// A WebSocket session sends each Write as one message
	w := &recordingWriter{}
	require.NoError(t, EncodeFrame(w, &Frame{Version: ProtocolVersion, Type: TypeMessage, Payload: bytes.Repeat([]byte("hi "), 400)}))
	require.Len(t, w.writes, 1)

	frame, err := DecodeMessage(w.writes[0])
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("hi "), 400), frame.Payload)

	assert.ErrorIs(t, EncodeFrame(brokenWriter{}, &Frame{Type: TypePing}), errBroken)
}

func TestCompressionThreshold(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		compressed bool
	}{
		{"short text", []byte("see you at noon"), false},
		{"repetitive but under threshold", bytes.Repeat([]byte("a"), CompressionThreshold-1), false},
		{"repetitive at threshold", bytes.Repeat([]byte("a"), CompressionThreshold), true},
		{"long chat line", []byte(strings.Repeat("let's pair on the relay tomorrow ", 40)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := AppendFrame(nil, &Frame{Version: ProtocolVersion, Type: TypeMessage, Payload: tt.payload})
			require.NoError(t, err)
			assert.Equal(t, tt.compressed, wire[6]&FlagCompressed != 0)

			frame, err := DecodeMessage(wire)
			require.NoError(t, err)
			assert.Zero(t, frame.Flags&FlagCompressed)
			assert.Equal(t, tt.payload, frame.Payload)
		})
	}
}

func TestCompressPayload(t *testing.T) {
	_, ok := CompressPayload(nil)
	assert.False(t, ok)

	noise := []byte{0x9c, 0x11, 0xe3, 0x4a, 0x70, 0x05, 0xbd, 0x2f}
	out, ok := CompressPayload(noise)
	assert.False(t, ok)
	assert.Equal(t, noise, out)

	text := bytes.Repeat([]byte("Jane Doe, John Roe, "), 64)
	out, ok = CompressPayload(text)
	require.True(t, ok)
	assert.Equal(t, uint32(len(text)), binary.BigEndian.Uint32(out))

	back, err := DecompressPayload(out)
	require.NoError(t, err)
	assert.Equal(t, text, back)
}

func TestDecompressPayloadErrors(t *testing.T) {
	_, err := DecompressPayload([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrInvalidCompressedLen)

	_, err = DecompressPayload([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// Claims 100 bytes but holds garbage
	_, err = DecompressPayload([]byte{0x00, 0x00, 0x00, 0x64, 0xFF, 0xFF, 0xFF})
	assert.ErrorIs(t, err, ErrDecompressionFailed)
}

func TestLargePresenceListTravelsCompressed(t *testing.T) {
	online := make([]string, 300)
	for i := range online {
		online[i] = "Participant Number " + strings.Repeat("x", i%7)
	}

	wire, err := EncodeMessage(TypePresenceList, &PresenceListMessage{Identities: online})
	require.NoError(t, err)
	assert.NotZero(t, wire[6]&FlagCompressed)

	frame, err := DecodeMessage(wire)
	require.NoError(t, err)
	var got PresenceListMessage
	require.NoError(t, frame.DecodeInto(&got))
	assert.Equal(t, online, got.Identities)
}

func TestFrameDecodeInto(t *testing.T) {
	wire, err := EncodeMessage(TypeJoinOk, &JoinOkMessage{Channel: "private_Jane Doe_John Roe", Counterpart: "John Roe"})
	require.NoError(t, err)

	frame, err := DecodeMessage(wire)
	require.NoError(t, err)
	assert.Equal(t, "join_ok v1 (37 bytes)", frame.String())

	var msg JoinOkMessage
	require.NoError(t, frame.DecodeInto(&msg))
	assert.Equal(t, "John Roe", msg.Counterpart)

	err = (&Frame{Type: TypeJoinOk, Payload: []byte{0x00}}).DecodeInto(&msg)
	assert.ErrorContains(t, err, "decode join_ok")
}

var errBroken = errors.New("broken pipe")

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errBroken }

type recordingWriter struct{ writes [][]byte }

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, bytes.Clone(p))
	return len(p), nil
}
