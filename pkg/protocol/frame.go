package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize bounds the length field (1 MiB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is stamped on every frame this package builds
	ProtocolVersion = 1

	// CompressionThreshold is the smallest payload EncodeFrame tries to compress
	CompressionThreshold = 512

	// frameHeaderSize is version + type + flags, counted by the length field
	frameHeaderSize = 3
)

// FlagCompressed marks an LZ4 payload (bit 0 of flags)
const FlagCompressed = 0x01

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one unit on the wire:
//
//	[length uint32][version u8][type u8][flags u8][payload]
//
// length counts everything after itself.
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// NewFrame builds a current-version frame around an encoded message
func NewFrame(msgType uint8, msg ProtocolMessage) (*Frame, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeName(msgType), err)
	}
	return &Frame{Version: ProtocolVersion, Type: msgType, Payload: payload}, nil
}

// DecodeInto decodes the payload into msg
func (f *Frame) DecodeInto(msg ProtocolMessage) error {
	if err := msg.Decode(f.Payload); err != nil {
		return fmt.Errorf("decode %s: %w", TypeName(f.Type), err)
	}
	return nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s v%d (%d bytes)", TypeName(f.Type), f.Version, len(f.Payload))
}

// CompressPayload LZ4-compresses data behind a uint32 uncompressed size.
// It reports false, returning data untouched, when that would not save space.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, out[4:], nil)
	if err != nil || n == 0 || 4+n >= len(data) {
		return data, false
	}
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	return out[:4+n], true
}

// DecompressPayload reverses CompressPayload
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data)
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	if n, err := lz4.UncompressBlock(data[4:], out); err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// AppendFrame appends the wire form of f to dst. Payloads of at least
// CompressionThreshold bytes are compressed when that saves space.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	payload, flags := f.Payload, f.Flags
	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(frameHeaderSize + len(payload))
	if length > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}

	dst = binary.BigEndian.AppendUint32(dst, length)
	dst = append(dst, f.Version, f.Type, flags)
	return append(dst, payload...), nil
}

// EncodeFrame writes f in a single Write call. Transports that map one
// Write to one message (WebSocket) rely on that.
func EncodeFrame(w io.Writer, f *Frame) error {
	data, err := AppendFrame(make([]byte, 0, 4+frameHeaderSize+len(f.Payload)), f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}

	if fl, ok := w.(interface{ Flush() error }); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one frame, inflating a compressed payload
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < frameHeaderSize {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	f := &Frame{Version: body[0], Type: body[1], Flags: body[2], Payload: body[frameHeaderSize:]}
	if f.Flags&FlagCompressed != 0 && len(f.Payload) > 0 {
		if f.Payload, err = DecompressPayload(f.Payload); err != nil {
			return nil, err
		}
		f.Flags &^= FlagCompressed
	}
	return f, nil
}

// EncodeMessage encodes a complete frame for msg. The hub encodes each
// broadcast once and hands the same bytes to every recipient.
func EncodeMessage(msgType uint8, msg ProtocolMessage) ([]byte, error) {
	frame, err := NewFrame(msgType, msg)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, frame)
}

// DecodeMessage decodes a single frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
