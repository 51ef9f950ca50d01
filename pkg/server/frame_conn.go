package server

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// FrameConn is a transport connection that speaks whole frames. Replies,
// presence announcements and message delivery reach it from different
// goroutines, so writes are serialized and each one is bounded by the
// write timeout. Reads happen on the session's own loop only.
type FrameConn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu      sync.Mutex
	scratch      []byte
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error

	written atomic.Uint64
}

func NewFrameConn(conn net.Conn, writeTimeout time.Duration) *FrameConn {
	return &FrameConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

// SendFrame encodes frame into a per-connection buffer and writes it
func (fc *FrameConn) SendFrame(frame *protocol.Frame) error {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()

	var err error
	fc.scratch, err = protocol.AppendFrame(fc.scratch[:0], frame)
	if err != nil {
		return err
	}
	return fc.writeLocked(fc.scratch)
}

// WriteRaw writes an already encoded frame, as shared by broadcasts
func (fc *FrameConn) WriteRaw(data []byte) error {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()

	return fc.writeLocked(data)
}

func (fc *FrameConn) writeLocked(data []byte) error {
	if fc.writeTimeout > 0 {
		fc.conn.SetWriteDeadline(time.Now().Add(fc.writeTimeout))
	}
	n, err := fc.conn.Write(data)
	fc.written.Add(uint64(n))
	return err
}

func (fc *FrameConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(fc.reader)
}

// BytesWritten counts every byte that reached the transport
func (fc *FrameConn) BytesWritten() uint64 {
	return fc.written.Load()
}

// Close is idempotent
func (fc *FrameConn) Close() error {
	fc.closeOnce.Do(func() {
		fc.closeErr = fc.conn.Close()
	})
	return fc.closeErr
}

func (fc *FrameConn) RemoteAddr() net.Addr {
	return fc.conn.RemoteAddr()
}
