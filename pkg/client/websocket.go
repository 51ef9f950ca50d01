package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DialWebSocket opens the relay's /ws endpoint on address and returns it
// as a byte stream
func DialWebSocket(address string, secure bool) (net.Conn, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: "/ws"}
	if secure {
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	ws, resp, err := dialer.Dial(u.String(), nil)
	switch {
	case err != nil && resp != nil:
		return nil, fmt.Errorf("websocket handshake with %s: %s", u.String(), resp.Status)
	case err != nil:
		return nil, fmt.Errorf("websocket dial %s: %w", u.String(), err)
	}
	return &wsStream{ws: ws}, nil
}

// wsStream sends each Write as one binary message and reads across
// message boundaries. Text messages are ignored.
type wsStream struct {
	ws      *websocket.Conn
	current io.Reader
	writeMu sync.Mutex
}

func (s *wsStream) Read(b []byte) (int, error) {
	for {
		if s.current == nil {
			kind, r, err := s.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if kind == websocket.BinaryMessage {
				s.current = r
			}
			continue
		}

		n, err := s.current.Read(b)
		if !errors.Is(err, io.EOF) {
			return n, err
		}
		s.current = nil
		if n > 0 {
			return n, nil
		}
	}
}

func (s *wsStream) Write(b []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal-closure frame before dropping the socket
func (s *wsStream) Close() error {
	bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")

	s.writeMu.Lock()
	s.ws.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
	s.writeMu.Unlock()

	return s.ws.Close()
}

func (s *wsStream) LocalAddr() net.Addr                { return s.ws.LocalAddr() }
func (s *wsStream) RemoteAddr() net.Addr               { return s.ws.RemoteAddr() }
func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.ws.SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.ws.SetWriteDeadline(t) }

func (s *wsStream) SetDeadline(t time.Time) error {
	return errors.Join(s.ws.SetReadDeadline(t), s.ws.SetWriteDeadline(t))
}
