package server

import (
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from anywhere
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketConn adapts a websocket connection to net.Conn. Each Write is
// sent as one binary message. Reads stream across message boundaries, so
// frame decoding does not care how the peer split its messages.
type WebSocketConn struct {
	ws     *websocket.Conn
	reader io.Reader
	readMu sync.Mutex
}

// NewWebSocketConn wraps an upgraded websocket connection
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write is not safe for concurrent use; FrameConn serializes callers
func (c *WebSocketConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *WebSocketConn) Close() error {
	return c.ws.Close()
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// HandleWebSocket upgrades the request and runs the binary protocol over it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	if !s.track() {
		ws.Close()
		log.Printf("Rejected WebSocket connection from %s during shutdown", r.RemoteAddr)
		return
	}
	defer s.wg.Done()

	s.serveConn("websocket", NewWebSocketConn(ws), "")
}
