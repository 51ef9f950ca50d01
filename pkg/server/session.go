package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/pairchat/pkg/relay"
	"github.com/samber/lo"
)

// Session represents an active client connection. It is the relay.Conn the
// hub writes presence lists and messages to.
type Session struct {
	id          relay.ConnID
	Conn        *FrameConn
	Transport   string    // "tcp", "ssh" or "websocket"
	RemoteAddr  string
	ConnectedAt time.Time
}

// ID returns the connection handle
func (s *Session) ID() relay.ConnID {
	return s.id
}

// WriteFrame sends a pre-encoded frame
func (s *Session) WriteFrame(frame []byte) error {
	return s.Conn.WriteRaw(frame)
}

// Close closes the connection, which ends its message loop
func (s *Session) Close() error {
	return s.Conn.Close()
}

// SessionManager tracks every open transport connection so that shutdown
// can reach them.
type SessionManager struct {
	sessions     map[relay.ConnID]*Session
	mu           sync.RWMutex
	metrics      *Metrics
	writeTimeout time.Duration
}

// NewSessionManager creates a new session manager
func NewSessionManager(writeTimeout time.Duration) *SessionManager {
	return &SessionManager{
		sessions:     make(map[relay.ConnID]*Session),
		writeTimeout: writeTimeout,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession wraps conn and starts tracking it
func (sm *SessionManager) CreateSession(transport string, conn net.Conn) *Session {
	sess := &Session{
		id:          relay.NewConnID(),
		Conn:        NewFrameConn(conn, sm.writeTimeout),
		Transport:   transport,
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
	}

	sm.mu.Lock()
	sm.sessions[sess.id] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated(transport)
	}

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id relay.ConnID) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[id]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return lo.Values(sm.sessions)
}

// RemoveSession stops tracking a session and closes its connection.
// Returns false if it was already removed.
func (sm *SessionManager) RemoveSession(id relay.ConnID) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, id)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
	}

	sess.Conn.Close()
	return true
}

// Count returns the number of open connections
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[relay.ConnID]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
}
