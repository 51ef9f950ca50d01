package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/directory"
	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/aeolun/pairchat/pkg/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server owns the listeners for every transport and feeds their
// connections into one relay hub
type Server struct {
	db     *database.DB
	dir    *directory.Directory
	tokens *directory.Tokens
	hub    *relay.Hub

	listener      net.Listener
	sshListener   net.Listener
	httpListener  net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	sessions   *SessionManager
	config     ServerConfig
	configPath string
	metrics    *Metrics
	startTime  time.Time

	shutdown chan struct{}
	stopOnce sync.Once
	// wg counts listener loops and live connections. connMu orders new
	// connections against close(shutdown) so none is added during Wait.
	wg     sync.WaitGroup
	connMu sync.Mutex

	// Reset by reportChurn every interval
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer opens the account database and wires the hub to it.
// Listeners are not opened until Start.
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	dbPath, err := expandHome(config.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("database directory: %w", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initLoggers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("log files: %w", err)
	}

	secret := config.JWTSecret
	if secret == "" {
		if secret, err = randomSecret(); err != nil {
			db.Close()
			return nil, err
		}
		log.Printf("WARNING: jwt_secret is not set, tokens issued now die with this process")
	}
	tokens := directory.NewTokens(secret, config.TokenTTL)
	dir := directory.New(db, tokens)

	metrics := NewMetrics()
	sessions := NewSessionManager(config.WriteTimeout)
	sessions.SetMetrics(metrics)

	return &Server{
		db:         db,
		dir:        dir,
		tokens:     tokens,
		hub:        newHub(config, dir, metrics),
		sessions:   sessions,
		config:     config,
		configPath: configPath,
		metrics:    metrics,
		startTime:  time.Now(),
		shutdown:   make(chan struct{}),
	}, nil
}

// newHub translates config into relay options. The directory answers
// contact checks and, with require_token, verifies identities.
func newHub(config ServerConfig, dir *directory.Directory, metrics *Metrics) *relay.Hub {
	opts := relay.Options{
		MaxIdentityLength: config.MaxIdentityLength,
		MaxMessageLength:  config.MaxMessageLength,
		ForbidSeparator:   config.ForbidSeparator,
		BilateralJoin:     config.BilateralJoin,
		EnforceContacts:   config.EnforceContacts,
	}
	if dir != nil {
		opts.Contacts = dir
		if config.RequireToken {
			opts.Verifier = dir
		}
	}
	// Keep a nil *Metrics from turning into a non-nil Recorder
	if metrics != nil {
		opts.Recorder = metrics
	}
	return relay.NewHub(opts)
}

func randomSecret() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("token secret: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// Start opens the TCP listener and, when their ports are set, the SSH,
// public HTTP and internal metrics listeners
func (s *Server) Start() error {
	bind := fmt.Sprintf(":%d", s.config.TCPPort)
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	ln, err := lc.Listen(context.Background(), "tcp", bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bind, err)
	}
	s.listener = ln
	log.Printf("TCP listening on %s", ln.Addr())

	if err := s.startSSHServer(); err != nil {
		ln.Close()
		return fmt.Errorf("ssh: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		ln.Close()
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		return fmt.Errorf("http: %w", err)
	}
	s.startMetricsServer()

	s.wg.Add(2)
	go s.reportChurn()
	go s.acceptLoop()
	return nil
}

// startMetricsServer serves /metrics and /health on the internal port.
// That port must not be reachable from outside.
func (s *Server) startMetricsServer() {
	if s.config.MetricsPort <= 0 || s.metrics == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	s.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Metrics on %s (internal only)", s.metricsServer.Addr)
		if err := s.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("metrics server: %v", err)
		}
	}()
}

// Handler serves the public routes: /ws and the directory under /api
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Get("/ws", s.HandleWebSocket)
	if s.dir != nil {
		r.Mount("/api", directory.NewAPI(s.dir, s.tokens).Routes())
	}
	return r
}

func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort <= 0 {
		log.Printf("HTTP disabled (http_port=%d)", s.config.HTTPPort)
		return nil
	}

	bind := fmt.Sprintf(":%d", s.config.HTTPPort)
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bind, err)
	}
	s.httpListener = ln
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Printf("HTTP listening on %s (/ws, /api)", ln.Addr())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("http server: %v", err)
		}
	}()
	return nil
}

// Stop closes the listeners, then every session, then the database. It
// may be called more than once; only the first call does anything.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() { err = s.stop() })
	return err
}

func (s *Server) stop() error {
	log.Println("Shutting down")
	s.connMu.Lock()
	close(s.shutdown)
	s.connMu.Unlock()

	for _, ln := range []net.Listener{s.listener, s.sshListener} {
		if ln != nil {
			ln.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Upgraded WebSocket connections are hijacked; CloseAll takes them down
	for _, hs := range []*http.Server{s.httpServer, s.metricsServer} {
		if hs == nil {
			continue
		}
		if err := hs.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}

	log.Printf("Closing %d sessions", s.sessions.Count())
	s.sessions.CloseAll()
	s.wg.Wait()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errorLog.Printf("close database: %v", err)
			return err
		}
	}
	log.Println("Shutdown complete")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err == nil {
			s.wg.Add(1)
			go s.handleConnection(conn)
			continue
		}
		if s.stopping() || errors.Is(err, net.ErrClosed) {
			return
		}
		log.Printf("TCP accept: %v", err)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	// Chat lines are small; do not let Nagle hold them back
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	s.serveConn("tcp", conn, "")
}

// serveConn runs one connection from greeting to teardown. identity is
// set when the transport has already authenticated the peer.
func (s *Server) serveConn(transport string, conn net.Conn, identity string) {
	sess := s.sessions.CreateSession(transport, conn)
	if s.stopping() {
		// CloseAll may already have run without this session
		s.sessions.RemoveSession(sess.ID())
		return
	}
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("%s: %s connected from %s", sess.ID(), transport, sess.RemoteAddr)

	if err := s.sendServerConfig(sess); err != nil {
		s.sessions.RemoveSession(sess.ID())
		return
	}
	if err := s.hub.Connect(sess); err != nil {
		debugLog.Printf("%s: %v", sess.ID(), err)
		s.removeSession(sess)
		return
	}

	if identity != "" {
		if err := s.hub.Authenticate(sess.ID(), identity); err != nil {
			s.sendRelayError(sess, err)
		} else {
			debugLog.Printf("%s: %s login as %q", sess.ID(), transport, identity)
			s.sendMessage(sess, protocol.TypeIdentityOk, &protocol.IdentityOkMessage{Identity: identity})
		}
	}

	s.messageLoop(sess)
}

// messageLoop reads frames until the peer leaves or the stream breaks
func (s *Server) messageLoop(sess *Session) {
	defer s.removeSession(sess)

	for {
		frame, err := sess.Conn.ReadFrame()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			debugLog.Printf("%s: closed by peer", sess.ID())
			return
		default:
			if isFramingError(err) {
				// Nothing after a bad length can be trusted
				s.sendError(sess, protocol.ErrCodeInvalidFormat, "Malformed frame")
			}
			debugLog.Printf("%s: read: %v", sess.ID(), err)
			return
		}

		debugLog.Printf("%s <- %s flags=0x%02X", sess.ID(), frame, frame.Flags)

		err = s.handleMessage(sess, frame)
		if errors.Is(err, ErrClientDisconnecting) {
			debugLog.Printf("%s: said goodbye", sess.ID())
			return
		}
		if err != nil {
			errorLog.Printf("%s: %s: %v", sess.ID(), protocol.TypeName(frame.Type), err)
			s.sendError(sess, protocol.ErrCodeInternalError, "Internal server error")
		}
	}
}

// track counts a connection that did not come through an accept loop.
// It reports false once shutdown has begun.
func (s *Server) track() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.stopping() {
		return false
	}
	s.wg.Add(1)
	return true
}

func isFramingError(err error) bool {
	for _, target := range []error{
		protocol.ErrFrameTooLarge,
		protocol.ErrInvalidFrameLength,
		protocol.ErrDecompressionFailed,
		protocol.ErrInvalidCompressedLen,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// removeSession leaves the hub before closing, so the presence update it
// triggers is not written to a dead socket
func (s *Server) removeSession(sess *Session) {
	s.hub.Disconnect(sess.ID())
	if s.sessions.RemoveSession(sess.ID()) {
		s.disconnectionsSinceReport.Add(1)
	}
}

// HealthHandler reports liveness, counters and database reachability
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.hub.Stats()
	code, dbState := http.StatusOK, "ok"
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			code, dbState = http.StatusServiceUnavailable, err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         http.StatusText(code),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    st.Connections,
		"online":         st.Online,
		"channels":       st.Channels,
		"database":       dbState,
	})
}
