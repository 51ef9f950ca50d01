package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/pairchat/pkg/directory"
	"golang.org/x/crypto/ssh"
)

// Keys in ssh.Permissions.Extensions filled in by password auth
const (
	sshExtIdentity = "identity"
	sshExtUserID   = "user_id"
)

// sshSubsystem may be requested instead of a shell (ssh -s pairchat)
const sshSubsystem = "pairchat"

// Clients check this banner prefix before opening a session
const sshServerVersion = "SSH-2.0-PairChat"

func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	signer, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("host key: %w", err)
	}
	// Users log in with the contact (email or mobile) they signed up with
	cfg := &ssh.ServerConfig{
		PasswordCallback: s.authenticateSSHPassword,
		ServerVersion:    sshServerVersion,
	}
	cfg.AddHostKey(signer)

	bind := fmt.Sprintf(":%d", s.config.SSHPort)
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bind, err)
	}
	s.sshListener = ln
	log.Printf("SSH listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(ln, cfg)
	return nil
}

// authenticateSSHPassword checks credentials against the directory and
// hands the account's username to the session through the permissions
func (s *Server) authenticateSSHPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	ctx, cancel := s.requestContext()
	defer cancel()

	user, err := s.dir.CheckPassword(ctx, meta.User(), string(password))
	if err != nil {
		if !errors.Is(err, directory.ErrInvalidCredentials) {
			errorLog.Printf("SSH password check for %q: %v", meta.User(), err)
		}
		debugLog.Printf("SSH login refused for %q from %s", meta.User(), meta.RemoteAddr())
		return nil, directory.ErrInvalidCredentials
	}

	perms := &ssh.Permissions{Extensions: make(map[string]string, 2)}
	perms.Extensions[sshExtIdentity] = user.Username()
	perms.Extensions[sshExtUserID] = strconv.FormatInt(user.ID, 10)
	return perms, nil
}

func (s *Server) acceptSSHLoop(ln net.Listener, cfg *ssh.ServerConfig) {
	defer s.wg.Done()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err == nil {
			s.wg.Add(1)
			go s.handleSSHConnection(conn, cfg)
			continue
		}
		if s.stopping() || errors.Is(err, net.ErrClosed) {
			return
		}
		log.Printf("SSH accept: %v", err)
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// handleSSHConnection runs the handshake, then serves every session
// channel the client opens until it disconnects or the server stops
func (s *Server) handleSSHConnection(conn net.Conn, cfg *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	sc, chans, globalReqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		debugLog.Printf("SSH handshake with %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sc.Close()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.shutdown:
			sc.Close()
		case <-finished:
		}
	}()
	go ssh.DiscardRequests(globalReqs)

	for nc := range chans {
		if kind := nc.ChannelType(); kind != "session" {
			nc.Reject(ssh.UnknownChannelType, "only session channels are served")
			continue
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			debugLog.Printf("SSH channel accept: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go sessionRequests(reqs)
			s.handleSSHSession(ch, sc)
		}()
	}
}

// sessionRequests answers what a terminal ssh client asks before it
// starts talking. exec is refused since the channel only carries frames.
func sessionRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		var accept bool
		switch req.Type {
		case "pty-req", "env", "window-change", "shell":
			accept = true
		case "subsystem":
			// SSH string: uint32 length then the name
			accept = len(req.Payload) > 4 && string(req.Payload[4:]) == sshSubsystem
		}
		if req.WantReply {
			req.Reply(accept, nil)
		}
	}
}

// handleSSHSession serves one channel. Password logins arrive with their
// identity already bound.
func (s *Server) handleSSHSession(ch ssh.Channel, sc *ssh.ServerConn) {
	identity := ""
	if sc.Permissions != nil {
		identity = sc.Permissions.Extensions[sshExtIdentity]
	}
	s.serveConn("ssh", &sshChannelConn{Channel: ch, local: sc.LocalAddr(), remote: sc.RemoteAddr()}, identity)
}

// sshChannelConn gives a channel the net.Conn shape FrameConn expects
type sshChannelConn struct {
	ssh.Channel
	local, remote net.Addr
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

// Channels have no deadlines, so write timeouts do not apply over SSH
func (c *sshChannelConn) SetDeadline(time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(time.Time) error { return nil }

// loadOrGenerateHostKey reads the ed25519 host key, writing a fresh one
// on first start
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		where := s.configPath
		if strings.TrimSpace(where) == "" {
			where = "the server config file"
		}
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key in %s or drop it for the default %s",
			where, DefaultConfig().SSHHostKeyPath)
	}

	path, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	pemBytes, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Printf("SSH host key %s loaded from %s", ssh.FingerprintSHA256(signer.PublicKey()), path)
		return signer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	signer, err := writeHostKey(path)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", path, err)
	}
	log.Printf("SSH host key %s generated at %s", ssh.FingerprintSHA256(signer.PublicKey()), path)
	return signer, nil
}

func writeHostKey(path string) (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(key, "pairchat host key")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}
