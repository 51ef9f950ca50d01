package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// relayBannerPrefix is the server version string every relay advertises
const relayBannerPrefix = "SSH-2.0-PairChat"

// hostKeyVerifier pins host keys in a known_hosts file, trusting a host
// the first time it is seen.
type hostKeyVerifier struct {
	mu   sync.Mutex
	path string // empty disables pinning
}

func newHostKeyVerifier(path string) *hostKeyVerifier {
	return &hostKeyVerifier{path: path}
}

func knownHostsPath() string {
	if env := os.Getenv("PAIRCHAT_KNOWN_HOSTS"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pairchat", "known_hosts")
}

func (v *hostKeyVerifier) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.path == "" {
		return nil
	}

	known, err := knownhosts.New(v.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return v.pin(hostname, key)
	case err != nil:
		return fmt.Errorf("read %s: %w", v.path, err)
	}

	err = known(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &keyErr) && len(keyErr.Want) == 0:
		// Unknown host
		return v.pin(hostname, key)
	default:
		return fmt.Errorf("host key for %s (%s) does not match %s: %w",
			hostname, ssh.FingerprintSHA256(key), v.path, err)
	}
}

func (v *hostKeyVerifier) pin(hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintf(f, "%s PairChat added=%s\n", line, time.Now().Format(time.RFC3339))
	return err
}

// dialSSH logs in as user with a password and opens the session channel
// the relay speaks frames on
func dialSSH(user, password, address string, verifier *hostKeyVerifier) (net.Conn, error) {
	if password == "" {
		return nil, errors.New("ssh login needs a password")
	}

	tcp, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	// The deadline covers the handshake only
	tcp.SetDeadline(time.Now().Add(dialTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(tcp, address, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: verifier.check,
		Timeout:         dialTimeout,
	})
	if err != nil {
		tcp.Close()
		return nil, err
	}
	tcp.SetDeadline(time.Time{})

	if banner := string(sshConn.ServerVersion()); !strings.HasPrefix(banner, relayBannerPrefix) {
		sshConn.Close()
		return nil, fmt.Errorf("%s is not a PairChat relay (banner %q)", address, banner)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshStream{
		Channel: channel,
		client:  client,
		local:   tcp.LocalAddr(),
		remote:  tcp.RemoteAddr(),
	}, nil
}

// sshStream is a session channel posing as a net.Conn. Deadlines are not
// supported by SSH channels and are ignored.
type sshStream struct {
	ssh.Channel
	client        *ssh.Client
	local, remote net.Addr
	once          sync.Once
}

func (s *sshStream) Close() error {
	var err error
	s.once.Do(func() {
		if cerr := s.Channel.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = cerr
		}
		s.client.Close()
	})
	return err
}

func (s *sshStream) LocalAddr() net.Addr              { return s.local }
func (s *sshStream) RemoteAddr() net.Addr             { return s.remote }
func (s *sshStream) SetDeadline(time.Time) error      { return nil }
func (s *sshStream) SetReadDeadline(time.Time) error  { return nil }
func (s *sshStream) SetWriteDeadline(time.Time) error { return nil }
