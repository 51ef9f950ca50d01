package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const dialTimeout = 3 * time.Second

// schemeDefaults maps an address scheme to its transport and default port
var schemeDefaults = map[string]struct {
	transport string
	port      string
}{
	"tcp": {"tcp", "5002"},
	"ws":  {"websocket", "5001"},
	"wss": {"websocket", "5001"},
	"ssh": {"ssh", "2222"},
}

// serverTarget is a parsed server address with a dialer bound to it
type serverTarget struct {
	display   string
	raw       string
	transport string
	dial      func(password string) (net.Conn, error)
}

// parseServerAddress accepts host[:port] (TCP) or scheme://[user@]host[:port]
func parseServerAddress(input string) (*serverTarget, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("server address is empty")
	}

	scheme, hostPort, user := "tcp", input, ""
	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", input, err)
		}
		scheme, hostPort = strings.ToLower(u.Scheme), u.Host
		if u.User != nil {
			user = u.User.Username()
		}
	}

	defaults, ok := schemeDefaults[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
	address, err := withDefaultPort(hostPort, defaults.port)
	if err != nil {
		return nil, err
	}

	target := &serverTarget{display: address, raw: address, transport: defaults.transport}
	switch scheme {
	case "tcp":
		target.dial = func(string) (net.Conn, error) {
			return net.DialTimeout("tcp", address, dialTimeout)
		}
	case "ws", "wss":
		target.display = scheme + "://" + address
		secure := scheme == "wss"
		target.dial = func(string) (net.Conn, error) {
			return DialWebSocket(address, secure)
		}
	case "ssh":
		if user == "" {
			return nil, errors.New("ssh address needs a user, e.g. ssh://Jane%20Doe@host")
		}
		target.display = "ssh://" + user + "@" + address
		target.raw = user + "@" + address
		verifier := newHostKeyVerifier(knownHostsPath())
		target.dial = func(password string) (net.Conn, error) {
			return dialSSH(user, password, address, verifier)
		}
	}
	return target, nil
}

// withDefaultPort joins hostPort with port when it carries none. IPv6
// literals may be bracketed or not.
func withDefaultPort(hostPort, port string) (string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", errors.New("missing host in server address")
	}

	host, p, err := net.SplitHostPort(hostPort)
	if err == nil {
		return net.JoinHostPort(host, p), nil
	}
	var addrErr *net.AddrError
	if !errors.As(err, &addrErr) || !strings.Contains(addrErr.Err, "missing port") {
		return "", err
	}

	host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
	return net.JoinHostPort(host, port), nil
}
