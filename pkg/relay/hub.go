package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// State is the lifecycle position of a connection
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// IdentityVerifier checks a declared identity against a credential and
// returns the identity the connection is allowed to use.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, declared, token string) (string, error)
}

// ContactChecker reports whether counterpart is in identity's contact list
type ContactChecker interface {
	IsContact(ctx context.Context, identity, counterpart string) (bool, error)
}

// Recorder receives hub events for metrics
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	OnlineIdentities(n int)
	PresenceBroadcast(online, endpoints int)
	MessageRouted(recipients int)
	Rejected(kind string)
	IdentityReplaced()
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened()          {}
func (nopRecorder) ConnectionClosed()          {}
func (nopRecorder) OnlineIdentities(int)       {}
func (nopRecorder) PresenceBroadcast(int, int) {}
func (nopRecorder) MessageRouted(int)          {}
func (nopRecorder) Rejected(string)            {}
func (nopRecorder) IdentityReplaced()          {}

// Options configures a Hub. Zero values are usable.
type Options struct {
	MaxIdentityLength int  // 0 = unlimited
	MaxMessageLength  int  // 0 = unlimited
	ForbidSeparator   bool // reject identities containing ChannelSeparator
	BilateralJoin     bool // subscribe an online counterpart on join
	EnforceContacts   bool // requires Contacts

	Verifier IdentityVerifier // nil trusts the declared identity
	Contacts ContactChecker
	Recorder Recorder
	Now      func() time.Time
}

// Hub owns the connection lifecycle: it ties the registry, the
// subscription index, presence and routing together.
type Hub struct {
	opts      Options
	registry  *Registry
	subs      *Subscriptions
	endpoints *endpoints
	presence  *Presence
	router    *Router
	recorder  Recorder
}

// NewHub creates a hub with empty state
func NewHub(opts Options) *Hub {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	registry := NewRegistry()
	subs := NewSubscriptions()
	eps := newEndpoints()

	return &Hub{
		opts:      opts,
		registry:  registry,
		subs:      subs,
		endpoints: eps,
		presence:  newPresence(registry, eps, opts.Recorder),
		router:    newRouter(registry, subs, eps, opts),
		recorder:  opts.Recorder,
	}
}

// Connect records a freshly accepted transport endpoint. It starts
// unauthenticated and immediately receives the current presence list.
func (h *Hub) Connect(c Conn) error {
	h.recorder.ConnectionOpened()
	if err := h.presence.welcome(c); err != nil {
		return fmt.Errorf("send presence snapshot: %w", err)
	}
	return nil
}

// SetIdentity moves conn to the authenticated state under name. A
// connection already speaking for a different identity releases it first.
// Any other connection holding the same identity is evicted.
func (h *Hub) SetIdentity(ctx context.Context, conn ConnID, name, token string) (string, error) {
	if _, ok := h.endpoints.get(conn); !ok {
		return "", fmt.Errorf("%w: connection %s is closed", ErrUnauthenticated, conn)
	}

	identity := name
	if h.opts.Verifier != nil {
		verified, err := h.opts.Verifier.VerifyIdentity(ctx, name, token)
		if err != nil {
			h.recorder.Rejected("invalid_identity")
			return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		identity = verified
	}

	if err := h.validateIdentity(identity); err != nil {
		h.recorder.Rejected("invalid_identity")
		return "", err
	}

	return identity, h.bind(conn, identity)
}

// Authenticate binds an identity that the transport has already verified
// (SSH password login). It skips the configured verifier.
func (h *Hub) Authenticate(conn ConnID, identity string) error {
	if _, ok := h.endpoints.get(conn); !ok {
		return fmt.Errorf("%w: connection %s is closed", ErrUnauthenticated, conn)
	}
	if err := h.validateIdentity(identity); err != nil {
		return err
	}
	return h.bind(conn, identity)
}

func (h *Hub) bind(conn ConnID, identity string) error {
	if current, ok := h.registry.Resolve(conn); ok && current != identity {
		// Subscriptions were derived from the old name
		h.subs.RemoveConn(conn)
	}

	previous, replaced := h.registry.Register(identity, conn)
	if replaced {
		h.evict(previous, identity)
	}

	h.recorder.OnlineIdentities(h.registry.Count())
	h.presence.Announce()
	return nil
}

// evict cuts off a connection whose identity was claimed elsewhere. Its
// eventual disconnect finds no registry entry and announces nothing.
func (h *Hub) evict(stale ConnID, identity string) {
	h.subs.RemoveConn(stale)
	h.recorder.IdentityReplaced()

	c, ok := h.endpoints.get(stale)
	if !ok {
		return
	}

	log.Printf("hub: %q moved to a new connection, closing %s", identity, stale)

	frame, err := protocol.EncodeMessage(protocol.TypeError, &protocol.ErrorMessage{
		ErrorCode: protocol.ErrCodeIdentityReplaced,
		Message:   "identity claimed by another connection",
	})
	if err == nil {
		if err := c.WriteFrame(frame); err != nil {
			log.Printf("hub: eviction notice to %s failed: %v", stale, err)
		}
	}
	c.Close()
}

func (h *Hub) validateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is empty", ErrInvalidIdentity)
	}
	if h.opts.MaxIdentityLength > 0 && len(identity) > h.opts.MaxIdentityLength {
		return fmt.Errorf("%w: identity exceeds %d bytes", ErrInvalidIdentity, h.opts.MaxIdentityLength)
	}
	if h.opts.ForbidSeparator && strings.Contains(identity, ChannelSeparator) {
		return fmt.Errorf("%w: identity may not contain %q", ErrInvalidIdentity, ChannelSeparator)
	}
	return nil
}

// Join subscribes conn to its channel with counterpart and returns the channel id
func (h *Hub) Join(ctx context.Context, conn ConnID, counterpart string) (string, error) {
	channel, err := h.router.Join(ctx, conn, counterpart)
	if err != nil {
		h.recorder.Rejected(Kind(err))
		return "", err
	}
	return channel, nil
}

// Send routes a stamped message from conn's identity to the shared channel
func (h *Hub) Send(ctx context.Context, conn ConnID, to, text string) (Delivery, error) {
	d, err := h.router.Send(ctx, conn, to, text)
	if err != nil {
		h.recorder.Rejected(Kind(err))
		return Delivery{}, err
	}
	h.recorder.MessageRouted(d.Recipients)
	return d, nil
}

// Disconnect closes out conn. Only an effective unregister triggers a
// presence announcement. Calling it again for the same conn is a no-op.
func (h *Hub) Disconnect(conn ConnID) bool {
	if _, ok := h.presence.withdraw(conn); !ok {
		return false
	}
	h.recorder.ConnectionClosed()

	h.subs.RemoveConn(conn)

	identity, ok := h.registry.Unregister(conn)
	if !ok {
		return false
	}

	debugLog.Printf("hub: %q went offline (%s)", identity, conn)
	h.recorder.OnlineIdentities(h.registry.Count())
	h.presence.Announce()
	return true
}

// State reports where conn is in its lifecycle. Unknown handles are closed.
func (h *Hub) State(conn ConnID) State {
	if _, ok := h.endpoints.get(conn); !ok {
		return StateClosed
	}
	if _, ok := h.registry.Resolve(conn); ok {
		return StateAuthenticated
	}
	return StateUnauthenticated
}

// Identity returns the identity conn currently speaks for
func (h *Hub) Identity(conn ConnID) (string, bool) {
	return h.registry.Resolve(conn)
}

// Online returns the sorted set of online identities
func (h *Hub) Online() []string {
	return h.registry.Online()
}

// Channels returns the channels conn is subscribed to
func (h *Hub) Channels(conn ConnID) []string {
	return h.subs.ChannelsOf(conn)
}

// Stats is a point-in-time view for health reporting
type Stats struct {
	Connections int
	Online      int
	Channels    int
}

// Stats returns current counters
func (h *Hub) Stats() Stats {
	return Stats{
		Connections: h.endpoints.count(),
		Online:      h.registry.Count(),
		Channels:    h.subs.ChannelCount(),
	}
}

// Kind names the error category of err for metrics labels
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	default:
		return "internal"
	}
}
