package relay

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ConnID is the opaque handle of a live transport connection
type ConnID string

// NewConnID allocates a fresh connection handle
func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// Registry maps each online identity to the one connection currently
// speaking for it. It is the single source of truth for presence.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]ConnID
	byConn     map[ConnID]string // reverse index for Resolve
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]ConnID),
		byConn:     make(map[ConnID]string),
	}
}

// Register maps identity to conn, replacing any previous connection for
// that identity. It returns the replaced handle so the caller can close it.
// A connection holds at most one identity: registering a new name on the
// same connection releases the old one.
func (r *Registry) Register(identity string, conn ConnID) (previous ConnID, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byConn[conn]; ok && old != identity {
		delete(r.byIdentity, old)
	}

	previous, replaced = r.byIdentity[identity]
	if replaced && previous != conn {
		delete(r.byConn, previous)
	}

	r.byIdentity[identity] = conn
	r.byConn[conn] = identity
	return previous, replaced && previous != conn
}

// Resolve returns the identity registered for conn
func (r *Registry) Resolve(conn ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.byConn[conn]
	return identity, ok
}

// Lookup returns the connection currently registered for identity
func (r *Registry) Lookup(identity string) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byIdentity[identity]
	return conn, ok
}

// Unregister removes the mapping held by conn. It only takes effect while
// conn is still the registered handle for its identity, so a late
// disconnect of a replaced connection cannot remove the newer session.
func (r *Registry) Unregister(conn ConnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)

	if r.byIdentity[identity] != conn {
		return "", false
	}
	delete(r.byIdentity, identity)
	return identity, true
}

// Online returns a sorted snapshot of the registered identities
func (r *Registry) Online() []string {
	r.mu.RLock()
	identities := lo.Keys(r.byIdentity)
	r.mu.RUnlock()

	sort.Strings(identities)
	return identities
}

// Count returns the number of registered identities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byIdentity)
}
