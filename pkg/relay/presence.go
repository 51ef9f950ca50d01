package relay

import (
	"log"
	"sync"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/samber/lo"
)

// Conn is a live transport endpoint as seen by the hub. WriteFrame
// receives a complete pre-encoded protocol frame and must be safe for
// concurrent use.
type Conn interface {
	ID() ConnID
	WriteFrame(frame []byte) error
	Close() error
}

// endpoints is every connected transport endpoint, authenticated or not
type endpoints struct {
	mu    sync.RWMutex
	conns map[ConnID]Conn
}

func newEndpoints() *endpoints {
	return &endpoints{conns: make(map[ConnID]Conn)}
}

func (e *endpoints) add(c Conn) {
	e.mu.Lock()
	e.conns[c.ID()] = c
	e.mu.Unlock()
}

// remove returns false if id was not connected
func (e *endpoints) remove(id ConnID) (Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.conns[id]
	delete(e.conns, id)
	return c, ok
}

func (e *endpoints) get(id ConnID) (Conn, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, ok := e.conns[id]
	return c, ok
}

func (e *endpoints) all() []Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return lo.Values(e.conns)
}

func (e *endpoints) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.conns)
}

// Presence pushes the full online set to every connected endpoint.
// Announcements are serialized so that the last list a client receives is
// always the newest snapshot.
type Presence struct {
	mu        sync.Mutex
	registry  *Registry
	endpoints *endpoints
	recorder  Recorder
}

func newPresence(registry *Registry, eps *endpoints, recorder Recorder) *Presence {
	return &Presence{
		registry:  registry,
		endpoints: eps,
		recorder:  recorder,
	}
}

// Announce sends the current online list to every endpoint
func (p *Presence) Announce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame, online, err := p.snapshot()
	if err != nil {
		log.Printf("presence: encode failed: %v", err)
		return
	}

	targets := p.endpoints.all()
	for _, c := range targets {
		if err := c.WriteFrame(frame); err != nil {
			log.Printf("presence: send to %s failed: %v", c.ID(), err)
			c.Close()
		}
	}

	p.recorder.PresenceBroadcast(len(online), len(targets))
}

// welcome adds a new endpoint and sends it the current list. Doing both
// under the announcement lock means the endpoint sees every later
// announcement and no earlier one arrives after its snapshot.
func (p *Presence) welcome(c Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endpoints.add(c)

	frame, _, err := p.snapshot()
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// withdraw removes an endpoint from future announcements
func (p *Presence) withdraw(id ConnID) (Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.endpoints.remove(id)
}

func (p *Presence) snapshot() ([]byte, []string, error) {
	online := p.registry.Online()
	frame, err := protocol.EncodeMessage(protocol.TypePresenceList, &protocol.PresenceListMessage{Identities: online})
	return frame, online, err
}
