package relay

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Subscriptions tracks which connections receive each channel's messages.
// Both directions are indexed so that delivery and disconnect cleanup are
// each a single map lookup.
type Subscriptions struct {
	mu       sync.RWMutex
	channels map[string]map[ConnID]struct{} // channel -> subscribers
	byConn   map[ConnID]map[string]struct{} // conn -> channels
}

// NewSubscriptions creates an empty subscription index
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		channels: make(map[string]map[ConnID]struct{}),
		byConn:   make(map[ConnID]map[string]struct{}),
	}
}

// Subscribe adds conn to channel. Returns false if it was already subscribed.
func (s *Subscriptions) Subscribe(channel string, conn ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subscribers := s.channels[channel]
	if subscribers == nil {
		subscribers = make(map[ConnID]struct{})
		s.channels[channel] = subscribers
	}
	if _, ok := subscribers[conn]; ok {
		return false
	}
	subscribers[conn] = struct{}{}

	joined := s.byConn[conn]
	if joined == nil {
		joined = make(map[string]struct{})
		s.byConn[conn] = joined
	}
	joined[channel] = struct{}{}
	return true
}

// Unsubscribe removes conn from channel
func (s *Subscriptions) Unsubscribe(channel string, conn ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribeLocked(channel, conn)
}

func (s *Subscriptions) unsubscribeLocked(channel string, conn ConnID) {
	if subscribers := s.channels[channel]; subscribers != nil {
		delete(subscribers, conn)
		if len(subscribers) == 0 {
			delete(s.channels, channel)
		}
	}
	if joined := s.byConn[conn]; joined != nil {
		delete(joined, channel)
		if len(joined) == 0 {
			delete(s.byConn, conn)
		}
	}
}

// RemoveConn drops every subscription held by conn and returns the
// channels it left
func (s *Subscriptions) RemoveConn(conn ConnID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	left := lo.Keys(s.byConn[conn])
	for _, channel := range left {
		s.unsubscribeLocked(channel, conn)
	}
	return left
}

// Subscribers returns a snapshot of the connections subscribed to channel
func (s *Subscriptions) Subscribers(channel string) []ConnID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subscribers := s.channels[channel]
	if len(subscribers) == 0 {
		return nil
	}
	return lo.Keys(subscribers)
}

// IsSubscribed reports whether conn receives channel's messages
func (s *Subscriptions) IsSubscribed(channel string, conn ConnID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.channels[channel][conn]
	return ok
}

// ChannelsOf returns the sorted channels conn is subscribed to
func (s *Subscriptions) ChannelsOf(conn ConnID) []string {
	s.mu.RLock()
	channels := lo.Keys(s.byConn[conn])
	s.mu.RUnlock()

	sort.Strings(channels)
	return channels
}

// ChannelCount returns the number of channels with at least one subscriber
func (s *Subscriptions) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.channels)
}
