package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// TimestampFormat is ISO-8601 with millisecond precision, as produced by
// JavaScript's Date.toISOString for UTC times.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Delivery describes what happened to a routed message
type Delivery struct {
	Channel    string
	Message    protocol.PrivateMessage
	Recipients int
}

// Router validates and delivers two-party traffic
type Router struct {
	registry  *Registry
	subs      *Subscriptions
	endpoints *endpoints
	opts      Options
}

func newRouter(registry *Registry, subs *Subscriptions, eps *endpoints, opts Options) *Router {
	return &Router{
		registry:  registry,
		subs:      subs,
		endpoints: eps,
		opts:      opts,
	}
}

// Join subscribes conn to the channel it shares with counterpart. With
// bilateral joins the counterpart's current connection is subscribed as
// well; either way an online counterpart is told who joined.
func (r *Router) Join(ctx context.Context, conn ConnID, counterpart string) (string, error) {
	self, ok := r.registry.Resolve(conn)
	if !ok {
		return "", fmt.Errorf("%w: set an identity before joining a chat", ErrUnauthenticated)
	}
	if err := r.checkTarget(ctx, self, counterpart); err != nil {
		return "", err
	}

	channel := DeriveChannel(self, counterpart)
	r.subscribeLive(channel, conn)

	if peer, online := r.registry.Lookup(counterpart); online {
		if r.opts.BilateralJoin {
			r.subscribeLive(channel, peer)
		}
		r.notifyJoined(peer, self)
	}

	return channel, nil
}

// subscribeLive subscribes conn unless it has already left. Disconnect
// withdraws the endpoint before clearing subscriptions, so checking after
// subscribing means either this check or that cleanup drops the entry.
func (r *Router) subscribeLive(channel string, conn ConnID) bool {
	r.subs.Subscribe(channel, conn)
	if _, ok := r.endpoints.get(conn); !ok {
		r.subs.Unsubscribe(channel, conn)
		return false
	}
	return true
}

// Send stamps a message from conn's identity and delivers it to every
// current subscriber of the shared channel. Delivery is fire-and-forget:
// nobody subscribed means nobody receives it.
func (r *Router) Send(ctx context.Context, conn ConnID, to, text string) (Delivery, error) {
	self, ok := r.registry.Resolve(conn)
	if !ok {
		return Delivery{}, fmt.Errorf("%w: set an identity before sending", ErrUnauthenticated)
	}
	if text == "" {
		return Delivery{}, fmt.Errorf("%w: message text is empty", ErrInvalidTarget)
	}
	if r.opts.MaxMessageLength > 0 && len(text) > r.opts.MaxMessageLength {
		return Delivery{}, fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidTarget, r.opts.MaxMessageLength)
	}
	if err := r.checkTarget(ctx, self, to); err != nil {
		return Delivery{}, err
	}

	channel := DeriveChannel(self, to)
	msg := protocol.PrivateMessage{
		From:      self,
		Text:      text,
		Timestamp: r.opts.Now().UTC().Format(TimestampFormat),
	}

	frame, err := protocol.EncodeMessage(protocol.TypeMessage, &msg)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode message: %w", err)
	}

	delivered := 0
	for _, id := range r.subs.Subscribers(channel) {
		c, ok := r.endpoints.get(id)
		if !ok {
			continue
		}
		if err := c.WriteFrame(frame); err != nil {
			log.Printf("router: deliver on %s to %s failed: %v", channel, id, err)
			c.Close()
			continue
		}
		delivered++
	}

	return Delivery{Channel: channel, Message: msg, Recipients: delivered}, nil
}

func (r *Router) checkTarget(ctx context.Context, self, counterpart string) error {
	if counterpart == "" {
		return fmt.Errorf("%w: recipient is empty", ErrInvalidTarget)
	}
	if counterpart == self {
		return fmt.Errorf("%w: cannot open a chat with yourself", ErrInvalidTarget)
	}
	if r.opts.EnforceContacts && r.opts.Contacts != nil {
		ok, err := r.opts.Contacts.IsContact(ctx, self, counterpart)
		if err != nil {
			return fmt.Errorf("contact lookup: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s is not in your contacts", ErrInvalidTarget, counterpart)
		}
	}
	return nil
}

func (r *Router) notifyJoined(peer ConnID, from string) {
	c, ok := r.endpoints.get(peer)
	if !ok {
		return
	}
	frame, err := protocol.EncodeMessage(protocol.TypeChannelJoined, &protocol.ChannelJoinedMessage{From: from})
	if err != nil {
		log.Printf("router: encode channel-joined failed: %v", err)
		return
	}
	// Best effort only
	if err := c.WriteFrame(frame); err != nil {
		log.Printf("router: channel-joined to %s failed: %v", peer, err)
	}
}
