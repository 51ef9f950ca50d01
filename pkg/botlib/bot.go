package botlib

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// MessageHandler handles one incoming chat line.
type MessageHandler func(ctx *Context, msg *Message)

// ChatHandler runs when another identity opens a chat with the bot.
type ChatHandler func(b *Bot, from string)

// Config describes how a bot signs in and what it does on startup.
type Config struct {
	// Server is host:port (TCP) or ws[s]://host:port
	Server string

	// Identity the bot asks for, e.g. "Echo Bot"
	Identity string

	// Token from the directory, for servers that require one
	Token string

	// Contacts are joined right after sign-in
	Contacts []string

	// IgnoreChatRequests leaves chats opened by others unjoined
	IgnoreChatRequests bool

	// Logger defaults to stdout with a "[bot] " prefix
	Logger *log.Logger

	// ResponseTimeout bounds every request/ack exchange; 10s when zero
	ResponseTimeout time.Duration

	// PingInterval is the keepalive period; 30s when zero
	PingInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Bot is a scripted participant. Handlers run one at a time on a single
// goroutine, so they may call Send without further locking.
type Bot struct {
	config Config
	conn   *connection
	logger *log.Logger

	mu       sync.RWMutex
	identity string
	online   []string
	joined   map[string]bool

	// One request/ack exchange at a time
	requestMu sync.Mutex

	onMessage    MessageHandler
	onMention    MessageHandler
	onChatOpened ChatHandler

	events chan func()

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(config Config) *Bot {
	config.applyDefaults()
	return &Bot{
		config: config,
		logger: config.Logger,
		joined: make(map[string]bool),
		events: make(chan func(), 64),
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// OnMessage sets the handler for lines that do not mention the bot, and
// for mentions too when no OnMention handler is set.
func (b *Bot) OnMessage(handler MessageHandler) { b.onMessage = handler }

// OnMention sets the handler for lines that address the bot by name.
func (b *Bot) OnMention(handler MessageHandler) { b.onMention = handler }

func (b *Bot) OnChatOpened(handler ChatHandler) { b.onChatOpened = handler }

// Ready is closed once the bot is signed in and its contacts are joined.
func (b *Bot) Ready() <-chan struct{} { return b.ready }

// Identity is the name the server confirmed, empty before sign-in.
func (b *Bot) Identity() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity
}

// Online is the last presence list seen, the bot included.
func (b *Bot) Online() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.online)
}

// Run is RunContext stopped by SIGINT or SIGTERM.
func (b *Bot) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return b.RunContext(ctx)
}

// RunContext signs in and serves handlers until ctx ends, Stop is called
// or the link drops. Only a dropped link is reported as an error.
func (b *Bot) RunContext(ctx context.Context) error {
	b.conn = newConnection(b.config.Server)
	b.logger.Printf("Connecting to %s", b.config.Server)
	if err := b.conn.connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	b.conn.onFrame = b.route

	linkLost := make(chan error, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		linkLost <- b.conn.receiveLoop()
	}()

	if err := b.signIn(); err != nil {
		b.abort()
		return err
	}

	b.wg.Add(2)
	go b.dispatchLoop()
	go b.keepalive()

	for _, contact := range b.config.Contacts {
		if err := b.join(contact); err != nil {
			b.logger.Printf("Could not open chat with %q: %v", contact, err)
		}
	}
	close(b.ready)
	b.logger.Printf("Running as %s", b.Identity())

	var err error
	select {
	case <-ctx.Done():
		b.logger.Printf("Context done: %v", context.Cause(ctx))
	case <-b.stopCh:
	case lost := <-linkLost:
		err = fmt.Errorf("connection lost: %w", lost)
		b.logger.Print(err)
	}

	b.leave()
	return err
}

// signIn reads the greeting and claims the configured identity
func (b *Bot) signIn() error {
	greeting, err := b.conn.waitForResponse(b.config.ResponseTimeout)
	if err != nil {
		return fmt.Errorf("waiting for server config: %w", err)
	}
	if err := expectType(greeting, protocol.TypeServerConfig); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	frame, err := b.request(protocol.TypeSetIdentity,
		&protocol.SetIdentityMessage{Identity: b.config.Identity, Token: b.config.Token},
		protocol.TypeIdentityOk)
	if err != nil {
		return fmt.Errorf("set identity %q: %w", b.config.Identity, err)
	}
	var ok protocol.IdentityOkMessage
	if err := frame.DecodeInto(&ok); err != nil {
		return err
	}

	b.mu.Lock()
	b.identity = ok.Identity
	b.mu.Unlock()
	return nil
}

// Stop makes Run return. It is safe to call more than once.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Bot) abort() {
	b.Stop()
	b.conn.close()
	b.wg.Wait()
}

// leave says goodbye before closing so the server can drop the identity
// without waiting for the read error
func (b *Bot) leave() {
	b.Stop()
	if b.conn.send(protocol.TypeDisconnect, &protocol.DisconnectMessage{}) == nil {
		select {
		case <-b.conn.done:
		case <-time.After(100 * time.Millisecond):
		}
	}
	b.conn.close()
	b.wg.Wait()
	b.logger.Printf("Disconnected")
}

// request sends msg and waits for its ack. Replies left over from earlier
// fire-and-forget sends are logged and discarded first.
func (b *Bot) request(msgType uint8, msg protocol.ProtocolMessage, ack uint8) (*protocol.Frame, error) {
	b.requestMu.Lock()
	defer b.requestMu.Unlock()

	for _, stale := range b.conn.drainStale() {
		if stale.Type == protocol.TypeError {
			b.logger.Printf("Earlier send rejected: %v", expectType(stale, protocol.TypeError))
		}
	}

	if err := b.conn.send(msgType, msg); err != nil {
		return nil, err
	}
	frame, err := b.conn.waitForResponse(b.config.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	return frame, expectType(frame, ack)
}

func (b *Bot) isJoined(counterpart string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.joined[counterpart]
}

func (b *Bot) join(counterpart string) error {
	frame, err := b.request(protocol.TypeJoinChannel, &protocol.JoinChannelMessage{Counterpart: counterpart}, protocol.TypeJoinOk)
	if err != nil {
		return err
	}
	var ok protocol.JoinOkMessage
	if err := frame.DecodeInto(&ok); err != nil {
		return err
	}

	b.mu.Lock()
	b.joined[counterpart] = true
	b.mu.Unlock()
	b.logger.Printf("Joined %s", ok.Channel)
	return nil
}

// Send writes text to the chat with to, joining it first when needed.
// Delivery is not acknowledged; a rejection shows up in the log on the
// next request.
func (b *Bot) Send(to, text string) error {
	if !b.isJoined(to) {
		if err := b.join(to); err != nil {
			return fmt.Errorf("open chat with %s: %w", to, err)
		}
	}
	return b.conn.send(protocol.TypeSendMessage, &protocol.SendMessageMessage{To: to, Text: text})
}

// dispatch queues fn for the handler goroutine
func (b *Bot) dispatch(fn func()) {
	select {
	case b.events <- fn:
	case <-b.stopCh:
	}
}

func (b *Bot) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case fn := <-b.events:
			fn()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) keepalive() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if b.conn.isClosed() {
				return
			}
			b.conn.send(protocol.TypePing, &protocol.PingMessage{Timestamp: now.UnixMilli()})
		case <-b.stopCh:
			return
		}
	}
}

// route handles frames that are not replies to a request. It runs on the
// read loop and must not block on a request itself.
func (b *Bot) route(frame *protocol.Frame) {
	var err error
	switch frame.Type {
	case protocol.TypeMessage:
		var msg protocol.PrivateMessage
		if err = frame.DecodeInto(&msg); err == nil {
			b.deliver(msg)
		}
	case protocol.TypePresenceList:
		var list protocol.PresenceListMessage
		if err = frame.DecodeInto(&list); err == nil {
			b.mu.Lock()
			b.online = list.Identities
			b.mu.Unlock()
		}
	case protocol.TypeChannelJoined:
		var notice protocol.ChannelJoinedMessage
		if err = frame.DecodeInto(&notice); err == nil && !b.config.IgnoreChatRequests {
			b.dispatch(func() { b.acceptChat(notice.From) })
		}
	case protocol.TypePong:
	default:
		b.logger.Printf("Ignoring %s", frame)
	}
	if err != nil {
		b.logger.Print(err)
	}
}

func (b *Bot) acceptChat(from string) {
	if !b.isJoined(from) {
		if err := b.join(from); err != nil {
			b.logger.Printf("Could not join chat with %s: %v", from, err)
			return
		}
	}
	if b.onChatOpened != nil {
		b.onChatOpened(b, from)
	}
}

func (b *Bot) deliver(in protocol.PrivateMessage) {
	identity := b.Identity()
	// The relay echoes our own lines back
	if in.From == identity {
		return
	}

	at, err := time.Parse(time.RFC3339Nano, in.Timestamp)
	if err != nil {
		at = time.Now()
	}
	msg := &Message{From: in.From, Text: in.Text, Timestamp: at, botIdentity: identity}
	ctx := &Context{bot: b, message: msg}

	handler := b.onMessage
	if msg.MentionsMe() && b.onMention != nil {
		handler = b.onMention
	}
	if handler != nil {
		b.dispatch(func() { handler(ctx, msg) })
	}
}
