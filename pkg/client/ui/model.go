package ui

import (
	"log"
	"sort"
	"time"

	"github.com/aeolun/pairchat/pkg/client"
	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"
)

// ConnectionState represents the connection status
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateReconnecting
)

// Focus is the pane receiving key presses
type Focus int

const (
	FocusRoster Focus = iota
	FocusInput
)

const (
	rosterWidth  = 26
	pingInterval = 15 * time.Second
)

type chatLine struct {
	From   string
	Text   string
	At     time.Time
	Self   bool
	System bool
}

type conversation struct {
	lines  []chatLine
	joined bool
	unread int
}

type requestKind int

const (
	requestIdentity requestKind = iota
	requestJoin
	requestSend
)

// request is a frame that the server answers in order: with its ack
// (IDENTITY_OK, JOIN_OK, our own echoed MESSAGE) or with an ERROR.
type request struct {
	kind        requestKind
	counterpart string
}

// Options configures a Model
type Options struct {
	Identity      string
	Token         string
	Notifications bool
	Logger        *log.Logger
}

// Model represents the application state
type Model struct {
	conn   client.ConnectionInterface
	state  client.StateInterface
	logger *log.Logger

	connectionState  ConnectionState
	reconnectAttempt int
	latency          time.Duration

	identity string // confirmed by the server
	token    string
	pending  []request

	online        []string
	cursor        int
	active        string
	conversations map[string]*conversation

	input    textinput.Model
	viewport viewport.Model
	focus    Focus
	width    int
	height   int

	status    string
	statusErr bool
	notify    bool
}

// NewModel builds the UI around an already connected conn. A known
// identity is declared immediately; otherwise the user is asked for one.
func NewModel(conn client.ConnectionInterface, state client.StateInterface, opts Options) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 0
	ti.Focus()

	m := Model{
		conn:          conn,
		state:         state,
		logger:        opts.Logger,
		token:         opts.Token,
		conversations: make(map[string]*conversation),
		input:         ti,
		viewport:      viewport.New(40, 10),
		focus:         FocusInput,
		notify:        opts.Notifications,
	}

	if m.token == "" {
		m.token = state.GetToken()
	}

	identity := opts.Identity
	if identity == "" {
		identity = state.GetLastIdentity()
	}
	if identity != "" {
		m.declareIdentity(identity)
	} else {
		m.input.Placeholder = "Who are you? Type your name and press Enter"
	}

	return m
}

func (m *Model) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Message types for bubbletea

// ServerFrameMsg wraps an incoming server frame
type ServerFrameMsg struct {
	Frame *protocol.Frame
}

// ErrorMsg represents an error
type ErrorMsg struct {
	Err error
}

// ConnectedMsg is sent when successfully connected or reconnected
type ConnectedMsg struct{}

// DisconnectedMsg is sent when connection is lost
type DisconnectedMsg struct {
	Err error
}

// ReconnectingMsg is sent when attempting to reconnect
type ReconnectingMsg struct {
	Attempt int
}

// TickMsg is sent periodically
type TickMsg time.Time

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		listenForServerFrames(m.conn),
		tickCmd(),
		textinput.Blink,
	)
}

// listenForServerFrames listens for incoming server frames and connection state changes
func listenForServerFrames(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		select {
		case frame, ok := <-conn.Incoming():
			if !ok {
				return nil
			}
			return ServerFrameMsg{Frame: frame}
		case err, ok := <-conn.Errors():
			if !ok {
				return nil
			}
			return ErrorMsg{Err: err}
		case stateUpdate, ok := <-conn.StateChanges():
			if !ok {
				return nil
			}
			switch stateUpdate.State {
			case client.StateTypeConnected:
				return ConnectedMsg{}
			case client.StateTypeDisconnected:
				return DisconnectedMsg{Err: stateUpdate.Err}
			case client.StateTypeReconnecting:
				return ReconnectingMsg{Attempt: stateUpdate.Attempt}
			}
		}
		return nil
	}
}

// tickCmd returns a command that sends a tick message every second
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Identity returns the identity confirmed by the server
func (m Model) Identity() string {
	return m.identity
}

// Active returns the counterpart of the open conversation
func (m Model) Active() string {
	return m.active
}

// Roster lists everyone the user can talk to: online identities other
// than ourselves, followed by offline people we have a conversation with.
func (m Model) Roster() []string {
	others := lo.Filter(m.online, func(id string, _ int) bool { return id != m.identity })

	var offline []string
	for name := range m.conversations {
		if name != m.identity && !lo.Contains(m.online, name) {
			offline = append(offline, name)
		}
	}
	sort.Strings(offline)

	return append(others, offline...)
}

// Unread returns the number of unseen messages from counterpart
func (m Model) Unread(counterpart string) int {
	if conv, ok := m.conversations[counterpart]; ok {
		return conv.unread
	}
	return 0
}

func (m *Model) conversation(counterpart string) *conversation {
	conv, ok := m.conversations[counterpart]
	if !ok {
		conv = &conversation{}
		m.conversations[counterpart] = conv
	}
	return conv
}

func (m *Model) isOnline(identity string) bool {
	return lo.Contains(m.online, identity)
}

func (m *Model) setStatus(text string) {
	m.status = text
	m.statusErr = false
}

func (m *Model) setError(text string) {
	m.status = text
	m.statusErr = true
}
