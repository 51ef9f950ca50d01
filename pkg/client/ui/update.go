package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ServerFrameMsg:
		cmd := m.handleServerFrame(msg.Frame)
		return m, tea.Batch(cmd, listenForServerFrames(m.conn))

	case ErrorMsg:
		m.logf("Connection error: %v", msg.Err)
		m.setError(msg.Err.Error())
		return m, listenForServerFrames(m.conn)

	case ConnectedMsg:
		m.connectionState = StateConnected
		m.reconnectAttempt = 0
		m.setStatus("Reconnected")
		m.restoreSession()
		return m, listenForServerFrames(m.conn)

	case DisconnectedMsg:
		m.connectionState = StateDisconnected
		m.pending = nil
		for _, conv := range m.conversations {
			conv.joined = false
		}
		if msg.Err != nil {
			m.setError(fmt.Sprintf("Disconnected: %v", msg.Err))
		}
		return m, listenForServerFrames(m.conn)

	case ReconnectingMsg:
		m.connectionState = StateReconnecting
		m.reconnectAttempt = msg.Attempt
		return m, listenForServerFrames(m.conn)

	case TickMsg:
		now := time.Time(msg)
		if m.connectionState == StateConnected && now.Unix()%int64(pingInterval/time.Second) == 0 {
			m.send(protocol.TypePing, &protocol.PingMessage{Timestamp: now.UnixMilli()})
		}
		return m, tickCmd()
	}

	if m.focus == FocusInput {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.conn.Disconnect()
		return m, tea.Quit
	case "tab":
		m.toggleFocus()
		return m, nil
	}

	if m.focus == FocusRoster {
		roster := m.Roster()
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(roster)-1 {
				m.cursor++
			}
		case "enter":
			if m.cursor < len(roster) {
				m.openConversation(roster[m.cursor])
			}
		case "q":
			m.conn.Disconnect()
			return m, tea.Quit
		}
		return m, nil
	}

	switch msg.String() {
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		return m, m.submit(text)
	case "esc":
		m.toggleFocus()
		return m, nil
	case "pgup":
		m.viewport.HalfViewUp()
		return m, nil
	case "pgdown":
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) toggleFocus() {
	if m.focus == FocusInput {
		m.focus = FocusRoster
		m.input.Blur()
		return
	}
	m.focus = FocusInput
	m.input.Focus()
}

// submit acts on a line typed by the user
func (m *Model) submit(text string) tea.Cmd {
	if text == "" {
		return nil
	}

	if m.identity == "" && !m.awaiting(requestIdentity) {
		m.declareIdentity(text)
		return nil
	}

	if strings.HasPrefix(text, "/") {
		return m.runCommand(text)
	}

	if m.active == "" {
		m.setError("Pick someone from the list first (Tab, arrows, Enter)")
		return nil
	}

	if cfg := m.conn.ServerConfig(); cfg != nil && cfg.MaxMessageLength > 0 && len(text) > int(cfg.MaxMessageLength) {
		m.setError(fmt.Sprintf("Message is %d bytes, the server allows %d", len(text), cfg.MaxMessageLength))
		return nil
	}

	if !m.conversation(m.active).joined {
		m.join(m.active)
	}
	if m.send(protocol.TypeSendMessage, &protocol.SendMessageMessage{To: m.active, Text: text}) {
		m.pending = append(m.pending, request{kind: requestSend, counterpart: m.active})
	}
	return nil
}

func (m *Model) runCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	arg := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch fields[0] {
	case "/quit", "/q":
		m.conn.Disconnect()
		return tea.Quit
	case "/chat", "/join":
		if arg == "" {
			m.setError("Usage: /chat <name>")
			return nil
		}
		m.openConversation(arg)
	case "/name":
		if arg == "" {
			m.setError("Usage: /name <identity>")
			return nil
		}
		m.declareIdentity(arg)
	case "/notify":
		m.notify = !m.notify
		m.setStatus(fmt.Sprintf("Notifications %s", onOff(m.notify)))
	case "/help":
		m.setStatus("/chat <name>  /name <identity>  /notify  /quit  |  Tab switches panes")
	default:
		m.setError(fmt.Sprintf("Unknown command %s", fields[0]))
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// send queues a frame and reports failures in the status bar
func (m *Model) send(msgType uint8, msg protocol.ProtocolMessage) bool {
	if err := m.conn.SendMessage(msgType, msg); err != nil {
		m.setError(fmt.Sprintf("Send failed: %v", err))
		return false
	}
	return true
}

func (m *Model) declareIdentity(identity string) {
	if m.send(protocol.TypeSetIdentity, &protocol.SetIdentityMessage{Identity: identity, Token: m.token}) {
		m.pending = append(m.pending, request{kind: requestIdentity, counterpart: identity})
		m.setStatus(fmt.Sprintf("Signing in as %s...", identity))
	}
}

func (m *Model) join(counterpart string) {
	if m.send(protocol.TypeJoinChannel, &protocol.JoinChannelMessage{Counterpart: counterpart}) {
		m.pending = append(m.pending, request{kind: requestJoin, counterpart: counterpart})
		m.conversation(counterpart).joined = true
	}
}

func (m *Model) openConversation(counterpart string) {
	if m.identity == "" {
		m.setError("Set your name first")
		return
	}
	if counterpart == m.identity {
		m.setError("You cannot chat with yourself")
		return
	}

	m.active = counterpart
	conv := m.conversation(counterpart)
	if !conv.joined {
		m.join(counterpart)
	}
	m.markRead(counterpart)

	if m.focus != FocusInput {
		m.toggleFocus()
	}
	m.input.Placeholder = fmt.Sprintf("Message %s", counterpart)
	m.refreshViewport()
}

func (m *Model) markRead(counterpart string) {
	m.conversation(counterpart).unread = 0
	if err := m.state.UpdateReadState(counterpart, time.Now().UnixMilli()); err != nil {
		m.logf("Failed to save read state: %v", err)
	}
}

// restoreSession re-declares the identity and rejoins open chats after a reconnect
func (m *Model) restoreSession() {
	m.pending = nil
	identity := m.identity
	if identity == "" {
		return
	}
	m.identity = ""
	m.declareIdentity(identity)
	for name := range m.conversations {
		m.join(name)
	}
}

func (m *Model) awaiting(kind requestKind) bool {
	for _, r := range m.pending {
		if r.kind == kind {
			return true
		}
	}
	return false
}

// settle pops the oldest outstanding request
func (m *Model) settle() (request, bool) {
	if len(m.pending) == 0 {
		return request{}, false
	}
	r := m.pending[0]
	m.pending = m.pending[1:]
	return r, true
}

// settleKind pops the oldest outstanding request of kind, which is the
// one an ack of that kind answers
func (m *Model) settleKind(kind requestKind) (request, bool) {
	for i, r := range m.pending {
		if r.kind == kind {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return r, true
		}
	}
	return request{}, false
}

func (m *Model) handleServerFrame(frame *protocol.Frame) tea.Cmd {
	switch frame.Type {
	case protocol.TypePresenceList:
		var msg protocol.PresenceListMessage
		if err := msg.Decode(frame.Payload); err != nil {
			m.logf("Bad presence list: %v", err)
			return nil
		}
		m.online = msg.Identities
		if roster := m.Roster(); m.cursor >= len(roster) {
			m.cursor = max(len(roster)-1, 0)
		}

	case protocol.TypeIdentityOk:
		var msg protocol.IdentityOkMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil
		}
		m.settleKind(requestIdentity)
		m.identity = msg.Identity
		m.input.Placeholder = "Pick someone to chat with (Tab)"
		m.setStatus(fmt.Sprintf("Signed in as %s", msg.Identity))
		if err := m.state.SetLastIdentity(msg.Identity); err != nil {
			m.logf("Failed to save identity: %v", err)
		}

	case protocol.TypeJoinOk:
		var msg protocol.JoinOkMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil
		}
		m.settleKind(requestJoin)
		m.conversation(msg.Counterpart).joined = true

	case protocol.TypeChannelJoined:
		var msg protocol.ChannelJoinedMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil
		}
		m.appendLine(msg.From, chatLine{Text: fmt.Sprintf("%s opened a chat with you", msg.From), At: time.Now(), System: true})
		if msg.From != m.active {
			return m.notifyCmd("PairChat", fmt.Sprintf("%s wants to chat", msg.From))
		}

	case protocol.TypeMessage:
		var msg protocol.PrivateMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil
		}
		return m.receive(msg)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil
		}
		m.handleError(msg)

	case protocol.TypePong:
		var msg protocol.PongMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil
		}
		m.latency = time.Since(time.UnixMilli(msg.ClientTimestamp))
	}
	return nil
}

func (m *Model) receive(msg protocol.PrivateMessage) tea.Cmd {
	at, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		at = time.Now()
	}

	line := chatLine{From: msg.From, Text: msg.Text, At: at}
	counterpart := msg.From
	if msg.From == m.identity {
		// Our own message echoed back by the channel
		line.Self = true
		r, ok := m.settleKind(requestSend)
		if !ok {
			counterpart = m.active
		} else {
			counterpart = r.counterpart
		}
	}
	if counterpart == "" {
		return nil
	}

	m.appendLine(counterpart, line)
	if line.Self || counterpart == m.active {
		return nil
	}

	return m.notifyCmd(fmt.Sprintf("PairChat - %s", msg.From), truncate(msg.Text, 100))
}

func (m *Model) appendLine(counterpart string, line chatLine) {
	conv := m.conversation(counterpart)
	conv.lines = append(conv.lines, line)

	if counterpart == m.active {
		m.markRead(counterpart)
		m.refreshViewport()
		return
	}
	if !line.Self {
		conv.unread++
	}
}

func (m *Model) handleError(msg protocol.ErrorMessage) {
	m.logf("Server error %d: %s", msg.ErrorCode, msg.Message)

	switch msg.ErrorCode {
	case protocol.ErrCodeIdentityReplaced:
		m.identity = ""
		m.pending = nil
		m.setError("Signed in somewhere else; this session was closed")
		return
	case protocol.ErrCodeInvalidFormat, protocol.ErrCodeUnsupportedType, protocol.ErrCodeInternalError:
		m.setError(fmt.Sprintf("Server error: %s", msg.Message))
		return
	}

	// Validation errors answer the oldest outstanding request
	r, ok := m.settle()
	if ok {
		switch r.kind {
		case requestIdentity:
			m.input.Placeholder = "Who are you? Type your name and press Enter"
		case requestJoin:
			m.conversation(r.counterpart).joined = false
		}
	}
	m.setError(msg.Message)
}

func (m *Model) notifyCmd(title, body string) tea.Cmd {
	if !m.notify {
		return nil
	}
	logf := m.logf
	return func() tea.Msg {
		if err := beeep.Notify(title, body, ""); err != nil {
			logf("Failed to send desktop notification: %v", err)
		}
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
