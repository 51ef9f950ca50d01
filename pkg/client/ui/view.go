package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"
)

// View renders the current UI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := m.renderHeader()
	footer := m.renderFooter()

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderRoster(),
		m.renderChat(),
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("PairChat")

	who := mutedStyle.Render("not signed in")
	if m.identity != "" {
		who = selfStyle.Render(m.identity)
	}

	var conn string
	switch m.connectionState {
	case StateConnected:
		conn = successStyle.Render("● " + m.conn.GetAddress())
		if m.latency > 0 {
			conn += mutedStyle.Render(fmt.Sprintf(" %dms", m.latency.Milliseconds()))
		}
	case StateReconnecting:
		conn = warningStyle.Render(fmt.Sprintf("◌ reconnecting (attempt %d)", m.reconnectAttempt))
	default:
		conn = errorStyle.Render("○ disconnected")
	}

	return fmt.Sprintf("%s  %s  %s", title, who, conn)
}

func (m Model) renderRoster() string {
	style := paneStyle
	if m.focus == FocusRoster {
		style = focusedPaneStyle
	}

	roster := m.Roster()
	var b strings.Builder
	b.WriteString(mutedStyle.Render(fmt.Sprintf("Online (%d)", len(lo.Without(m.online, m.identity)))))
	b.WriteString("\n")

	if len(roster) == 0 {
		b.WriteString(mutedStyle.Render("nobody else yet"))
	}
	for i, name := range roster {
		label := truncate(name, rosterWidth-6)
		if !m.isOnline(name) {
			label = mutedStyle.Render(label + " (offline)")
		}
		if name == m.active {
			label = "* " + label
		} else {
			label = "  " + label
		}
		if i == m.cursor && m.focus == FocusRoster {
			label = selectedStyle.Render(label)
		}
		if n := m.Unread(name); n > 0 {
			label += unreadStyle.Render(fmt.Sprintf(" (%d)", n))
		}
		b.WriteString(label)
		b.WriteString("\n")
	}

	return style.
		Width(rosterWidth).
		Height(m.bodyHeight()).
		Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) renderChat() string {
	style := paneStyle
	if m.focus == FocusInput {
		style = focusedPaneStyle
	}

	content := m.viewport.View()
	if m.active == "" {
		content = mutedStyle.Render("Select someone on the left to start a private chat.")
	}

	return style.
		Width(m.chatWidth()).
		Height(m.bodyHeight()).
		Render(content)
}

func (m Model) renderFooter() string {
	status := mutedStyle.Render("Tab: switch pane  Enter: open/send  /help  Ctrl+C: quit")
	if m.status != "" {
		if m.statusErr {
			status = errorStyle.Render(m.status)
		} else {
			status = successStyle.Render(m.status)
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.input.View(), status)
}

// renderLines formats a conversation for the viewport
func renderLines(lines []chatLine, width int) string {
	var b strings.Builder
	for _, line := range lines {
		stamp := mutedStyle.Render(line.At.Local().Format("15:04"))
		if line.System {
			fmt.Fprintf(&b, "%s %s\n", stamp, mutedStyle.Italic(true).Render(line.Text))
			continue
		}
		name := peerStyle.Render(line.From)
		if line.Self {
			name = selfStyle.Render(line.From)
		}
		text := lipgloss.NewStyle().Width(max(width-8, 10)).Render(line.Text)
		fmt.Fprintf(&b, "%s %s: %s\n", stamp, name, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) refreshViewport() {
	if m.active == "" {
		m.viewport.SetContent("")
		return
	}
	m.viewport.SetContent(renderLines(m.conversation(m.active).lines, m.viewport.Width))
	m.viewport.GotoBottom()
}

func (m Model) bodyHeight() int {
	// Header, input, status and pane borders
	return max(m.height-6, 3)
}

func (m Model) chatWidth() int {
	return max(m.width-rosterWidth-6, 20)
}

func (m *Model) resize() {
	m.viewport.Width = m.chatWidth()
	m.viewport.Height = m.bodyHeight()
	m.input.Width = max(m.width-4, 10)
	m.refreshViewport()
}
