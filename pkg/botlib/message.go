// Package botlib provides a simple library for building PairChat bots.
package botlib

import (
	"strings"
	"time"
)

// Message represents a private message received by the bot.
type Message struct {
	From      string
	Text      string
	Timestamp time.Time

	// Internal: the bot's identity for mention detection
	botIdentity string
}

// MentionsMe returns true if the message text addresses the bot by name.
// Checks for @identity patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botIdentity == "" {
		return false
	}

	text := strings.ToLower(m.Text)
	identity := strings.ToLower(m.botIdentity)

	if strings.Contains(text, "@"+identity) {
		return true
	}

	// Also check for identity at start of message (common pattern)
	return strings.HasPrefix(text, identity+":") ||
		strings.HasPrefix(text, identity+",") ||
		strings.HasPrefix(text, identity+" ")
}

// MentionedContent returns the message text with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botIdentity == "" {
		return m.Text
	}

	text := m.Text
	identity := m.botIdentity

	// Remove @identity mentions
	text = strings.ReplaceAll(text, "@"+identity, "")
	text = strings.ReplaceAll(text, "@"+strings.ToLower(identity), "")

	// Remove identity: or identity, prefix
	lower := strings.ToLower(strings.TrimSpace(text))
	lowerID := strings.ToLower(identity)
	if strings.HasPrefix(lower, lowerID+":") || strings.HasPrefix(lower, lowerID+",") || strings.HasPrefix(lower, lowerID+" ") {
		text = strings.TrimSpace(text)[len(identity)+1:]
	}

	return strings.TrimSpace(text)
}
