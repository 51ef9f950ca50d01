package botlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMentionsMe(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"@Echo Bot hello", true},
		{"hey @echo bot", true},
		{"Echo Bot: what time is it", true},
		{"echo bot, are you there", true},
		{"nothing to see", false},
		{"Echo Botanist", false},
	}

	for _, tt := range tests {
		msg := &Message{Text: tt.text, botIdentity: "Echo Bot"}
		assert.Equal(t, tt.want, msg.MentionsMe(), tt.text)
	}

	assert.False(t, (&Message{Text: "@anyone"}).MentionsMe())
}

func TestMentionedContent(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"@Echo Bot hello", "hello"},
		{"Echo Bot: what time is it", "what time is it"},
		{"echo bot, status", "status"},
		{"plain text", "plain text"},
	}

	for _, tt := range tests {
		msg := &Message{Text: tt.text, botIdentity: "Echo Bot"}
		assert.Equal(t, tt.want, msg.MentionedContent(), tt.text)
	}
}
