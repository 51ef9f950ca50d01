package botlib

import (
	"fmt"

	"github.com/samber/lo"
)

// Context is handed to message handlers. It scopes the bot's API to the
// message being handled.
type Context struct {
	bot     *Bot
	message *Message
}

func (c *Context) Message() *Message { return c.message }
func (c *Context) Author() string    { return c.message.From }
func (c *Context) Bot() *Bot         { return c.bot }

// Reply answers the author in the chat the message arrived on
func (c *Context) Reply(text string) error {
	return c.bot.Send(c.message.From, text)
}

func (c *Context) Replyf(format string, args ...any) error {
	return c.Reply(fmt.Sprintf(format, args...))
}

// Send writes to any identity, opening the chat first if needed
func (c *Context) Send(to, text string) error {
	return c.bot.Send(to, text)
}

// Others is the online list without the bot itself
func (c *Context) Others() []string {
	return lo.Without(c.bot.Online(), c.bot.Identity())
}

func (c *Context) Logf(format string, args ...any) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

func (c *Context) String() string {
	return fmt.Sprintf("%s@%s", c.message.From, c.message.Timestamp.Format("15:04:05"))
}
