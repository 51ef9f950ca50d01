// Command bot is a PairChat bot that echoes whatever it is sent.
// It accepts every chat opened with it and can open chats on startup.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aeolun/pairchat/pkg/botlib"
	"github.com/samber/lo"
)

// splitList parses a comma separated flag value
func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
}

// respond decides the reply to text sent by from
func respond(ctx *botlib.Context, text string) string {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/help":
		return "Send me anything and I will repeat it. Try /online to see who is around."
	case "/online":
		others := ctx.Others()
		if len(others) == 0 {
			return "Nobody else is online."
		}
		return "Online: " + strings.Join(others, ", ")
	default:
		return fmt.Sprintf("%s said: %s", ctx.Author(), text)
	}
}

func main() {
	// Command-line flags
	server := flag.String("server", "localhost:5002", "Server address (host:port or ws://host:port/ws)")
	identity := flag.String("identity", "Echo Bot", "Bot identity")
	contacts := flag.String("contacts", "", "Comma-separated identities to open chats with on startup")
	greeting := flag.String("greeting", "Hi! I repeat everything you say. Send /help for commands.", "Message sent when someone opens a chat")
	flag.Parse()

	// Issued by the directory; needed when the server runs with require_token
	token := os.Getenv("PAIRCHAT_TOKEN")

	bot := botlib.New(botlib.Config{
		Server:   *server,
		Identity: *identity,
		Token:    token,
		Contacts: splitList(*contacts),
	})

	bot.OnChatOpened(func(b *botlib.Bot, from string) {
		if *greeting == "" {
			return
		}
		if err := b.Send(from, *greeting); err != nil {
			log.Printf("Failed to greet %s: %v", from, err)
		}
	})

	bot.OnMessage(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Logf("Message from %s: %s", msg.From, msg.Text)
		if err := ctx.Reply(respond(ctx, msg.Text)); err != nil {
			ctx.Logf("Failed to reply: %v", err)
		}
	})

	log.Printf("Starting bot...")
	log.Printf("  Server: %s", *server)
	log.Printf("  Identity: %s", *identity)

	if err := bot.Run(); err != nil {
		log.Fatalf("Bot error: %v", err)
	}
}
