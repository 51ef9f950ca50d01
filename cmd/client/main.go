// Command client is the PairChat terminal client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aeolun/pairchat/pkg/client"
	"github.com/aeolun/pairchat/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
)

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pairchat-client.db"
	}
	return filepath.Join(home, ".pairchat", "client.db")
}

// readPassword takes the password from the environment, or asks for it
func readPassword(prompt string) (string, error) {
	if password := os.Getenv("PAIRCHAT_PASSWORD"); password != "" {
		return password, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func main() {
	server := flag.String("server", "localhost:5002", "Server address: host:port, ws://host:port/ws or ssh://user@host:port")
	identity := flag.String("identity", "", "Identity to use (defaults to the last one used)")
	login := flag.String("login", "", "Log in to the directory with this contact identifier and use its identity")
	apiURL := flag.String("api", "http://localhost:5001", "Directory API base URL for --login")
	statePath := flag.String("state", defaultStatePath(), "Path to the client state database")
	noNotify := flag.Bool("no-notify", false, "Disable desktop notifications")
	debug := flag.Bool("debug", false, "Write a debug log next to the state database")
	flag.Parse()

	state, err := client.OpenState(*statePath)
	if err != nil {
		log.Fatalf("Failed to open state: %v", err)
	}
	defer state.Close()

	logger := log.New(io.Discard, "", 0)
	if *debug {
		logFile, err := os.OpenFile(filepath.Join(state.GetStateDir(), "client-debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			log.Fatalf("Failed to open debug log: %v", err)
		}
		defer logFile.Close()
		logger = log.New(logFile, "", log.LstdFlags|log.Lmicroseconds)
	}

	token := ""
	if *login != "" {
		password, err := readPassword(fmt.Sprintf("Password for %s: ", *login))
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		result, err := client.Login(ctx, *apiURL, *login, password)
		cancel()
		if err != nil {
			log.Fatalf("Login failed: %v", err)
		}
		token = result.Token
		*identity = result.User.Identity()
		if err := state.SetToken(token); err != nil {
			logger.Printf("Failed to save token: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Logged in as %s\n", *identity)
	}

	conn, err := client.NewConnection(*server)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	conn.SetLogger(logger)

	if conn.GetConnectionType() == "ssh" {
		password, err := readPassword("SSH password: ")
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
		conn.SetSSHPassword(password)
	}

	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", conn.GetAddress(), err)
	}
	defer conn.Close()

	if err := state.SaveSuccessfulConnection(conn.GetRawAddress(), conn.GetConnectionType()); err != nil {
		logger.Printf("Failed to record connection: %v", err)
	}
	if state.GetFirstRun() {
		fmt.Fprintln(os.Stderr, "Welcome to PairChat! Pick a name, then open a chat with /chat <name>.")
		state.SetFirstRunComplete()
	}

	model := ui.NewModel(conn, state, ui.Options{
		Identity:      *identity,
		Token:         token,
		Notifications: !*noNotify,
		Logger:        logger,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running client: %v", err)
	}
}
