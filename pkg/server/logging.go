package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/pairchat/pkg/relay"
)

const churnReportInterval = 30 * time.Second

// errorLog always reaches stderr; debugLog is silent until enabled
var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// serverDataDir is $XDG_DATA_HOME/pairchat or ~/.local/share/pairchat
func serverDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}

	dir := filepath.Join(base, "pairchat")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// initLoggers tees errors into errors.log, which is appended to across
// runs, and the standard logger into server.log, which starts fresh
func initLoggers() error {
	dir, err := serverDataDir()
	if err != nil {
		return err
	}

	errFile, err := os.OpenFile(filepath.Join(dir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(errFile, "--- pairchat-server start %s ---\n", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errFile), "ERROR: ", log.LstdFlags)

	mainFile, err := os.OpenFile(filepath.Join(dir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, mainFile))
	return nil
}

// EnableDebugLogging writes per-frame traces from the server and the hub
// to debug.log
func (s *Server) EnableDebugLogging() {
	dir, err := serverDataDir()
	if err != nil {
		log.Printf("Debug logging unavailable: %v", err)
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Printf("Debug logging unavailable: %v", err)
		return
	}

	debugLog = log.New(f, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	relay.SetDebugOutput(f)
	log.Printf("Debug log: %s", f.Name())
}

// reportChurn logs connects and disconnects every interval that had any
func (s *Server) reportChurn() {
	defer s.wg.Done()

	ticker := time.NewTicker(churnReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
		}

		joined, left := s.connectionsSinceReport.Swap(0), s.disconnectionsSinceReport.Swap(0)
		if joined == 0 && left == 0 {
			continue
		}
		st := s.hub.Stats()
		log.Printf("Churn +%d -%d, now %d connections, %d online, %d channels",
			joined, left, st.Connections, st.Online, st.Channels)
	}
}
