package server

import (
	"io"
	"log"
	"os"
	"testing"

	"github.com/aeolun/pairchat/pkg/relay"
)

// Loggers are package globals read by session goroutines, so they are
// silenced once here rather than per test.
func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	relay.SetDebugOutput(io.Discard)
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}
