package relay

import (
	"io"
	"log"
)

// debugLog is silent unless the server runs with --debug
var debugLog = log.New(io.Discard, "[relay] ", log.LstdFlags)

// SetDebugOutput routes relay debug lines to w
func SetDebugOutput(w io.Writer) {
	debugLog.SetOutput(w)
}
