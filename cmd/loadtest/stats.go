package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesEchoed    atomic.Int64
	messagesReceived  atomic.Int64 // from the partner
	messagesFailed    atomic.Int64
	totalEchoTime     atomic.Int64 // in microseconds
	maxEchoTime       atomic.Int64
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Failure breakdown
	sendFailures   atomic.Int64
	serverErrors   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Connect phase failure breakdown
	connectDialFailed          atomic.Int64
	connectServerConfigTimeout atomic.Int64
	connectIdentityRejected    atomic.Int64
	connectJoinFailed          atomic.Int64

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func (s *Stats) recordEcho(echoUs int64) {
	s.messagesEchoed.Add(1)
	s.totalEchoTime.Add(echoUs)
	for {
		current := s.maxEchoTime.Load()
		if echoUs <= current || s.maxEchoTime.CompareAndSwap(current, echoUs) {
			return
		}
	}
}

func (s *Stats) recordSendFailure(err error) {
	s.messagesFailed.Add(1)
	if isDisconnect(err) {
		s.disconnections.Add(1)
		return
	}
	s.sendFailures.Add(1)
}

func (s *Stats) recordServerError() {
	s.messagesFailed.Add(1)
	s.serverErrors.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) snapshot() (sent, failed, connErrors int64, avgEchoUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if echoed := s.messagesEchoed.Load(); echoed > 0 {
		avgEchoUs = float64(s.totalEchoTime.Load()) / float64(echoed)
	}
	return
}

// isDisconnect reports whether err means the server went away
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection closed")
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

func percent(part, whole int64) string {
	if whole == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(part)/float64(whole)*100)
}

// renderSummary writes the final results as a table
func renderSummary(w io.Writer, s *Stats, attempted int, duration time.Duration) {
	sent, failed, connErrors, avgUs := s.snapshot()
	successful := s.successfulClients.Load()
	echoed := s.messagesEchoed.Load()
	received := s.messagesReceived.Load()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value", "Detail"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	table.Append([]string{"Clients", humanize.Comma(successful), fmt.Sprintf("%d attempted, %s connected", attempted, percent(successful, int64(attempted)))})
	table.Append([]string{"Duration", duration.String(), ""})
	table.Append([]string{"Messages sent", humanize.Comma(sent), fmt.Sprintf("%.1f/s", float64(sent)/duration.Seconds())})
	table.Append([]string{"Echoes", humanize.Comma(echoed), percent(echoed, sent) + " of sent"})
	table.Append([]string{"Partner deliveries", humanize.Comma(received), percent(received, sent) + " of sent"})
	table.Append([]string{"Echo latency", fmt.Sprintf("%.2fms avg", avgUs/1000.0), fmt.Sprintf("%.2fms max", float64(s.maxEchoTime.Load())/1000.0)})
	table.Append([]string{"Messages failed", humanize.Comma(failed), fmt.Sprintf("send %d, server error %d, timeout %d, disconnect %d",
		s.sendFailures.Load(), s.serverErrors.Load(), s.timeouts.Load(), s.disconnections.Load())})
	table.Append([]string{"Connection errors", humanize.Comma(connErrors), fmt.Sprintf("dial %d, server config %d, identity %d, join %d",
		s.connectDialFailed.Load(), s.connectServerConfigTimeout.Load(), s.connectIdentityRejected.Load(), s.connectJoinFailed.Load())})
	table.Append([]string{"Traffic", humanize.Bytes(s.bytesSent.Load()) + " out", humanize.Bytes(s.bytesReceived.Load()) + " in"})

	table.Render()
}
