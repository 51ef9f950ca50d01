// Command loadtest drives a PairChat server with pairs of simulated
// clients that chat with each other.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// debugLogger receives per-client failures; loadtest_debug.log once set up
var debugLogger = log.New(io.Discard, "", 0)

func setupLogs() error {
	out, err := os.Create("loadtest.log")
	if err != nil {
		return err
	}
	debug, err := os.Create("loadtest_debug.log")
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, out))
	debugLogger = log.New(debug, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

type options struct {
	server     string
	clients    int
	duration   time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
	statsEvery time.Duration
}

// stagger spreads client arrivals over the first quarter of the run
func (o options) stagger() time.Duration {
	return max(o.duration/4/time.Duration(o.clients), time.Millisecond)
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "localhost:5002", "Server address (host:port or ws://host:port/ws)")
	flag.IntVar(&opts.clients, "clients", 10, "Concurrent clients, rounded up to an even number")
	flag.DurationVar(&opts.duration, "duration", time.Minute, "How long each client chats")
	flag.DurationVar(&opts.minDelay, "min-delay", 100*time.Millisecond, "Shortest pause between messages")
	flag.DurationVar(&opts.maxDelay, "max-delay", time.Second, "Longest pause between messages")
	flag.DurationVar(&opts.statsEvery, "stats-interval", 5*time.Second, "How often to log running totals")
	flag.Parse()

	opts.clients = max(opts.clients+opts.clients%2, 2)

	if err := setupLogs(); err != nil {
		fmt.Fprintf(os.Stderr, "log files: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A fresh prefix keeps identities from a crashed earlier run out of the way
	runID := uuid.NewString()[:8]
	log.Printf("Run %s: %d clients (%d pairs) against %s for %v, one every %v, pauses %v-%v",
		runID, opts.clients, opts.clients/2, opts.server, opts.duration, opts.stagger(), opts.minDelay, opts.maxDelay)

	stats := &Stats{}
	reporting, stopReporting := context.WithCancel(ctx)
	go report(reporting, stats, opts.statsEvery)

	run(ctx, runID, opts, stats)
	stopReporting()

	if ctx.Err() != nil {
		log.Printf("Interrupted, results are partial")
	}
	log.Printf("=== Final Results ===")
	renderSummary(os.Stdout, stats, opts.clients, opts.duration)
}

// run starts the clients one stagger apart and waits for all of them.
// Later arrivals linger less, so the ramp-down mirrors the ramp-up.
func run(ctx context.Context, runID string, opts options, stats *Stats) {
	var wg sync.WaitGroup
	stagger := opts.stagger()

	for id := 0; id < opts.clients && ctx.Err() == nil; id++ {
		linger := stagger * time.Duration(opts.clients-id-1)

		wg.Add(1)
		go func() {
			defer wg.Done()

			pc, err := newPairClient(id, runID, opts.server, stats)
			if err != nil {
				stats.recordConnectionError()
				log.Printf("client %d: %v", id, err)
				return
			}
			if err := pc.setup(); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("client %d: setup: %v", id, err)
				pc.conn.Close()
				return
			}
			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("client %d online as %s", id, pc.identity)
			}

			pc.run(ctx, opts.duration, opts.minDelay, opts.maxDelay, linger)
		}()

		sleep(ctx, stagger)
	}
	wg.Wait()
}

func report(ctx context.Context, stats *Stats, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	began := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sent, failed, connErrors, avgUs := stats.snapshot()
		rate := float64(sent) / time.Since(began).Seconds()
		log.Printf("%d sent (%.1f/s) %d received %d failed %d conn errors | echo avg %.2fms | load %.2f | %d goroutines",
			sent, rate, stats.messagesReceived.Load(), failed, connErrors, avgUs/1000, getCPULoad(), runtime.NumGoroutine())
	}
}
