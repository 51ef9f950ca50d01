package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/aeolun/pairchat/pkg/client"
	"github.com/aeolun/pairchat/pkg/protocol"
)

const (
	setupTimeout = 5 * time.Second
	echoTimeout  = 10 * time.Second
)

var vocabulary = strings.Fields(`the relay keeps a private line open between two people who
agreed to talk and nobody else sees what they say so the load test fills that line
with short sentences about lunch plans deploy windows broken builds and weekend trips`)

// chatter returns 5 to 20 words, cut to maxLen bytes when maxLen is set
func chatter(rng *rand.Rand, maxLen int) string {
	words := make([]string, 5+rng.Intn(16))
	for i := range words {
		words[i] = vocabulary[rng.Intn(len(vocabulary))]
	}
	text := strings.Join(words, " ")
	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen]
	}
	return text
}

var errNoEcho = errors.New("no echo")

// pairClient is one half of a simulated conversation. Clients 2n and
// 2n+1 talk to each other.
type pairClient struct {
	id       int
	identity string
	partner  string
	conn     *client.LoadTestConnection
	stats    *Stats
	rng      *rand.Rand
	maxLen   int
}

func pairIdentity(runID string, id int) string {
	return fmt.Sprintf("load-%s-%d", runID, id)
}

func newPairClient(id int, runID, server string, stats *Stats) (*pairClient, error) {
	conn, err := client.NewLoadTestConnection(server)
	if err != nil {
		return nil, err
	}
	return &pairClient{
		id:       id,
		identity: pairIdentity(runID, id),
		partner:  pairIdentity(runID, id^1),
		conn:     conn,
		stats:    stats,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}, nil
}

// setup dials, claims the identity and joins the pair's channel. Each
// step that fails bumps its own counter.
func (pc *pairClient) setup() error {
	if err := pc.conn.Connect(); err != nil {
		pc.stats.connectDialFailed.Add(1)
		return err
	}

	frame, err := pc.conn.ReceiveType(protocol.TypeServerConfig, setupTimeout)
	if err != nil {
		pc.stats.connectServerConfigTimeout.Add(1)
		return fmt.Errorf("greeting: %w", err)
	}
	var greeting protocol.ServerConfigMessage
	if frame.DecodeInto(&greeting) == nil {
		pc.maxLen = int(greeting.MaxMessageLength)
	}

	if err := pc.exchange(protocol.TypeSetIdentity, &protocol.SetIdentityMessage{Identity: pc.identity}, protocol.TypeIdentityOk); err != nil {
		pc.stats.connectIdentityRejected.Add(1)
		return fmt.Errorf("identity: %w", err)
	}
	// Both halves join, so pairs work with bilateral_join off too
	if err := pc.exchange(protocol.TypeJoinChannel, &protocol.JoinChannelMessage{Counterpart: pc.partner}, protocol.TypeJoinOk); err != nil {
		pc.stats.connectJoinFailed.Add(1)
		return fmt.Errorf("join: %w", err)
	}
	return nil
}

func (pc *pairClient) exchange(msgType uint8, msg protocol.ProtocolMessage, ack uint8) error {
	if err := pc.conn.SendMessage(msgType, msg); err != nil {
		return err
	}
	_, err := pc.conn.ReceiveType(ack, setupTimeout)
	return err
}

// say sends one line to the partner and times the relay's echo back to
// us. Lines from the partner that arrive meanwhile are counted.
func (pc *pairClient) say() error {
	text := chatter(pc.rng, pc.maxLen)
	start := time.Now()
	if err := pc.conn.SendMessage(protocol.TypeSendMessage, &protocol.SendMessageMessage{To: pc.partner, Text: text}); err != nil {
		pc.stats.recordSendFailure(err)
		return err
	}
	pc.stats.messagesSent.Add(1)

	deadline := start.Add(echoTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			pc.stats.recordTimeout()
			return errNoEcho
		}

		frame, err := pc.conn.ReceiveMessage(remaining)
		if err != nil {
			if isDisconnect(err) {
				pc.stats.recordSendFailure(err)
			} else {
				pc.stats.recordTimeout()
			}
			return err
		}

		switch frame.Type {
		case protocol.TypeMessage:
			var msg protocol.PrivateMessage
			if frame.DecodeInto(&msg) != nil {
				continue
			}
			switch msg.From {
			case pc.partner:
				pc.stats.messagesReceived.Add(1)
			case pc.identity:
				pc.stats.recordEcho(time.Since(start).Microseconds())
				return nil
			}
		case protocol.TypeError:
			var e protocol.ErrorMessage
			frame.DecodeInto(&e)
			pc.stats.recordServerError()
			return fmt.Errorf("server error %d: %s", e.ErrorCode, e.Message)
		}
	}
}

// run chats with random pauses until duration is up, then lingers for
// linger so pairs leave in the order they arrived
func (pc *pairClient) run(parent context.Context, duration, minDelay, maxDelay, linger time.Duration) {
	defer pc.leave()

	ctx, cancel := context.WithTimeout(parent, duration)
	defer cancel()

	for ctx.Err() == nil {
		if err := pc.say(); err != nil {
			debugLogger.Printf("client %d: %v", pc.id, err)
			if isDisconnect(err) {
				return
			}
		}

		pause := minDelay
		if maxDelay > minDelay {
			pause += time.Duration(pc.rng.Int63n(int64(maxDelay - minDelay)))
		}
		if !sleep(ctx, pause) {
			break
		}
	}

	sleep(parent, linger)
}

func (pc *pairClient) leave() {
	if pc.conn.SendMessage(protocol.TypeDisconnect, &protocol.DisconnectMessage{}) == nil {
		time.Sleep(100 * time.Millisecond)
	}
	pc.conn.Close()
	pc.stats.bytesSent.Add(pc.conn.BytesSent())
	pc.stats.bytesReceived.Add(pc.conn.BytesReceived())
}

// sleep waits for d and reports false when ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
