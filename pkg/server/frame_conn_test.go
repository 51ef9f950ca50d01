package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameConnConcurrentWritesStayFramed(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	fc := NewFrameConn(serverSide, time.Second)
	defer fc.Close()
	defer clientSide.Close()

	const writers, perWriter = 8, 20

	raw, err := protocol.EncodeMessage(protocol.TypePong, &protocol.PongMessage{ClientTimestamp: 7})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				if i%2 == 0 {
					assert.NoError(t, fc.WriteRaw(raw))
					continue
				}
				frame, err := protocol.NewFrame(protocol.TypeMessage, &protocol.PrivateMessage{From: "Jane Doe", Text: "hello"})
				if assert.NoError(t, err) {
					assert.NoError(t, fc.SendFrame(frame))
				}
			}
		}()
	}

	reader := NewFrameConn(clientSide, 0)
	for range writers * perWriter {
		frame, err := reader.ReadFrame()
		require.NoError(t, err)
		assert.Contains(t, []uint8{protocol.TypePong, protocol.TypeMessage}, frame.Type)
	}
	wg.Wait()

	assert.Positive(t, fc.BytesWritten())
}

func TestFrameConnCloseIsIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	fc := NewFrameConn(a, 0)
	require.NoError(t, fc.Close())
	assert.NoError(t, fc.Close())
	assert.Error(t, fc.WriteRaw([]byte{0}))
}
