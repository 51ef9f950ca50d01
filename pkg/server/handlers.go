package server

import (
	"context"
	"errors"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/aeolun/pairchat/pkg/relay"
)

// ErrClientDisconnecting is returned by handleMessage when the client asked
// to close the connection
var ErrClientDisconnecting = errors.New("client disconnecting")

// handleMessage dispatches one decoded frame. A returned error (other than
// ErrClientDisconnecting) is reported to the client as an internal error.
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) error {
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(protocol.TypeName(frame.Type))
	}

	switch frame.Type {
	case protocol.TypeSetIdentity:
		return s.handleSetIdentity(sess, frame)
	case protocol.TypeJoinChannel:
		return s.handleJoinChannel(sess, frame)
	case protocol.TypeSendMessage:
		return s.handleSendMessage(sess, frame)
	case protocol.TypePing:
		return s.handlePing(sess, frame)
	case protocol.TypeDisconnect:
		return s.handleDisconnect(sess, frame)
	default:
		return s.sendError(sess, protocol.ErrCodeUnsupportedType, "Unsupported message type")
	}
}

// requestContext bounds directory lookups made on behalf of one frame
func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (s *Server) handleSetIdentity(sess *Session, frame *protocol.Frame) error {
	var msg protocol.SetIdentityMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	if s.config.RequireToken && msg.Token == "" {
		return s.sendError(sess, protocol.ErrCodeAuthRequired, "A login token is required")
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	identity, err := s.hub.SetIdentity(ctx, sess.ID(), msg.Identity, msg.Token)
	if err != nil {
		return s.sendRelayError(sess, err)
	}

	debugLog.Printf("Session %s: identity set to %q", sess.ID(), identity)
	return s.sendMessage(sess, protocol.TypeIdentityOk, &protocol.IdentityOkMessage{Identity: identity})
}

func (s *Server) handleJoinChannel(sess *Session, frame *protocol.Frame) error {
	var msg protocol.JoinChannelMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	channel, err := s.hub.Join(ctx, sess.ID(), msg.Counterpart)
	if err != nil {
		return s.sendRelayError(sess, err)
	}

	debugLog.Printf("Session %s: joined %s", sess.ID(), channel)
	return s.sendMessage(sess, protocol.TypeJoinOk, &protocol.JoinOkMessage{
		Channel:     channel,
		Counterpart: msg.Counterpart,
	})
}

func (s *Server) handleSendMessage(sess *Session, frame *protocol.Frame) error {
	var msg protocol.SendMessageMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	delivery, err := s.hub.Send(ctx, sess.ID(), msg.To, msg.Text)
	if err != nil {
		return s.sendRelayError(sess, err)
	}

	debugLog.Printf("Session %s: message on %s reached %d connection(s)", sess.ID(), delivery.Channel, delivery.Recipients)
	return nil
}

func (s *Server) handlePing(sess *Session, frame *protocol.Frame) error {
	var msg protocol.PingMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
	}
	return s.sendMessage(sess, protocol.TypePong, &protocol.PongMessage{ClientTimestamp: msg.Timestamp})
}

func (s *Server) handleDisconnect(sess *Session, frame *protocol.Frame) error {
	return ErrClientDisconnecting
}

// sendRelayError maps a hub error onto the wire error codes. Unknown errors
// are logged and hidden behind a generic internal error.
func (s *Server) sendRelayError(sess *Session, err error) error {
	switch {
	case errors.Is(err, relay.ErrUnauthenticated):
		return s.sendError(sess, protocol.ErrCodeAuthRequired, err.Error())
	case errors.Is(err, relay.ErrInvalidIdentity):
		return s.sendError(sess, protocol.ErrCodeInvalidIdentity, err.Error())
	case errors.Is(err, relay.ErrInvalidTarget):
		return s.sendError(sess, protocol.ErrCodeInvalidTarget, err.Error())
	default:
		errorLog.Printf("Session %s: %v", sess.ID(), err)
		return s.sendError(sess, protocol.ErrCodeInternalError, "Internal server error")
	}
}

// sendMessage encodes msg into a frame and writes it to one session
func (s *Server) sendMessage(sess *Session, msgType uint8, msg protocol.ProtocolMessage) error {
	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		return err
	}

	debugLog.Printf("Session %s → SEND: Type=0x%02X (%s) PayloadLen=%d", sess.ID(), msgType, protocol.TypeName(msgType), len(frame.Payload))
	if s.metrics != nil {
		s.metrics.RecordMessageSent(protocol.TypeName(msgType))
	}
	return sess.Conn.SendFrame(frame)
}

// sendError sends an ERROR message to a session
func (s *Server) sendError(sess *Session, code uint16, message string) error {
	return s.sendMessage(sess, protocol.TypeError, &protocol.ErrorMessage{
		ErrorCode: code,
		Message:   message,
	})
}

// sendServerConfig sends the SERVER_CONFIG message to a session
func (s *Server) sendServerConfig(sess *Session) error {
	return s.sendMessage(sess, protocol.TypeServerConfig, &protocol.ServerConfigMessage{
		ProtocolVersion:   protocol.ProtocolVersion,
		MaxMessageLength:  uint32(s.config.MaxMessageLength),
		MaxIdentityLength: uint16(s.config.MaxIdentityLength),
		RequireToken:      s.config.RequireToken,
	})
}
