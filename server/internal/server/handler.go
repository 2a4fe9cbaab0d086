package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/opsmesh/opsmesh/pkg/protocol"
	"github.com/opsmesh/opsmesh/server/internal/auth"
	"github.com/opsmesh/opsmesh/server/internal/session"
	"github.com/opsmesh/opsmesh/server/internal/store"
)

// newSessionID returns a server-generated identifier, timestamp plus a
// short random suffix. Never derived from anything the peer sent.
func newSessionID() string {
	return fmt.Sprintf("SESSION-%s-%s", time.Now().Format("20060102150405"), uuid.NewString()[:4])
}

// handleConn owns one agent connection from accept to cleanup. The
// connection holds no server-side state until registration succeeds.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sessionID := newSessionID()
	logger := s.logger.With("session_id", sessionID, "remote", conn.RemoteAddr().String())

	// TLS handshake up front and bounded, so a stalled or failing handshake
	// never creates a session and never affects other connections.
	if s.tlsConf != nil {
		tlsConn := tls.Server(conn, s.tlsConf)
		hctx, cancel := context.WithTimeout(ctx, s.cfg.Server.RegistrationTimeout.Duration)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			logger.Warn("tls handshake failed", "error", err)
			_ = conn.Close()
			return
		}
		conn = tlsConn
	}

	codec := protocol.NewCodecSize(conn, s.cfg.Protocol.MaxMessageBytes)

	sess, err := s.register(ctx, codec, conn, sessionID)
	if err != nil {
		if !protocol.IsDisconnect(err) {
			logger.Warn("registration failed", "error", err)
		}
		_ = conn.Close()
		return
	}

	logger = logger.With("client_id", sess.ClientID)
	logger.Info("agent registered")
	s.metrics.SessionsTotal.Inc()
	s.metrics.ActiveSessions.Inc()

	// Cleanup runs exactly once no matter how the command loop exits.
	defer func() {
		sess.MarkDisconnected()
		s.registry.Remove(sess.ID)
		_ = conn.Close()
		s.metrics.ActiveSessions.Dec()

		// Cleanup persistence uses a fresh context: ctx is already canceled
		// when the whole server is shutting down.
		if err := s.store.CloseSession(context.Background(), sess.ID, time.Now()); err != nil {
			logger.Warn("failed to persist session close", "error", err)
		}
		s.audit(store.ActionSessionClosed, sess.ID, sess.ClientID, "")
		logger.Info("session closed")
	}()

	s.commandLoop(ctx, codec, sess, logger)
}

// register reads and validates the first frame. Anything other than a
// well-formed, authorized registration ends the connection with no state
// left behind.
func (s *Server) register(ctx context.Context, codec *protocol.Codec, conn net.Conn, sessionID string) (*session.Session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Server.RegistrationTimeout.Duration))
	msg, err := codec.Receive()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, protocol.ErrMessageTooLarge) || errors.Is(err, protocol.ErrUnknownType) {
			s.metrics.ProtocolErrors.Inc()
		}
		return nil, fmt.Errorf("receive registration: %w", err)
	}

	reg, ok := msg.(*protocol.Registration)
	if !ok {
		return nil, fmt.Errorf("expected registration, got %q", msg.Kind())
	}
	if reg.ClientID == "" {
		return nil, errors.New("registration missing client_id")
	}
	if err := s.verifier.Verify(reg.AuthToken); err != nil {
		if errors.Is(err, auth.ErrTokenMismatch) {
			s.metrics.AuthRejections.Inc()
			s.audit(store.ActionAuthRejected, sessionID, reg.ClientID, "")
		}
		return nil, err
	}

	sess := session.New(sessionID, reg.ClientID, conn)
	if err := s.registry.Insert(sess); err != nil {
		return nil, err
	}

	if err := s.store.RecordSession(ctx, &store.SessionRecord{
		ID:           sess.ID,
		ClientID:     sess.ClientID,
		RemoteAddr:   sess.RemoteAddr,
		RegisteredAt: sess.RegisteredAt,
	}); err != nil {
		s.logger.Warn("failed to persist session", "session_id", sess.ID, "error", err)
	}
	s.audit(store.ActionSessionRegistered, sess.ID, sess.ClientID, "")
	return sess, nil
}

// commandLoop drives the strict send-one-await-one cycle. One command is in
// flight per session at a time; the queue holds the rest.
func (s *Server) commandLoop(ctx context.Context, codec *protocol.Codec, sess *session.Session, logger *slog.Logger) {
	for {
		command, ok := sess.NextCommand(ctx)
		if !ok {
			return
		}

		if err := codec.Send(protocol.NewCommand(command)); err != nil {
			if !protocol.IsDisconnect(err) {
				logger.Error("send command failed", "error", err)
			}
			return
		}
		s.metrics.CommandsSent.Inc()
		s.audit(store.ActionCommandSent, sess.ID, sess.ClientID, fmt.Sprintf(`{"command":%q}`, command))
		logger.Info("command sent", "command", command)

		msg, err := codec.Receive()
		if err != nil {
			if !protocol.IsDisconnect(err) {
				logger.Error("receive result failed", "error", err)
				if errors.Is(err, protocol.ErrMessageTooLarge) || errors.Is(err, protocol.ErrUnknownType) {
					s.metrics.ProtocolErrors.Inc()
				}
			}
			return
		}

		result, ok := msg.(*protocol.Result)
		if !ok {
			// Well-formed but unexpected traffic is logged, not fatal.
			logger.Warn("unexpected message type", "type", msg.Kind())
			continue
		}

		sess.TouchActivity()
		status := "ok"
		if result.ReturnCode != 0 {
			status = "failed"
		}
		s.metrics.ResultsReceived.WithLabelValues(status).Inc()
		logger.Info("result received", "command", result.Command, "return_code", result.ReturnCode)

		if err := s.store.AppendCommand(ctx, &store.CommandRecord{
			ID:         uuid.NewString(),
			SessionID:  sess.ID,
			Command:    result.Command,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			ReturnCode: result.ReturnCode,
			CreatedAt:  time.Now(),
		}); err != nil {
			logger.Warn("failed to persist command result", "error", err)
		}
		s.audit(store.ActionResultReceived, sess.ID, sess.ClientID, fmt.Sprintf(`{"return_code":%d}`, result.ReturnCode))

		s.sink.PublishResult(sess.Summary(), result)
	}
}

func (s *Server) audit(action, sessionID, clientID, detail string) {
	ev := &store.AuditEvent{
		ID:        uuid.NewString(),
		Action:    action,
		SessionID: sessionID,
		ClientID:  clientID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := s.store.LogAuditEvent(context.Background(), ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
