// Package server runs the agent-facing TCP listener and the per-connection
// session handlers.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/opsmesh/opsmesh/pkg/protocol"
	"github.com/opsmesh/opsmesh/pkg/transport"
	"github.com/opsmesh/opsmesh/server/internal/auth"
	"github.com/opsmesh/opsmesh/server/internal/config"
	"github.com/opsmesh/opsmesh/server/internal/metrics"
	"github.com/opsmesh/opsmesh/server/internal/session"
	"github.com/opsmesh/opsmesh/server/internal/store"
)

const (
	// acceptTimeout bounds each Accept call so the loop observes shutdown
	// promptly.
	acceptTimeout = 1 * time.Second
	// capacityWait is how long the accept loop pauses when at max sessions
	// before rechecking, leaving pending connections in the kernel backlog.
	capacityWait = 100 * time.Millisecond
)

// ResultSink receives completed command/result round trips. PublishResult
// is called from session handler goroutines and must be safe for
// concurrent use.
type ResultSink interface {
	PublishResult(sum session.Summary, res *protocol.Result)
}

// Server owns the listener, the session registry, and every connection
// handler goroutine.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	store    store.Store
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	sink     ResultSink
	logger   *slog.Logger
	tlsConf  *tls.Config

	ln *net.TCPListener
	wg sync.WaitGroup
}

func New(cfg *config.Config, registry *session.Registry, st store.Store, verifier *auth.Verifier, m *metrics.Metrics, sink ResultSink, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    st,
		verifier: verifier,
		metrics:  m,
		sink:     sink,
		logger:   logger.With("component", "server"),
	}
	if cfg.Server.TLSEnabled() {
		tlsConf, err := transport.ServerTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return nil, err
		}
		s.tlsConf = tlsConf
	}
	if s.sink == nil {
		s.sink = logSink{logger: s.logger}
	}
	return s, nil
}

// Listen binds the configured address. Separate from Serve so callers that
// bind port 0 can read Addr before agents connect.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr(), err)
	}
	s.ln = ln.(*net.TCPListener)

	s.logger.Info("listening for agents",
		"addr", ln.Addr().String(),
		"tls", s.tlsConf != nil,
		"max_sessions", s.cfg.Server.MaxSessions)
	if !s.verifier.Required() {
		s.logger.Warn("no registration token configured, any agent may register")
	}
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts agent connections until ctx is canceled, then closes every
// live session, waits briefly for handler cleanup, and releases the socket.
func (s *Server) Serve(ctx context.Context) error {
	s.startIdleReaper(ctx)
	s.startRetentionPurger(ctx)

	s.acceptLoop(ctx)

	// The accept loop has returned, so no new sessions appear. Closing the
	// connections unblocks every handler's in-flight receive.
	s.registry.CloseAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.Server.ShutdownGrace.Duration):
		s.logger.Warn("handlers did not finish within the shutdown grace period")
	}

	err := s.ln.Close()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if s.registry.Count() >= s.cfg.Server.MaxSessions {
			select {
			case <-ctx.Done():
				return
			case <-time.After(capacityWait):
			}
			continue
		}

		_ = s.ln.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// logSink is the fallback result sink when no operator console is attached.
type logSink struct {
	logger *slog.Logger
}

func (l logSink) PublishResult(sum session.Summary, res *protocol.Result) {
	l.logger.Info("result received",
		"session_id", sum.ID,
		"client_id", sum.ClientID,
		"command", res.Command,
		"return_code", res.ReturnCode)
}
