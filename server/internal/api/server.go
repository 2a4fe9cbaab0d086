// Package api serves the operator HTTP surface: health probes, session
// listing, command dispatch, audit queries, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/opsmesh/opsmesh/server/internal/auth"
	"github.com/opsmesh/opsmesh/server/internal/metrics"
	"github.com/opsmesh/opsmesh/server/internal/session"
	"github.com/opsmesh/opsmesh/server/internal/store"
)

// Server is the HTTP API. It reads live state from the registry and
// history from the store; the only write path is enqueueing commands.
type Server struct {
	registry *session.Registry
	store    store.Store
	verifier *auth.Verifier
	logger   *slog.Logger
	mux      *chi.Mux
}

func NewServer(registry *session.Registry, st store.Store, verifier *auth.Verifier, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		store:    st,
		verifier: verifier,
		logger:   logger.With("component", "api"),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RealIP)
	mux.Use(chimw.Recoverer)

	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/readyz", s.handleReadyz)
	mux.Method(http.MethodGet, "/metrics", m.Handler())

	mux.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/api/sessions", s.handleListSessions)
		r.Get("/api/sessions/{sessionID}/commands", s.handleListCommands)
		r.Post("/api/sessions/{sessionID}/commands", s.handleEnqueueCommand)
		r.Get("/api/history", s.handleSessionHistory)
		r.Get("/api/audit", s.handleListAudit)
	})

	s.mux = mux
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requireToken checks the bearer token against the same verifier agents
// register with. With no token configured the API is open, which the
// server already warns about at startup.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier.Required() {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || s.verifier.Verify(token) != nil {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.Snapshot()})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	commands, err := s.store.ListCommands(r.Context(), sessionID, queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("list commands failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

type enqueueRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	sess, ok := s.registry.Lookup(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	if err := sess.Enqueue(req.Command); err != nil {
		writeError(w, http.StatusConflict, "session is disconnected")
		return
	}

	s.logger.Info("command queued via api", "session_id", sessionID, "command", req.Command)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "queued",
		"pending": sess.Pending(),
	})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("list session history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListAuditEvents(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.logger.Error("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
