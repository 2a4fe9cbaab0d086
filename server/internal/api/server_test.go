package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opsmesh/opsmesh/server/internal/auth"
	"github.com/opsmesh/opsmesh/server/internal/metrics"
	"github.com/opsmesh/opsmesh/server/internal/session"
	"github.com/opsmesh/opsmesh/server/internal/store"
)

func newTestAPI(t *testing.T, token string) (*Server, *session.Registry, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := session.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(registry, st, auth.NewVerifier(token, ""), metrics.New(), logger)
	return srv, registry, st
}

func addSession(t *testing.T, registry *session.Registry, id, clientID string) *session.Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	sess := session.New(id, clientID, server)
	if err := registry.Insert(sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return sess
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestAPI(t, "")

	if rec := doRequest(t, srv, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d", rec.Code)
	}
	if rec := doRequest(t, srv, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("/readyz status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestAPI(t, "")
	rec := doRequest(t, srv, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "opsmesh_active_sessions") {
		t.Fatal("metrics output missing opsmesh collectors")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestAPI(t, "api-token")

	if rec := doRequest(t, srv, http.MethodGet, "/api/sessions", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}
	if rec := doRequest(t, srv, http.MethodGet, "/api/sessions", "wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}
	if rec := doRequest(t, srv, http.MethodGet, "/api/sessions", "api-token", ""); rec.Code != http.StatusOK {
		t.Fatalf("correct token status = %d, want 200", rec.Code)
	}
	// Health stays open.
	if rec := doRequest(t, srv, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("/healthz behind auth, status = %d", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	srv, registry, _ := newTestAPI(t, "")
	addSession(t, registry, "SESSION-1", "web-01")

	rec := doRequest(t, srv, http.MethodGet, "/api/sessions", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Sessions []session.Summary `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].ClientID != "web-01" {
		t.Fatalf("unexpected sessions: %+v", resp.Sessions)
	}
}

func TestEnqueueCommand(t *testing.T) {
	srv, registry, _ := newTestAPI(t, "")
	sess := addSession(t, registry, "SESSION-1", "web-01")

	rec := doRequest(t, srv, http.MethodPost, "/api/sessions/SESSION-1/commands", "", `{"command":"uptime"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if sess.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", sess.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, ok := sess.NextCommand(ctx)
	if !ok || cmd != "uptime" {
		t.Fatalf("queued command = %q, %v", cmd, ok)
	}
}

func TestEnqueueRejections(t *testing.T) {
	srv, registry, _ := newTestAPI(t, "")
	sess := addSession(t, registry, "SESSION-1", "web-01")

	if rec := doRequest(t, srv, http.MethodPost, "/api/sessions/SESSION-9/commands", "", `{"command":"id"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", rec.Code)
	}
	if rec := doRequest(t, srv, http.MethodPost, "/api/sessions/SESSION-1/commands", "", `{"command":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank command status = %d, want 400", rec.Code)
	}

	sess.MarkDisconnected()
	if rec := doRequest(t, srv, http.MethodPost, "/api/sessions/SESSION-1/commands", "", `{"command":"id"}`); rec.Code != http.StatusConflict {
		t.Fatalf("disconnected session status = %d, want 409", rec.Code)
	}
}

func TestAuditAndHistory(t *testing.T) {
	srv, _, st := newTestAPI(t, "")
	ctx := context.Background()

	if err := st.RecordSession(ctx, &store.SessionRecord{
		ID: "SESSION-1", ClientID: "web-01", RegisteredAt: time.Now(),
	}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := st.LogAuditEvent(ctx, &store.AuditEvent{
		ID: "ev-1", Action: store.ActionSessionRegistered, SessionID: "SESSION-1", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("log audit event: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/history", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "SESSION-1") {
		t.Fatalf("/api/history = %d, %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/audit", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), store.ActionSessionRegistered) {
		t.Fatalf("/api/audit = %d, %s", rec.Code, rec.Body.String())
	}
}
