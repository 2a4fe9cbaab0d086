package server

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/opsmesh/opsmesh/pkg/protocol"
	"github.com/opsmesh/opsmesh/server/internal/auth"
	"github.com/opsmesh/opsmesh/server/internal/config"
	"github.com/opsmesh/opsmesh/server/internal/metrics"
	"github.com/opsmesh/opsmesh/server/internal/session"
	"github.com/opsmesh/opsmesh/server/internal/store"
)

type captureSink struct {
	results chan *protocol.Result
}

func (c *captureSink) PublishResult(_ session.Summary, res *protocol.Result) {
	c.results <- res
}

type testServer struct {
	srv      *Server
	registry *session.Registry
	sink     *captureSink
	addr     string
	cancel   context.CancelFunc
	done     chan struct{}
}

func startTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RegistrationTimeout.Duration = 2 * time.Second
	cfg.Server.ShutdownGrace.Duration = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := session.NewRegistry()
	sink := &captureSink{results: make(chan *protocol.Result, 16)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(cfg, registry, st, auth.NewVerifier(cfg.Auth.Token, cfg.Auth.TokenHash), metrics.New(), sink, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	ts := &testServer{
		srv:      srv,
		registry: registry,
		sink:     sink,
		addr:     srv.Addr().String(),
		cancel:   cancel,
		done:     done,
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

func dialAgent(t *testing.T, addr string) (net.Conn, *protocol.Codec) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, protocol.NewCodec(conn)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterAndRoundTrip(t *testing.T) {
	ts := startTestServer(t, nil)
	_, codec := dialAgent(t, ts.addr)

	if err := codec.Send(protocol.NewRegistration("web-01", "")); err != nil {
		t.Fatalf("send registration: %v", err)
	}
	waitFor(t, "registration", func() bool { return ts.registry.Count() == 1 })

	snap := ts.registry.Snapshot()
	if snap[0].ClientID != "web-01" {
		t.Fatalf("registered client_id = %q", snap[0].ClientID)
	}
	sess, ok := ts.registry.Lookup(snap[0].ID)
	if !ok {
		t.Fatal("lookup failed")
	}
	if err := sess.Enqueue("uname -a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The agent side of the round trip.
	msg, err := codec.Receive()
	if err != nil {
		t.Fatalf("receive command: %v", err)
	}
	cmd, ok := msg.(*protocol.Command)
	if !ok || cmd.Command != "uname -a" {
		t.Fatalf("received %#v, want command %q", msg, "uname -a")
	}
	if err := codec.Send(protocol.NewResult(cmd.Command, "Linux\n", "", 0)); err != nil {
		t.Fatalf("send result: %v", err)
	}

	select {
	case res := <-ts.sink.results:
		if res.Command != "uname -a" || res.Stdout != "Linux\n" || res.ReturnCode != 0 {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("result never reached the sink")
	}
}

func TestRejectsBadToken(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Token = "right-token"
	})
	conn, codec := dialAgent(t, ts.addr)

	if err := codec.Send(protocol.NewRegistration("web-01", "wrong-token")); err != nil {
		t.Fatalf("send registration: %v", err)
	}

	// The server closes the connection without creating a session.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := codec.Receive(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if ts.registry.Count() != 0 {
		t.Fatalf("registry has %d sessions after a rejected token", ts.registry.Count())
	}
}

func TestAcceptsCorrectToken(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Token = "right-token"
	})
	_, codec := dialAgent(t, ts.addr)

	if err := codec.Send(protocol.NewRegistration("web-01", "right-token")); err != nil {
		t.Fatalf("send registration: %v", err)
	}
	waitFor(t, "registration", func() bool { return ts.registry.Count() == 1 })
}

func TestRejectsNonRegistrationFirstMessage(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, codec := dialAgent(t, ts.addr)

	if err := codec.Send(protocol.NewResult("ls", "", "", 0)); err != nil {
		t.Fatalf("send: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := codec.Receive(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if ts.registry.Count() != 0 {
		t.Fatal("a session was created from a non-registration message")
	}
}

func TestRejectsMalformedFrame(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, _ := dialAgent(t, ts.addr)

	// A frame declaring a payload the bytes don't deliver as JSON.
	payload := []byte("this is not json")
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := conn.Write(append(prefix[:], payload...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if ts.registry.Count() != 0 {
		t.Fatal("a session was created from garbage")
	}
}

func TestUnexpectedReplyTypeIsNotFatal(t *testing.T) {
	ts := startTestServer(t, nil)
	_, codec := dialAgent(t, ts.addr)

	if err := codec.Send(protocol.NewRegistration("web-01", "")); err != nil {
		t.Fatalf("send registration: %v", err)
	}
	waitFor(t, "registration", func() bool { return ts.registry.Count() == 1 })

	sess, _ := ts.registry.Lookup(ts.registry.Snapshot()[0].ID)
	if err := sess.Enqueue("id"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := codec.Receive(); err != nil {
		t.Fatalf("receive command: %v", err)
	}

	// Reply with a registration instead of a result. The server logs it and
	// keeps the session alive.
	if err := codec.Send(protocol.NewRegistration("web-01", "")); err != nil {
		t.Fatalf("send off-script message: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if ts.registry.Count() != 1 {
		t.Fatal("session was torn down by a well-formed but unexpected message")
	}

	// The loop moved on to the next queued command.
	if err := sess.Enqueue("hostname"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := codec.Receive()
	if err != nil {
		t.Fatalf("receive next command: %v", err)
	}
	if cmd, ok := msg.(*protocol.Command); !ok || cmd.Command != "hostname" {
		t.Fatalf("received %#v, want command %q", msg, "hostname")
	}
}

func TestAgentDisconnectCleansUp(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, codec := dialAgent(t, ts.addr)

	if err := codec.Send(protocol.NewRegistration("web-01", "")); err != nil {
		t.Fatalf("send registration: %v", err)
	}
	waitFor(t, "registration", func() bool { return ts.registry.Count() == 1 })

	conn.Close()
	waitFor(t, "cleanup", func() bool { return ts.registry.Count() == 0 })
}

func TestCapacityBackpressure(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxSessions = 1
	})

	first, codec1 := dialAgent(t, ts.addr)
	if err := codec1.Send(protocol.NewRegistration("agent-1", "")); err != nil {
		t.Fatalf("send registration: %v", err)
	}
	waitFor(t, "first registration", func() bool { return ts.registry.Count() == 1 })

	// The second connection sits in the backlog; its registration is not
	// read while the server is at capacity.
	_, codec2 := dialAgent(t, ts.addr)
	if err := codec2.Send(protocol.NewRegistration("agent-2", "")); err != nil {
		t.Fatalf("send second registration: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if ts.registry.Count() != 1 {
		t.Fatalf("registry has %d sessions while at capacity", ts.registry.Count())
	}

	// Freeing the slot lets the waiting connection through.
	first.Close()
	waitFor(t, "second registration", func() bool {
		snap := ts.registry.Snapshot()
		return len(snap) == 1 && snap[0].ClientID == "agent-2"
	})
}

func TestShutdownClosesAgents(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, codec := dialAgent(t, ts.addr)

	if err := codec.Send(protocol.NewRegistration("web-01", "")); err != nil {
		t.Fatalf("send registration: %v", err)
	}
	waitFor(t, "registration", func() bool { return ts.registry.Count() == 1 })

	ts.cancel()
	select {
	case <-ts.done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// The agent observes the closed connection.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := codec.Receive(); err == nil {
		t.Fatal("agent connection survived shutdown")
	}
}
