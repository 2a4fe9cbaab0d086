package operator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/opsmesh/opsmesh/pkg/protocol"
	"github.com/opsmesh/opsmesh/server/internal/session"
)

func newTestConsole(t *testing.T, input string) (*Console, *session.Registry, *bytes.Buffer, *bool) {
	t.Helper()
	registry := session.NewRegistry()
	out := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stopped := false
	c := New(registry, logger, strings.NewReader(input), out, func() { stopped = true })
	return c, registry, out, &stopped
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

func TestConsoleSessionsAndDispatch(t *testing.T) {
	c, registry, out, stopped := newTestConsole(t, "sessions\nuse SESSION-1\nuptime\nexit\n")
	sess := addSession(t, registry, "SESSION-1", "web-01")

	c.Run(context.Background())

	if !*stopped {
		t.Fatal("exit did not trigger shutdown")
	}
	if !strings.Contains(out.String(), "web-01") {
		t.Fatalf("sessions listing missing client id, output: %q", out.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, ok := sess.NextCommand(ctx)
	if !ok || cmd != "uptime" {
		t.Fatalf("queued command = %q, %v, want %q", cmd, ok, "uptime")
	}
}

func TestConsoleUseByClientID(t *testing.T) {
	c, registry, out, _ := newTestConsole(t, "use web-01\nid\nexit\n")
	sess := addSession(t, registry, "SESSION-7", "web-01")

	c.Run(context.Background())

	if !strings.Contains(out.String(), "selected SESSION-7") {
		t.Fatalf("client id selection failed, output: %q", out.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if cmd, ok := sess.NextCommand(ctx); !ok || cmd != "id" {
		t.Fatalf("queued command = %q, %v", cmd, ok)
	}
}

func TestConsoleAmbiguousClientID(t *testing.T) {
	c, registry, out, _ := newTestConsole(t, "use web-01\nexit\n")
	addSession(t, registry, "SESSION-1", "web-01")
	addSession(t, registry, "SESSION-2", "web-01")

	c.Run(context.Background())

	if !strings.Contains(out.String(), "sessions match") {
		t.Fatalf("expected ambiguity warning, output: %q", out.String())
	}
	if c.currentID() != "" {
		t.Fatal("an ambiguous use call selected a session")
	}
}

func TestConsoleDispatchWithoutSelection(t *testing.T) {
	c, _, out, _ := newTestConsole(t, "whoami\nexit\n")

	c.Run(context.Background())

	if !strings.Contains(out.String(), "no session selected") {
		t.Fatalf("expected selection warning, output: %q", out.String())
	}
}

func TestConsoleDispatchToDisconnectedSession(t *testing.T) {
	c, registry, out, _ := newTestConsole(t, "use SESSION-1\nwhoami\nexit\n")
	sess := addSession(t, registry, "SESSION-1", "web-01")

	// Disconnect after selection is simulated by marking before Run; the
	// session is still in the registry until its handler cleans up.
	sess.MarkDisconnected()
	c.Run(context.Background())

	if !strings.Contains(out.String(), "disconnected") {
		t.Fatalf("expected disconnect warning, output: %q", out.String())
	}
	if c.currentID() != "" {
		t.Fatal("selection should clear when its session is disconnected")
	}
}

func TestConsoleEOFTriggersShutdown(t *testing.T) {
	c, _, _, stopped := newTestConsole(t, "")
	c.Run(context.Background())
	if !*stopped {
		t.Fatal("EOF did not trigger shutdown")
	}
}

func TestPublishResultRendering(t *testing.T) {
	c, registry, out, _ := newTestConsole(t, "")
	sess := addSession(t, registry, "SESSION-1", "web-01")

	c.PublishResult(sess.Summary(), protocol.NewResult("uname -a", "Linux web-01\n", "", 0))
	rendered := out.String()
	for _, want := range []string{"web-01", "uname -a", "Linux web-01", "[stderr] (empty)"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("rendered result missing %q: %q", want, rendered)
		}
	}

	out.Reset()
	c.PublishResult(sess.Summary(), protocol.NewResult("false", "", "boom\n", 1))
	if !strings.Contains(out.String(), "boom") {
		t.Fatalf("stderr not rendered: %q", out.String())
	}
}
