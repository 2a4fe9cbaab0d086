// Package operator implements the interactive console: listing sessions,
// selecting one, and dispatching shell commands to it.
package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/opsmesh/opsmesh/pkg/protocol"
	"github.com/opsmesh/opsmesh/server/internal/session"
)

// Console reads operator input line by line and routes results arriving
// from session handlers back to the terminal.
type Console struct {
	registry *session.Registry
	logger   *slog.Logger
	in       io.Reader
	shutdown func()

	// mu guards current and interleaved writes to out, since results are
	// published from handler goroutines while the prompt is active.
	mu      sync.Mutex
	out     io.Writer
	current string

	banner string
}

func New(registry *session.Registry, logger *slog.Logger, in io.Reader, out io.Writer, shutdown func()) *Console {
	return &Console{
		registry: registry,
		logger:   logger.With("component", "operator"),
		in:       in,
		out:      out,
		shutdown: shutdown,
	}
}

// SetBanner sets the startup banner printed when Run begins.
func (c *Console) SetBanner(addr string, tlsEnabled bool) {
	c.banner = renderBanner(addr, tlsEnabled)
}

// PublishResult renders a completed round trip. Called from session
// handler goroutines; the console is the default ResultSink.
func (c *Console) PublishResult(sum session.Summary, res *protocol.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, renderResult(sum, res))
}

// Run reads operator input until EOF or an exit command, then triggers
// shutdown. It is meant to run on its own goroutine beside the server.
func (c *Console) Run(ctx context.Context) {
	if c.banner != "" {
		c.print(c.banner)
	}

	scanner := bufio.NewScanner(c.in)
	for {
		c.print(c.prompt())
		if !scanner.Scan() {
			c.print("\n")
			c.shutdown()
			return
		}
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch head := strings.ToLower(strings.Fields(line)[0]); head {
		case "exit", "quit":
			c.print(dimStyle.Render("shutting down") + "\n")
			c.shutdown()
			return
		case "help":
			c.print(renderHelp())
		case "sessions":
			c.print(renderSessions(c.registry.Snapshot(), c.currentID()))
		case "use":
			c.use(strings.TrimSpace(line[len("use"):]))
		default:
			c.dispatch(line)
		}
	}
}

func (c *Console) prompt() string {
	if id := c.currentID(); id != "" {
		return currentStyle.Render(id) + " > "
	}
	return "> "
}

func (c *Console) currentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Console) setCurrent(id string) {
	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
}

func (c *Console) print(s string) {
	c.mu.Lock()
	fmt.Fprint(c.out, s)
	c.mu.Unlock()
}

// use selects a session by session ID, falling back to client ID when the
// client ID maps to exactly one live session.
func (c *Console) use(target string) {
	if target == "" {
		c.print(warnStyle.Render("usage: use <session-id | client-id>") + "\n")
		return
	}
	if _, ok := c.registry.Lookup(target); ok {
		c.setCurrent(target)
		c.print(dimStyle.Render("selected "+target) + "\n")
		return
	}
	matches := c.registry.FindByClientID(target)
	switch len(matches) {
	case 0:
		c.print(warnStyle.Render(fmt.Sprintf("no session %q", target)) + "\n")
	case 1:
		c.setCurrent(matches[0].ID)
		c.print(dimStyle.Render("selected "+matches[0].ID) + "\n")
	default:
		c.print(warnStyle.Render(fmt.Sprintf("%d sessions match client %q, use the session id:", len(matches), target)) + "\n")
		for _, m := range matches {
			c.print("  " + m.ID + "\n")
		}
	}
}

// dispatch queues a shell command on the selected session.
func (c *Console) dispatch(command string) {
	id := c.currentID()
	if id == "" {
		c.print(warnStyle.Render("no session selected, run 'sessions' then 'use <id>'") + "\n")
		return
	}
	sess, ok := c.registry.Lookup(id)
	if !ok {
		c.print(warnStyle.Render("session " + id + " is gone") + "\n")
		c.setCurrent("")
		return
	}
	if err := sess.Enqueue(command); err != nil {
		c.print(warnStyle.Render("session "+id+" is disconnected") + "\n")
		c.setCurrent("")
		return
	}
	c.logger.Info("command queued", "session_id", id, "command", command)
}
