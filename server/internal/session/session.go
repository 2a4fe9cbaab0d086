// Package session holds the live state of connected agents: the per-agent
// Session, its pending command queue, and the Registry shared between the
// accept loop, the connection handlers, and the operator surfaces.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Session is one registered agent connection. The owning handler goroutine
// is the only sender and receiver on the connection; everything else talks
// to the session through the queue and the accessors here.
type Session struct {
	ID           string
	ClientID     string
	RemoteAddr   string
	RegisteredAt time.Time

	conn  net.Conn
	queue *commandQueue

	mu           sync.Mutex
	lastActivity time.Time
	connected    bool
}

func New(id, clientID string, conn net.Conn) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		ClientID:     clientID,
		RemoteAddr:   conn.RemoteAddr().String(),
		RegisteredAt: now,
		conn:         conn,
		queue:        newCommandQueue(),
		lastActivity: now,
		connected:    true,
	}
}

// Enqueue adds a command to the session's pending queue. It fails once the
// session has disconnected so operators find out immediately instead of
// queueing into the void.
func (s *Session) Enqueue(command string) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("session %s is disconnected", s.ID)
	}
	s.queue.push(command)
	return nil
}

// NextCommand blocks until a command is queued, ctx is canceled, or the
// session is closed. The second return is false when no command will come.
func (s *Session) NextCommand(ctx context.Context) (string, bool) {
	return s.queue.pop(ctx)
}

// Pending returns the number of queued commands not yet sent.
func (s *Session) Pending() int {
	return s.queue.len()
}

// TouchActivity records a completed command/result round trip.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// MarkDisconnected flips the liveness flag and wakes any blocked queue
// consumer. Safe to call more than once.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.queue.close()
}

// CloseConn closes the underlying transport, unblocking the handler's
// in-flight receive.
func (s *Session) CloseConn() error {
	return s.conn.Close()
}

// Summary is a point-in-time copy of display-safe session fields.
type Summary struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	RemoteAddr   string    `json:"remote_addr"`
	Connected    bool      `json:"connected"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActivity time.Time `json:"last_activity"`
	Pending      int       `json:"pending"`
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	connected := s.connected
	last := s.lastActivity
	s.mu.Unlock()
	return Summary{
		ID:           s.ID,
		ClientID:     s.ClientID,
		RemoteAddr:   s.RemoteAddr,
		Connected:    connected,
		RegisteredAt: s.RegisteredAt,
		LastActivity: last,
		Pending:      s.queue.len(),
	}
}
