// Package agent implements the client side of the protocol: connect,
// register, then execute commands and return results until the connection
// ends.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/opsmesh/opsmesh/agent/internal/config"
	"github.com/opsmesh/opsmesh/agent/internal/executor"
	"github.com/opsmesh/opsmesh/pkg/protocol"
	"github.com/opsmesh/opsmesh/pkg/transport"
)

// Agent is one connection lifecycle: a single register-execute-report loop
// against one server.
type Agent struct {
	cfg    *config.Config
	exec   *executor.Executor
	logger *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		exec:   executor.New(cfg.Exec.Timeout.Duration),
		logger: logger.With("component", "agent"),
	}
}

// clientID returns the configured identity, or hostname plus a random
// suffix so several agents on one host stay distinguishable.
func (a *Agent) clientID() string {
	if a.cfg.ClientID != "" {
		return a.cfg.ClientID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "agent"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:4])
}

func (a *Agent) tlsConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	return transport.ClientTLS(a.cfg.TLS.CAFile, a.cfg.TLS.ServerName, a.cfg.TLS.Insecure)
}

// Run connects, registers, and serves commands until the server closes the
// connection or ctx is canceled. A server-side close is a normal end, not
// an error.
func (a *Agent) Run(ctx context.Context) error {
	tlsConf, err := a.tlsConfig()
	if err != nil {
		return err
	}

	addr := a.cfg.Server.Addr()
	conn, err := transport.Dial(ctx, addr, transport.DialConfig{
		Retries:    a.cfg.Connect.Retries,
		RetryDelay: a.cfg.Connect.RetryDelay.Duration,
		Timeout:    a.cfg.Connect.Timeout.Duration,
		TLS:        tlsConf,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	// Cancellation closes the connection, which unblocks the receive below.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	codec := protocol.NewCodecSize(conn, a.cfg.Protocol.MaxMessageBytes)

	clientID := a.clientID()
	if err := codec.Send(protocol.NewRegistration(clientID, a.cfg.Auth.Token)); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}
	a.logger.Info("registered with server", "server", addr, "client_id", clientID)

	for {
		msg, err := codec.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if protocol.IsDisconnect(err) {
				a.logger.Info("server closed the connection")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		cmd, ok := msg.(*protocol.Command)
		if !ok {
			a.logger.Warn("unexpected message type", "type", msg.Kind())
			continue
		}
		if cmd.Command == "" {
			a.logger.Warn("ignoring empty command")
			continue
		}

		a.logger.Info("executing command", "command", cmd.Command)
		stdout, stderr, code := a.exec.Run(ctx, cmd.Command)
		a.logger.Info("command finished", "command", cmd.Command, "return_code", code)

		if err := codec.Send(protocol.NewResult(cmd.Command, stdout, stderr, code)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("send result: %w", err)
		}
	}
}
