package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/opsmesh/opsmesh/agent/internal/agent"
	"github.com/opsmesh/opsmesh/agent/internal/config"
)

const defaultConfigPath = "opsmesh-agent.json"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Connect to the server and serve commands (default)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

// addOverrideFlags registers the flags that take precedence over the
// config file, so an agent can be pointed at a server with no file at all.
func addOverrideFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "server host (overrides config)")
	fs.Int("port", 0, "server port (overrides config)")
	fs.String("token", "", "registration token (overrides config)")
	fs.String("client-id", "", "client identity (overrides config)")
	fs.Bool("tls", false, "enable TLS (overrides config)")
	fs.Bool("insecure", false, "skip TLS certificate verification")
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := loadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	applyOverrides(cmd, cfg)

	logger := newLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("opsmesh agent starting", "version", version, "server", cfg.Server.Addr())

	a := agent.New(cfg, logger)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent stopped")
	return nil
}

func loadOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.Load(path)
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Root().PersistentFlags()
	if f := fs.Lookup("host"); f != nil && f.Changed {
		cfg.Server.Host = f.Value.String()
	}
	if f := fs.Lookup("port"); f != nil && f.Changed {
		if port, err := fs.GetInt("port"); err == nil {
			cfg.Server.Port = port
		}
	}
	if f := fs.Lookup("token"); f != nil && f.Changed {
		cfg.Auth.Token = f.Value.String()
	}
	if f := fs.Lookup("client-id"); f != nil && f.Changed {
		cfg.ClientID = f.Value.String()
	}
	if f := fs.Lookup("tls"); f != nil && f.Changed {
		if enabled, err := fs.GetBool("tls"); err == nil {
			cfg.TLS.Enabled = enabled
		}
	}
	if f := fs.Lookup("insecure"); f != nil && f.Changed {
		if insecure, err := fs.GetBool("insecure"); err == nil {
			cfg.TLS.Insecure = insecure
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
