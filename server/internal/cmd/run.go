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

	"github.com/opsmesh/opsmesh/server/internal/api"
	"github.com/opsmesh/opsmesh/server/internal/auth"
	"github.com/opsmesh/opsmesh/server/internal/config"
	"github.com/opsmesh/opsmesh/server/internal/metrics"
	"github.com/opsmesh/opsmesh/server/internal/operator"
	"github.com/opsmesh/opsmesh/server/internal/server"
	"github.com/opsmesh/opsmesh/server/internal/session"
	"github.com/opsmesh/opsmesh/server/internal/store"
)

const defaultConfigPath = "opsmesh-server.json"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the server (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().Bool("headless", false, "disable the interactive console")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := loadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg.Logging)

	st, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := session.NewRegistry()
	verifier := auth.NewVerifier(cfg.Auth.Token, cfg.Auth.TokenHash)
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	headless, _ := cmd.Flags().GetBool("headless")
	var console *operator.Console
	var sink server.ResultSink
	if !headless {
		console = operator.New(registry, logger, os.Stdin, os.Stdout, cancel)
		sink = console
	}

	srv, err := server.New(cfg, registry, st, verifier, m, sink, logger)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	if err := srv.Listen(ctx); err != nil {
		return fmt.Errorf("error: %w", err)
	}

	if cfg.API.Addr != "" {
		apiSrv := api.NewServer(registry, st, verifier, m, logger)
		go func() {
			if err := apiSrv.Run(ctx, cfg.API.Addr); err != nil {
				logger.Error("api server error", "error", err)
				cancel()
			}
		}()
	}

	if console != nil {
		console.SetBanner(srv.Addr().String(), cfg.Server.TLSEnabled())
		go console.Run(ctx)
	}

	logger.Info("opsmesh server starting", "version", version, "config", configPath)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	return nil
}

// loadOrDefault loads the config file, falling back to built-in defaults
// when the default path simply does not exist yet. An explicitly given path
// must exist.
func loadOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.Load(path)
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
