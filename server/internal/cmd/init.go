package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsmesh/opsmesh/pkg/cli"
	"github.com/opsmesh/opsmesh/server/internal/auth"
	"github.com/opsmesh/opsmesh/server/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [config-file]",
		Short: "Generate a server config file interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath(cmd, args, defaultConfigPath)
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	p := cli.DefaultPrompter()
	cfg := config.Default()

	cfg.Server.Host = p.Ask("Bind host", cfg.Server.Host)
	cfg.Server.Port = p.AskInt("Bind port", cfg.Server.Port)
	cfg.Server.MaxSessions = p.AskInt("Maximum concurrent sessions", cfg.Server.MaxSessions)

	if p.Confirm("Enable TLS?", false) {
		cfg.Server.TLSCert = p.Ask("TLS certificate file", "server-cert.pem")
		cfg.Server.TLSKey = p.Ask("TLS key file", "server-key.pem")
	}

	token := p.AskPassword("Agent registration token (empty accepts any agent)")
	if token != "" {
		if p.Confirm("Store only a bcrypt hash of the token?", true) {
			hash, err := auth.HashToken(token)
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			cfg.Auth.TokenHash = hash
		} else {
			cfg.Auth.Token = token
		}
	} else {
		fmt.Fprintln(p.Out, "Warning: without a token any agent may register.")
	}

	if p.Confirm("Enable the HTTP API?", false) {
		cfg.API.Addr = p.Ask("API listen address", "127.0.0.1:8090")
	}

	cfg.Storage.DSN = p.Ask("SQLite database file", cfg.Storage.DSN)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(p.Out, "Wrote %s. Start the server with: opsmesh-server run %s\n", path, path)
	return nil
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token",
		Short: "Print a bcrypt hash of a registration token for the auth.token_hash config field",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := cli.DefaultPrompter()
			token := p.AskPassword("Token")
			if token == "" {
				return fmt.Errorf("token must not be empty")
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			fmt.Println(hash)
			return nil
		},
	}
}
