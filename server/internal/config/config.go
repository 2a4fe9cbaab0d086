// Package config handles server configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Protocol ProtocolConfig `json:"protocol,omitempty"`
	Auth     AuthConfig     `json:"auth,omitempty"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	API      APIConfig      `json:"api,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// ServerConfig defines the agent-facing listener.
type ServerConfig struct {
	Host                string   `json:"host"`                           // e.g. "0.0.0.0"
	Port                int      `json:"port"`                           // default 4444
	MaxSessions         int      `json:"max_sessions,omitempty"`         // default 50
	SessionIdleTimeout  Duration `json:"session_idle_timeout,omitempty"` // default 5m; negative disables idle reaping
	RegistrationTimeout Duration `json:"registration_timeout,omitempty"` // handshake deadline; default 10s
	ShutdownGrace       Duration `json:"shutdown_grace,omitempty"`       // wait for handler cleanup; default 2s
	TLSCert             string   `json:"tls_cert,omitempty"`
	TLSKey              string   `json:"tls_key,omitempty"`
}

// Addr returns the listener address in host:port form.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSEnabled reports whether both certificate and key are configured.
func (c ServerConfig) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// ProtocolConfig tunes wire-level limits.
type ProtocolConfig struct {
	MaxMessageBytes uint32 `json:"max_message_bytes,omitempty"` // default 100MB
}

// AuthConfig defines the shared agent registration token. Set token for a
// plaintext value or token_hash for a bcrypt hash of it, not both.
type AuthConfig struct {
	Token     string `json:"token,omitempty"`
	TokenHash string `json:"token_hash,omitempty"`
}

// StorageConfig defines database settings for the durable session,
// command, and audit records.
type StorageConfig struct {
	Driver         string   `json:"driver,omitempty"`          // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn,omitempty"`             // e.g. "opsmesh.db" or ":memory:"
	Retention      Duration `json:"retention,omitempty"`       // command history retention
	AuditRetention Duration `json:"audit_retention,omitempty"` // audit event retention; defaults to Retention
}

// APIConfig defines the operator HTTP surface. Empty addr disables it.
type APIConfig struct {
	Addr string `json:"addr,omitempty"` // e.g. "127.0.0.1:8090"
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration. Strings use Go duration
// syntax; bare numbers are seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions must not be negative")
	}
	if c.Auth.Token != "" && c.Auth.TokenHash != "" {
		return fmt.Errorf("auth.token and auth.token_hash are mutually exclusive")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4444
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = 50
	}
	if c.Server.SessionIdleTimeout.Duration == 0 {
		c.Server.SessionIdleTimeout.Duration = 5 * time.Minute
	}
	if c.Server.RegistrationTimeout.Duration == 0 {
		c.Server.RegistrationTimeout.Duration = 10 * time.Second
	}
	if c.Server.ShutdownGrace.Duration == 0 {
		c.Server.ShutdownGrace.Duration = 2 * time.Second
	}
	if c.Protocol.MaxMessageBytes == 0 {
		c.Protocol.MaxMessageBytes = 100 * 1024 * 1024
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "opsmesh.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
