// Package config handles agent configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Config is the top-level agent configuration. Every field has a usable
// default; the agent runs without a config file at all.
type Config struct {
	Server   ServerConfig   `json:"server"`
	TLS      TLSConfig      `json:"tls,omitempty"`
	Auth     AuthConfig     `json:"auth,omitempty"`
	Connect  ConnectConfig  `json:"connect,omitempty"`
	Exec     ExecConfig     `json:"exec,omitempty"`
	Protocol ProtocolConfig `json:"protocol,omitempty"`
	ClientID string         `json:"client_id,omitempty"` // default: hostname plus a random suffix
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// ServerConfig names the server to connect to.
type ServerConfig struct {
	Host string `json:"host"` // default "127.0.0.1"
	Port int    `json:"port"` // default 4444
}

// Addr returns the server address in host:port form.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSConfig controls transport security on the agent side.
type TLSConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	CAFile     string `json:"ca_file,omitempty"`     // PEM bundle to verify the server; system roots when empty
	ServerName string `json:"server_name,omitempty"` // overrides the name checked against the certificate
	Insecure   bool   `json:"insecure,omitempty"`    // skip verification (self-signed development servers)
}

// AuthConfig carries the shared registration token.
type AuthConfig struct {
	Token string `json:"token,omitempty"`
}

// ConnectConfig tunes connection retry behavior.
type ConnectConfig struct {
	Retries    int      `json:"retries,omitempty"`     // default 3
	RetryDelay Duration `json:"retry_delay,omitempty"` // default 2s, doubled each retry
	Timeout    Duration `json:"timeout,omitempty"`     // per-attempt; default 10s
}

// ExecConfig tunes command execution.
type ExecConfig struct {
	Timeout Duration `json:"timeout,omitempty"` // default 30s
}

// ProtocolConfig tunes wire-level limits.
type ProtocolConfig struct {
	MaxMessageBytes uint32 `json:"max_message_bytes,omitempty"` // default 100MB
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

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Connect.Retries < 0 {
		return fmt.Errorf("connect.retries must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4444
	}
	if c.Connect.Retries == 0 {
		c.Connect.Retries = 3
	}
	if c.Connect.RetryDelay.Duration == 0 {
		c.Connect.RetryDelay.Duration = 2 * time.Second
	}
	if c.Connect.Timeout.Duration == 0 {
		c.Connect.Timeout.Duration = 10 * time.Second
	}
	if c.Exec.Timeout.Duration == 0 {
		c.Exec.Timeout.Duration = 30 * time.Second
	}
	if c.Protocol.MaxMessageBytes == 0 {
		c.Protocol.MaxMessageBytes = 100 * 1024 * 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
