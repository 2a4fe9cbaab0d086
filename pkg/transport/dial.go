// Package transport establishes the TCP and TLS connections beneath the
// opsmesh wire protocol.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// DialConfig controls retry and TLS behavior for Dial.
type DialConfig struct {
	// Retries is the number of additional attempts after the first failure.
	Retries int
	// RetryDelay is the initial backoff, doubled after every failed attempt.
	RetryDelay time.Duration
	// Timeout bounds each individual connect attempt, handshake included.
	Timeout time.Duration
	// TLS, when non-nil, wraps the connection in a client-side handshake.
	TLS *tls.Config
}

func (c *DialConfig) applyDefaults() {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Dial connects to addr, retrying transient failures with exponential
// backoff. Hostname resolution failures and TLS trust failures end the
// attempt immediately since repeating them cannot succeed.
func Dial(ctx context.Context, addr string, cfg DialConfig) (net.Conn, error) {
	cfg.applyDefaults()

	delay := cfg.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		conn, err := dialOnce(ctx, addr, cfg)
		if err == nil {
			return conn, nil
		}
		if Permanent(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("connect %s after %d attempts: %w", addr, cfg.Retries+1, lastErr)
}

func dialOnce(ctx context.Context, addr string, cfg DialConfig) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS == nil {
		return raw, nil
	}

	tlsConn := tls.Client(raw, cfg.TLS)
	if err := tlsConn.HandshakeContext(dctx); err != nil {
		_ = raw.Close()
		return nil, &handshakeError{err: err}
	}
	return tlsConn, nil
}

// handshakeError marks a failed client-side TLS handshake as permanent.
type handshakeError struct {
	err error
}

func (e *handshakeError) Error() string { return "tls handshake: " + e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

// Permanent reports whether err is one that retrying cannot cure.
func Permanent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var hsErr *handshakeError
	return errors.As(err, &hsErr)
}
