// Package auth verifies the shared token agents present at registration.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrTokenMismatch is returned for a missing or wrong token. Callers reject
// the registration; the error carries no detail an agent could learn from.
var ErrTokenMismatch = errors.New("auth: registration token mismatch")

// Verifier checks the auth_token presented during registration. At most one
// of token (compared in constant time) or tokenHash (a bcrypt hash) is
// configured; with neither set every registration is accepted, which the
// server warns about at startup.
type Verifier struct {
	token     string
	tokenHash []byte
}

func NewVerifier(token, tokenHash string) *Verifier {
	return &Verifier{token: token, tokenHash: []byte(tokenHash)}
}

// Required reports whether any token is configured.
func (v *Verifier) Required() bool {
	return v.token != "" || len(v.tokenHash) > 0
}

// Verify checks a presented token against the configured one.
func (v *Verifier) Verify(presented string) error {
	if !v.Required() {
		return nil
	}
	if len(v.tokenHash) > 0 {
		if bcrypt.CompareHashAndPassword(v.tokenHash, []byte(presented)) != nil {
			return ErrTokenMismatch
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(v.token), []byte(presented)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// HashToken produces a bcrypt hash suitable for the token_hash config
// field, so the plaintext never has to live on disk.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
