// Package pkce generates Proof Key for Code Exchange parameters (RFC 7636)
// for the S256 challenge method.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Method identifies the only challenge transform this package produces.
// Plain-text challenges defeat the point of PKCE and are not supported.
const Method = "S256"

// verifierBytes yields an 86-character base64url verifier, double the
// RFC 7636 minimum entropy and well inside the 43-128 length bounds.
const verifierBytes = 64

// Params carries one authorization attempt's code verifier and its derived
// challenge. Generated fresh per attempt, never persisted, and discarded once
// the token exchange settles.
type Params struct {
	Verifier  string
	Challenge string
	Method    string
}

// Generate draws a verifier from the secure random source and derives its
// S256 challenge. The only failure mode is the entropy source itself.
func Generate() (Params, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return Params{}, fmt.Errorf("read random bytes: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return Params{
		Verifier:  verifier,
		Challenge: ChallengeS256(verifier),
		Method:    Method,
	}, nil
}

// ChallengeS256 returns base64url(SHA-256(verifier)) without padding.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
