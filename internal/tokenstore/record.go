package tokenstore

import (
	"time"
)

// Record is the durable token set for one client identity. It is created on
// the first successful code exchange and rewritten on every refresh; the
// store owns the canonical copy and hands out clones.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the record holds an access token that remains usable
// for at least margin beyond now. A zero ExpiresAt counts as expired.
func (r *Record) Valid(margin time.Duration) bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	return time.Until(r.ExpiresAt) > margin
}

// clone returns a deep copy so callers cannot mutate a store's view.
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Scopes != nil {
		out.Scopes = append([]string(nil), r.Scopes...)
	}
	return &out
}
