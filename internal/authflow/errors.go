package authflow

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Sentinel errors of the authorization flow. Callers classify with errors.Is.
var (
	// ErrPortInUse reports that the loopback callback port is already bound
	// by another process (or a second listener in this one).
	ErrPortInUse = errors.New("callback port already in use")

	// ErrCallbackTimeout reports that no redirect arrived before the
	// configured timeout.
	ErrCallbackTimeout = errors.New("timed out waiting for authorization callback")

	// ErrMalformedCallback reports a redirect request without usable
	// parameters.
	ErrMalformedCallback = errors.New("malformed authorization callback")

	// ErrStateMismatch reports a callback whose state does not match the
	// in-flight attempt. The authorization code is never exchanged.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrLoginInProgress reports a second interactive attempt while one is
	// already awaiting the user.
	ErrLoginInProgress = errors.New("interactive login already in progress")
)

// ErrUserAbandoned marks an interactive attempt the user never completed.
// It wraps ErrCallbackTimeout so errors.Is matches either.
var ErrUserAbandoned = fmt.Errorf("user abandoned login: %w", ErrCallbackTimeout)

// ProviderError is a rejection from the authorization server (RFC 6749 §5.2
// for the token endpoint, §4.1.2.1 for the redirect).
type ProviderError struct {
	Op          string // "authorize", "exchange" or "refresh"
	Code        string // provider error code; empty when the response was not standard
	Description string
	Status      int // HTTP status of the token endpoint response, 0 for redirects
}

func (e *ProviderError) Error() string {
	code := e.Code
	if code == "" {
		code = fmt.Sprintf("http %d", e.Status)
	}
	if e.Description != "" {
		return fmt.Sprintf("oauth %s failed: %s: %s", e.Op, code, e.Description)
	}
	return fmt.Sprintf("oauth %s failed: %s", e.Op, code)
}

// isInvalidGrant matches the provider verdict that invalidates the stored
// grant (revoked, expired or already-used refresh token).
func isInvalidGrant(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Code == "invalid_grant"
}

// providerError converts an oauth2 retrieve failure into a ProviderError,
// passing anything else through wrapped.
func providerError(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return &ProviderError{
			Op:          op,
			Code:        rerr.ErrorCode,
			Description: rerr.ErrorDescription,
			Status:      status,
		}
	}
	return fmt.Errorf("oauth %s: %w", op, err)
}
