// Package authflow implements the native-client half of the OAuth 2.0
// authorization code flow with PKCE: interactive login through the system
// browser and a loopback redirect, refresh-token renewal, and persistence of
// the resulting token records.
//
// The Controller is the only entry point. It owns one client identity, one
// token store, and at most one in-flight interactive attempt.
package authflow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/tinfoillabs/vault-helper/internal/browser"
	"github.com/tinfoillabs/vault-helper/internal/pkce"
	"github.com/tinfoillabs/vault-helper/internal/tokenstore"
)

// DefaultScopes is the scope set requested when the configuration does not
// override it. vault_api is what the vault worker checks; the rest are
// standard OIDC claims.
var DefaultScopes = []string{"openid", "profile", "email", "offline_access", "vault_api"}

// Defaults for the loopback redirect target.
const (
	DefaultCallbackPort    = 8990
	DefaultCallbackTimeout = 5 * time.Minute
)

// expiryMargin is subtracted from a record's expiry when deciding whether it
// still counts as valid, absorbing clock skew and request latency.
const expiryMargin = 60 * time.Second

// defaultTokenLifetime applies when the provider omits expires_in.
const defaultTokenLifetime = time.Hour

// stateBytes sizes the CSRF nonce binding a redirect to its attempt.
const stateBytes = 32

// tokenRetryAttempts bounds token endpoint calls per operation, counting the
// first try.
const tokenRetryAttempts = 4

// Config wires a Controller to one OAuth client identity.
type Config struct {
	// ClientID is the registered public client identifier.
	ClientID string

	// AuthBaseURL is the provider root; the authorize, token and introspect
	// paths hang off it.
	AuthBaseURL string

	// Scopes requested on interactive authorization. Defaults to
	// DefaultScopes when empty.
	Scopes []string

	// CallbackPort is the fixed loopback port the provider redirects to.
	// Defaults to DefaultCallbackPort.
	CallbackPort int

	// CallbackTimeout bounds how long an interactive attempt waits for the
	// redirect. Defaults to DefaultCallbackTimeout.
	CallbackTimeout time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithBrowserOpener replaces how authorization URLs reach the user's
// browser. Tests use it to complete or abandon the flow programmatically.
func WithBrowserOpener(open func(ctx context.Context, url string) error) Option {
	return func(c *Controller) {
		c.open = open
	}
}

// WithHTTPClient sets the client used for token endpoint and introspection
// requests. If not provided, a 30-second-timeout client is used.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) {
		c.client = client
	}
}

// Controller drives the authorization flow and hands out valid access
// tokens. Safe for concurrent use; interactive attempts are serialized.
type Controller struct {
	cfg    Config
	store  tokenstore.Store
	oauth  oauth2.Config
	open   func(ctx context.Context, url string) error
	client *http.Client

	// retryInitial seeds the exchange/refresh backoff. Tests shrink it.
	retryInitial time.Duration

	mu       sync.Mutex
	inFlight bool
}

// New creates a Controller. No I/O is performed until the first token is
// requested.
func New(cfg Config, store tokenstore.Store, opts ...Option) (*Controller, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("missing client ID")
	}
	if cfg.AuthBaseURL == "" {
		return nil, fmt.Errorf("missing auth base URL")
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.CallbackPort == 0 {
		cfg.CallbackPort = DefaultCallbackPort
	}
	if cfg.CallbackPort < 1 || cfg.CallbackPort > 65535 {
		return nil, fmt.Errorf("callback port %d out of range", cfg.CallbackPort)
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	cfg.AuthBaseURL = strings.TrimRight(cfg.AuthBaseURL, "/")

	c := &Controller{
		cfg:   cfg,
		store: store,
		oauth: oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthBaseURL + "/authorize",
				TokenURL: cfg.AuthBaseURL + "/token",
				// Public client: client_id travels in the form body, no
				// basic auth credentials exist.
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: fmt.Sprintf("http://localhost:%d%s", cfg.CallbackPort, callbackPath),
		},
		open:         browser.OpenURL,
		retryInitial: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}

	return c, nil
}

// EnsureValidToken returns an access token valid for at least the safety
// margin, renewing via refresh token or a full interactive authorization as
// needed. Concurrent callers during an interactive attempt fail fast with
// ErrLoginInProgress.
func (c *Controller) EnsureValidToken(ctx context.Context) (string, error) {
	rec, err := c.store.Load(ctx)
	if err != nil {
		return "", err
	}

	if rec.Valid(expiryMargin) {
		slog.DebugContext(ctx, "using stored access token", "expires_at", rec.ExpiresAt)
		return rec.AccessToken, nil
	}

	if rec != nil && rec.RefreshToken != "" {
		refreshed, err := c.refresh(ctx, rec)
		switch {
		case err == nil:
			return refreshed.AccessToken, nil
		case isInvalidGrant(err):
			// The grant is gone for good (revoked or rotated elsewhere).
			// Drop the record and fall through to an interactive attempt.
			slog.WarnContext(ctx, "refresh token rejected by provider, clearing stored record")
			if err := c.store.Clear(ctx); err != nil {
				return "", err
			}
		default:
			return "", err
		}
	}

	return c.Login(ctx)
}

// Login runs one interactive authorization attempt: PKCE + state generation,
// browser navigation, loopback redirect capture, state validation and code
// exchange. The resulting record is persisted before the token is returned.
func (c *Controller) Login(ctx context.Context) (string, error) {
	if err := c.beginAttempt(); err != nil {
		return "", err
	}
	defer c.endAttempt()

	params, err := pkce.Generate()
	if err != nil {
		return "", err
	}
	state, err := randomState()
	if err != nil {
		return "", err
	}

	// Bind before the browser opens so a taken port fails the attempt
	// before the user sees a consent screen.
	listener, err := newCallbackListener(c.cfg.CallbackPort)
	if err != nil {
		return "", err
	}
	defer listener.Close()

	authURL := c.authCodeURL(state, params)

	slog.InfoContext(ctx, "opening browser for authorization", "url", authURL)
	if err := c.open(ctx, authURL); err != nil {
		// Not fatal: the user can still follow the logged URL by hand.
		slog.WarnContext(ctx, "could not open browser, visit the URL manually",
			"url", authURL, "error", err)
	}

	res, err := listener.wait(ctx, c.cfg.CallbackTimeout)
	if err != nil {
		if errors.Is(err, ErrCallbackTimeout) {
			return "", ErrUserAbandoned
		}
		return "", err
	}

	return c.completeLogin(ctx, params, state, res)
}

// LoginManual runs the authorization without the loopback listener: prompt
// receives the authorization URL and returns the redirect URL the user
// pasted back. For hosts where no browser can reach the local port.
func (c *Controller) LoginManual(ctx context.Context, prompt func(ctx context.Context, authURL string) (string, error)) (string, error) {
	if prompt == nil {
		return "", fmt.Errorf("missing redirect prompt")
	}
	if err := c.beginAttempt(); err != nil {
		return "", err
	}
	defer c.endAttempt()

	params, err := pkce.Generate()
	if err != nil {
		return "", err
	}
	state, err := randomState()
	if err != nil {
		return "", err
	}

	raw, err := prompt(ctx, c.authCodeURL(state, params))
	if err != nil {
		return "", err
	}

	redirect, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	res, err := resultFromQuery(redirect.Query())
	if err != nil {
		return "", err
	}

	return c.completeLogin(ctx, params, state, res)
}

// completeLogin validates the redirect against the attempt and exchanges the
// code. The state check happens first; on mismatch no exchange is attempted.
func (c *Controller) completeLogin(ctx context.Context, params pkce.Params, state string, res *callbackResult) (string, error) {
	if subtle.ConstantTimeCompare([]byte(res.state), []byte(state)) != 1 {
		// Deliberately logs neither value: both are attacker-influenced.
		slog.ErrorContext(ctx, "authorization state mismatch, treating callback as forged")
		return "", ErrStateMismatch
	}

	slog.InfoContext(ctx, "exchanging authorization code")
	tok, err := c.retryToken(ctx, "exchange", func() (*oauth2.Token, error) {
		return c.oauth.Exchange(c.oauthContext(ctx), res.code,
			oauth2.SetAuthURLParam("code_verifier", params.Verifier))
	})
	if err != nil {
		return "", err
	}

	rec := c.recordFromToken(tok, nil)
	if err := c.store.Save(ctx, rec); err != nil {
		return "", err
	}

	slog.InfoContext(ctx, "authorization complete", "expires_at", rec.ExpiresAt, "scopes", rec.Scopes)
	return rec.AccessToken, nil
}

// refresh renews the record via the refresh grant and persists the result.
func (c *Controller) refresh(ctx context.Context, rec *tokenstore.Record) (*tokenstore.Record, error) {
	slog.InfoContext(ctx, "refreshing access token")

	tok, err := c.retryToken(ctx, "refresh", func() (*oauth2.Token, error) {
		src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken})
		return src.Token()
	})
	if err != nil {
		return nil, err
	}

	updated := c.recordFromToken(tok, rec)
	if err := c.store.Save(ctx, updated); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "access token refreshed", "expires_at", updated.ExpiresAt)
	return updated, nil
}

// Logout discards the stored token record. Safe to call when not logged in.
func (c *Controller) Logout(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Status describes the stored credential without exposing token material.
type Status struct {
	// Authenticated reports whether any record is stored.
	Authenticated bool
	// Valid reports whether the access token is usable beyond the safety
	// margin right now.
	Valid      bool
	HasRefresh bool
	ExpiresAt  time.Time
	Scopes     []string
	TokenType  string
}

// Status reports the state of the stored record without network I/O.
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	rec, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Status{}, nil
	}

	return &Status{
		Authenticated: true,
		Valid:         rec.Valid(expiryMargin),
		HasRefresh:    rec.RefreshToken != "",
		ExpiresAt:     rec.ExpiresAt,
		Scopes:        rec.Scopes,
		TokenType:     rec.TokenType,
	}, nil
}

// beginAttempt claims the single interactive slot.
func (c *Controller) beginAttempt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrLoginInProgress
	}
	c.inFlight = true
	return nil
}

func (c *Controller) endAttempt() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

// authCodeURL builds the browser-navigated authorization URL with the PKCE
// challenge attached.
func (c *Controller) authCodeURL(state string, params pkce.Params) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", params.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", params.Method),
	)
}

// retryToken runs a token endpoint call with bounded exponential backoff.
// Provider verdicts (4xx) are final; only network-class failures and 5xx
// responses retry.
func (c *Controller) retryToken(ctx context.Context, op string, fetch func() (*oauth2.Token, error)) (*oauth2.Token, error) {
	operation := func() (*oauth2.Token, error) {
		tok, err := fetch()
		if err != nil {
			if retryableTokenErr(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return tok, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryInitial

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(tokenRetryAttempts),
	)
	if err != nil {
		return nil, providerError(op, err)
	}
	return tok, nil
}

// retryableTokenErr reports whether a token endpoint failure is worth
// retrying: transport errors and 5xx responses are, provider 4xx verdicts
// are not.
func retryableTokenErr(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.Response != nil && rerr.Response.StatusCode >= 500
	}
	return true
}

// recordFromToken maps a provider token response onto a storable record.
// prev carries forward the refresh token when the provider omits it on
// refresh responses.
func (c *Controller) recordFromToken(tok *oauth2.Token, prev *tokenstore.Record) *tokenstore.Record {
	rec := &tokenstore.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Scopes:       c.cfg.Scopes,
		ExpiresAt:    tok.Expiry,
	}

	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		rec.Scopes = strings.Fields(s)
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = time.Now().Add(defaultTokenLifetime)
	}
	if rec.RefreshToken == "" && prev != nil {
		rec.RefreshToken = prev.RefreshToken
	}

	return rec
}

// oauthContext injects the controller's HTTP client into the oauth2 library
// per its context convention.
func (c *Controller) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.client)
}

// randomState produces the CSRF nonce binding the redirect to this attempt.
func randomState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
