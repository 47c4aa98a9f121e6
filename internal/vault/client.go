// Package vault provides the client for the vault worker's data API. Every
// request carries a bearer token obtained from the token provider, so callers
// never handle credentials directly.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// vaultPath is the worker's data endpoint. Fetch, store and clear all target
// it, distinguished by method.
const vaultPath = "/api/vault"

// errBodyLimit caps how much of an error response is kept for diagnostics.
const errBodyLimit = 4 << 10

// TokenProvider supplies a currently valid access token. The auth flow
// controller satisfies it.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context) (string, error)
}

// APIError reports a non-success response from the vault worker.
type APIError struct {
	// Op names the failing operation: fetch, store or clear.
	Op string
	// Status is the HTTP status code the worker returned.
	Status int
	// Body holds a truncated copy of the response body.
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vault %s failed: http %d", e.Op, e.Status)
}

// envelope is the worker's wrapper around vault data on reads.
type envelope struct {
	Success   bool           `json:"success"`
	VaultData map[string]any `json:"vaultData"`
	Error     string         `json:"error"`
}

// Client talks to one vault worker on behalf of one authenticated user.
type Client struct {
	baseURL string
	tokens  TokenProvider
	client  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for vault requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a vault client rooted at baseURL.
func NewClient(baseURL string, tokens TokenProvider, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("missing vault base URL")
	}
	if tokens == nil {
		return nil, fmt.Errorf("missing token provider")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

// Fetch returns the user's current vault contents, unwrapped from the
// worker's response envelope. An empty vault yields an empty map, not an
// error.
func (c *Client) Fetch(ctx context.Context) (map[string]any, error) {
	resp, err := c.do(ctx, "fetch", http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	if !env.Success {
		return nil, &APIError{Op: "fetch", Status: resp.StatusCode, Body: env.Error}
	}
	if env.VaultData == nil {
		env.VaultData = map[string]any{}
	}
	slog.DebugContext(ctx, "fetched vault data", "keys", len(env.VaultData))
	return env.VaultData, nil
}

// Store replaces the user's vault contents with data.
func (c *Client) Store(ctx context.Context, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode vault data: %w", err)
	}

	resp, err := c.do(ctx, "store", http.MethodPost, bytes.NewReader(body))
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	slog.DebugContext(ctx, "stored vault data", "keys", len(data))
	return nil
}

// Clear deletes the user's vault contents.
func (c *Client) Clear(ctx context.Context) error {
	resp, err := c.do(ctx, "clear", http.MethodDelete, nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	slog.InfoContext(ctx, "cleared vault data")
	return nil
}

// do obtains a token, performs one authenticated request against the vault
// endpoint and turns non-2xx responses into APIErrors. On success the caller
// owns the response body.
func (c *Client) do(ctx context.Context, op, method string, body io.Reader) (*http.Response, error) {
	token, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+vaultPath, body)
	if err != nil {
		return nil, fmt.Errorf("build vault request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		_ = resp.Body.Close()
		slog.WarnContext(ctx, "vault request rejected", "op", op, "status", resp.StatusCode)
		return nil, &APIError{Op: op, Status: resp.StatusCode, Body: string(detail)}
	}

	return resp, nil
}
