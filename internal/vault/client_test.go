package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// staticTokens satisfies TokenProvider with a fixed token or a fixed error.
type staticTokens struct {
	token string
	err   error
}

func (s *staticTokens) EnsureValidToken(context.Context) (string, error) {
	return s.token, s.err
}

// vaultStub serves /api/vault and records what it was sent.
type vaultStub struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	data     map[string]any
	deletes  int
	status   int    // non-zero forces this status on every request
	rawGet   string // non-empty is served verbatim for GET
	lastAuth string
}

func newVaultStub(t *testing.T) *vaultStub {
	t.Helper()
	s := &vaultStub{t: t, data: map[string]any{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/vault", s.handle)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *vaultStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAuth = r.Header.Get("Authorization")

	if s.status != 0 {
		w.WriteHeader(s.status)
		fmt.Fprint(w, `{"error":"nope"}`)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		if s.rawGet != "" {
			fmt.Fprint(w, s.rawGet)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "vaultData": s.data})
	case http.MethodPost:
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			s.t.Errorf("store Content-Type = %q, want application/json", ct)
		}
		var data map[string]any
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.data = data
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		s.deletes++
		s.data = map[string]any{}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *vaultStub) snapshot() (map[string]any, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, s.lastAuth
}

func TestClientFetch(t *testing.T) {
	stub := newVaultStub(t)
	stub.data = map[string]any{"email": "dev@example.net", "plan": "pro"}
	c, err := NewClient(stub.srv.URL, &staticTokens{token: "AT1"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	data, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if data["email"] != "dev@example.net" {
		t.Errorf("data = %v, want email dev@example.net", data)
	}

	_, auth := stub.snapshot()
	if auth != "Bearer AT1" {
		t.Errorf("Authorization = %q, want Bearer AT1", auth)
	}
}

func TestClientFetchEmptyVault(t *testing.T) {
	stub := newVaultStub(t)
	stub.rawGet = `{"success":true}`
	c, err := NewClient(stub.srv.URL, &staticTokens{token: "AT1"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	data, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if data == nil || len(data) != 0 {
		t.Errorf("data = %v, want empty map", data)
	}
}

func TestClientFetchWorkerReportsFailure(t *testing.T) {
	stub := newVaultStub(t)
	stub.rawGet = `{"success":false,"error":"vault locked"}`
	c, err := NewClient(stub.srv.URL, &staticTokens{token: "AT1"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = c.Fetch(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Fetch error = %v, want *APIError", err)
	}
	if apiErr.Body != "vault locked" {
		t.Errorf("api error body = %q, want the worker message", apiErr.Body)
	}
}

func TestClientStore(t *testing.T) {
	stub := newVaultStub(t)
	c, err := NewClient(stub.srv.URL+"/", &staticTokens{token: "AT1"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := c.Store(context.Background(), map[string]any{"note": "hello"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	data, auth := stub.snapshot()
	if data["note"] != "hello" {
		t.Errorf("stored data = %v, want note hello", data)
	}
	if auth != "Bearer AT1" {
		t.Errorf("Authorization = %q, want Bearer AT1", auth)
	}
}

func TestClientClear(t *testing.T) {
	stub := newVaultStub(t)
	stub.data = map[string]any{"email": "dev@example.net"}
	c, err := NewClient(stub.srv.URL, &staticTokens{token: "AT1"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := c.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	stub.mu.Lock()
	deletes := stub.deletes
	stub.mu.Unlock()
	if deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
}

func TestClientRejectionBecomesAPIError(t *testing.T) {
	stub := newVaultStub(t)
	stub.status = http.StatusUnauthorized
	c, err := NewClient(stub.srv.URL, &staticTokens{token: "AT1"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = c.Fetch(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Fetch error = %v, want *APIError", err)
	}
	if apiErr.Op != "fetch" || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("api error = %+v, want fetch/401", apiErr)
	}
}

func TestClientPropagatesTokenFailure(t *testing.T) {
	stub := newVaultStub(t)
	wantErr := errors.New("no credentials")
	c, err := NewClient(stub.srv.URL, &staticTokens{err: wantErr})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := c.Fetch(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Fetch error = %v, want token provider failure", err)
	}
	if _, auth := stub.snapshot(); auth != "" {
		t.Error("request reached the worker despite missing token")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", &staticTokens{}); err == nil {
		t.Error("NewClient with empty URL succeeded, want error")
	}
	if _, err := NewClient("https://vault.example.net", nil); err == nil {
		t.Error("NewClient with nil provider succeeded, want error")
	}
}
