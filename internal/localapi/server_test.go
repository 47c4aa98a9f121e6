package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tinfoillabs/vault-helper/internal/authflow"
	"github.com/tinfoillabs/vault-helper/internal/tokenstore"
	"github.com/tinfoillabs/vault-helper/internal/vault"
)

// stubVault implements Vault in memory with injectable failures.
type stubVault struct {
	mu     sync.Mutex
	data   map[string]any
	stored map[string]any
	clears int
	err    error // forced on every call when set
}

func (v *stubVault) Fetch(context.Context) (map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	if v.data == nil {
		return map[string]any{}, nil
	}
	return v.data, nil
}

func (v *stubVault) Store(_ context.Context, data map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.stored = data
	return nil
}

func (v *stubVault) Clear(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.clears++
	return nil
}

// stubRunner implements TaskRunner with a canned result or error.
type stubRunner struct {
	result map[string]any
	err    error

	mu       sync.Mutex
	lastTask string
}

func (r *stubRunner) Run(_ context.Context, task string, _ map[string]any) (map[string]any, error) {
	r.mu.Lock()
	r.lastTask = task
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// panicRunner exercises the recovery middleware.
type panicRunner struct{}

func (panicRunner) Run(context.Context, string, map[string]any) (map[string]any, error) {
	panic("task engine exploded")
}

func newTestServer(t *testing.T, v Vault, opts ...Option) *Server {
	t.Helper()
	s, err := New(v, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func doRequest(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestRunTask(t *testing.T) {
	v := &stubVault{data: map[string]any{"email": "dev@example.net"}}
	runner := &stubRunner{result: map[string]any{"emails": []any{"subject one", "subject two"}}}
	s := newTestServer(t, v, WithTaskRunner(runner))

	rec := doRequest(s, http.MethodGet, "/run-task?task=Update+vault+data")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	if body["message"] != "Vault data updated by agent." {
		t.Errorf("message = %q, want update confirmation", body["message"])
	}

	updated, ok := body["updatedVaultData"].(map[string]any)
	if !ok {
		t.Fatalf("updatedVaultData missing from response: %v", body)
	}
	if updated["email"] != "dev@example.net" {
		t.Errorf("existing vault keys lost in merge: %v", updated)
	}

	last, ok := updated["last_agent_update"].(map[string]any)
	if !ok {
		t.Fatalf("last_agent_update missing: %v", updated)
	}
	if last["task_trigger"] != "Update vault data" {
		t.Errorf("task_trigger = %v, want the requested task", last["task_trigger"])
	}
	ts, _ := last["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q not RFC 3339: %v", ts, err)
	}
	if last["result"] == nil {
		t.Error("agent result missing from last_agent_update")
	}

	runner.mu.Lock()
	lastTask := runner.lastTask
	runner.mu.Unlock()
	if lastTask != "Update vault data" {
		t.Errorf("runner saw task %q, want Update vault data", lastTask)
	}

	v.mu.Lock()
	stored := v.stored
	v.mu.Unlock()
	if stored == nil || stored["last_agent_update"] == nil {
		t.Errorf("merged data not persisted: %v", stored)
	}
}

func TestRunTaskMissingParameter(t *testing.T) {
	s := newTestServer(t, &stubVault{})

	rec := doRequest(s, http.MethodGet, "/run-task")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
}

func TestRunTaskUnknownTask(t *testing.T) {
	s := newTestServer(t, &stubVault{}, WithTaskRunner(&stubRunner{err: ErrUnknownTask}))

	rec := doRequest(s, http.MethodGet, "/run-task?task=Brew+coffee")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Unknown task: Brew coffee" {
		t.Errorf("error = %q, want unknown task message", body["error"])
	}
}

func TestRunTaskRunnerFailure(t *testing.T) {
	s := newTestServer(t, &stubVault{}, WithTaskRunner(&stubRunner{err: errors.New("browser crashed")}))

	rec := doRequest(s, http.MethodGet, "/run-task?task=Update+vault+data")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRunTaskWithoutRunner(t *testing.T) {
	s := newTestServer(t, &stubVault{})

	rec := doRequest(s, http.MethodGet, "/run-task?task=Update+vault+data")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when no runner is wired", rec.Code)
	}
}

func TestRunTaskPanicRecovered(t *testing.T) {
	s := newTestServer(t, &stubVault{}, WithTaskRunner(panicRunner{}))

	rec := doRequest(s, http.MethodGet, "/run-task?task=Update+vault+data")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 after panic", rec.Code)
	}
}

func TestFailureStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "user abandoned login",
			err:        authflow.ErrUserAbandoned,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "forged state",
			err:        authflow.ErrStateMismatch,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "provider rejected exchange",
			err:        &authflow.ProviderError{Op: "exchange", Code: "invalid_request"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "storage broken",
			err:        &tokenstore.StorageError{Op: "load", Err: errors.New("keyring locked")},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "login already running",
			err:        authflow.ErrLoginInProgress,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "vault worker rejected request",
			err:        &vault.APIError{Op: "fetch", Status: http.StatusBadGateway},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "unclassified failure",
			err:        errors.New("dns exploded"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &stubVault{err: tt.err})

			rec := doRequest(s, http.MethodGet, "/get-vault")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeBody(t, rec)
			if body["success"] != false {
				t.Errorf("success = %v, want false", body["success"])
			}
		})
	}
}

func TestGetVault(t *testing.T) {
	v := &stubVault{data: map[string]any{"email": "dev@example.net", "plan": "pro"}}
	s := newTestServer(t, v)

	rec := doRequest(s, http.MethodGet, "/get-vault")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	data, ok := body["vaultData"].(map[string]any)
	if !ok {
		t.Fatalf("vaultData missing: %v", body)
	}
	if data["email"] != "dev@example.net" {
		t.Errorf("vaultData = %v, want seeded contents", data)
	}
}

func TestClearVault(t *testing.T) {
	v := &stubVault{data: map[string]any{"email": "dev@example.net"}}
	s := newTestServer(t, v)

	rec := doRequest(s, http.MethodPost, "/clear-vault")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "Vault data cleared." {
		t.Errorf("message = %q, want clear confirmation", body["message"])
	}

	v.mu.Lock()
	clears := v.clears
	v.mu.Unlock()
	if clears != 1 {
		t.Errorf("clears = %d, want 1", clears)
	}
}

func TestClearVaultRequiresPost(t *testing.T) {
	s := newTestServer(t, &stubVault{})

	rec := doRequest(s, http.MethodGet, "/clear-vault")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &stubVault{})

	rec := doRequest(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, &stubVault{})

	t.Run("configured origin is allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", DefaultFrontendOrigin)
		s.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != DefaultFrontendOrigin {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, DefaultFrontendOrigin)
		}
	})

	t.Run("preflight is answered", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/clear-vault", nil)
		req.Header.Set("Origin", DefaultFrontendOrigin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("preflight status = %d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
			t.Error("preflight carries no Access-Control-Allow-Methods")
		}
	})

	t.Run("other origins are not tagged", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", "http://evil.example.net")
		s.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want unset", got)
		}
	})
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t, &stubVault{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	address := ln.Addr().String()
	_ = ln.Close()

	errCh, err := s.Start(context.Background(), address)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", address))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Errorf("runtime error after shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("error channel not closed after shutdown")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New with nil vault succeeded, want error")
	}
}
