package localapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tinfoillabs/vault-helper/internal/authflow"
	"github.com/tinfoillabs/vault-helper/internal/tokenstore"
	"github.com/tinfoillabs/vault-helper/internal/vault"
)

type runTaskResponse struct {
	Success          bool           `json:"success"`
	Message          string         `json:"message"`
	UpdatedVaultData map[string]any `json:"updatedVaultData"`
}

type vaultResponse struct {
	Success   bool           `json:"success"`
	VaultData map[string]any `json:"vaultData"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleRunTask fetches the vault, hands it to the task runner and persists
// the merged result. The run carries an ID so its log lines can be tied
// together across the auth flow, the agent and the vault calls.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	task := r.URL.Query().Get("task")
	if task == "" {
		writeJSONError(ctx, w, "Missing 'task' parameter", http.StatusBadRequest)
		return
	}

	runID := uuid.NewString()
	slog.InfoContext(ctx, "task requested", "task", task, "run_id", runID)

	data, err := s.vault.Fetch(ctx)
	if err != nil {
		s.writeFailure(ctx, w, "fetch vault data", err)
		return
	}

	result, err := s.runner.Run(ctx, task, data)
	if err != nil {
		if errors.Is(err, ErrUnknownTask) {
			writeJSONError(ctx, w, fmt.Sprintf("Unknown task: %s", task), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "task runner failed", "task", task, "run_id", runID, "error", err)
		writeJSONError(ctx, w, "Agent task failed or returned no content.", http.StatusInternalServerError)
		return
	}

	merged := make(map[string]any, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	merged["last_agent_update"] = map[string]any{
		"timestamp":    time.Now().Format(time.RFC3339),
		"task_trigger": task,
		"result":       result,
	}

	if err := s.vault.Store(ctx, merged); err != nil {
		s.writeFailure(ctx, w, "save updated vault data", err)
		return
	}

	slog.InfoContext(ctx, "task completed", "task", task, "run_id", runID)
	writeJSON(ctx, w, runTaskResponse{
		Success:          true,
		Message:          "Vault data updated by agent.",
		UpdatedVaultData: merged,
	}, http.StatusOK)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := s.vault.Fetch(ctx)
	if err != nil {
		s.writeFailure(ctx, w, "fetch vault data", err)
		return
	}

	writeJSON(ctx, w, vaultResponse{Success: true, VaultData: data}, http.StatusOK)
}

func (s *Server) handleClearVault(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.vault.Clear(ctx); err != nil {
		s.writeFailure(ctx, w, "clear vault data", err)
		return
	}

	writeJSON(ctx, w, messageResponse{Success: true, Message: "Vault data cleared."}, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
}

// writeFailure maps an error from the vault/auth stack onto the status codes
// and messages the frontend understands.
func (s *Server) writeFailure(ctx context.Context, w http.ResponseWriter, op string, err error) {
	var apiErr *vault.APIError
	switch {
	case errors.Is(err, authflow.ErrLoginInProgress):
		writeJSONError(ctx, w, "Another login attempt is already in progress.", http.StatusConflict)
	case authFailure(err):
		slog.WarnContext(ctx, "authentication failed", "error", err)
		writeJSONError(ctx, w, "Authentication failed or user cancelled.", http.StatusUnauthorized)
	case errors.As(err, &apiErr):
		slog.ErrorContext(ctx, "vault request failed", "op", apiErr.Op, "status", apiErr.Status)
		writeJSONError(ctx, w, "Failed to "+op, http.StatusInternalServerError)
	default:
		slog.ErrorContext(ctx, "internal error", "error", err)
		writeJSONError(ctx, w, "An internal server error occurred.", http.StatusInternalServerError)
	}
}

// authFailure reports whether err came from acquiring credentials rather than
// from the vault worker itself.
func authFailure(err error) bool {
	var perr *authflow.ProviderError
	var serr *tokenstore.StorageError
	return errors.Is(err, authflow.ErrUserAbandoned) ||
		errors.Is(err, authflow.ErrCallbackTimeout) ||
		errors.Is(err, authflow.ErrStateMismatch) ||
		errors.Is(err, authflow.ErrMalformedCallback) ||
		errors.Is(err, authflow.ErrPortInUse) ||
		errors.As(err, &perr) ||
		errors.As(err, &serr)
}
