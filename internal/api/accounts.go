// ABOUTME: Account endpoints listing, renaming, deleting and toggling directory accounts
// ABOUTME: Every change is persisted in the directory and broadcast as account_status

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/relay-gateway/internal/accounts"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/hub"
)

// AccountResponse is an account with its live connection state.
type AccountResponse struct {
	*accounts.Account
	Connected bool `json:"connected"`
}

// ToggleRequest is the body of POST /api/accounts/{id}/toggle.
type ToggleRequest struct {
	IsActive bool `json:"is_active"`
}

// UpdateAccountRequest is the body of PATCH /api/accounts/{id}.
type UpdateAccountRequest struct {
	Label string `json:"label"`
}

// Account change kinds reported in AccountStatus.Change.
const (
	AccountUpdated = "updated"
	AccountDeleted = "deleted"
)

// AccountStatus is the data of an account_status event.
type AccountStatus struct {
	AccountID string `json:"account_id"`
	IsActive  bool   `json:"is_active"`
	Connected bool   `json:"connected"`
	Label     string `json:"label,omitempty"`
	Change    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) accountError(w http.ResponseWriter, err error, id, action string) {
	if errors.Is(err, accounts.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	s.logger.Error(action, "account_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, action)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Directory.ListAccounts(r.Context())
	if err != nil {
		s.logger.Error("listing accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	resp := make([]AccountResponse, 0, len(all))
	for _, a := range all {
		resp = append(resp, AccountResponse{Account: a, Connected: s.deps.Clients.IsConnected(a.ID)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToggleAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")

	var req ToggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := s.deps.Directory.SetActive(r.Context(), id, req.IsActive)
	if errors.Is(err, accounts.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		s.logger.Error("updating account", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update account")
		return
	}

	var connErr error
	if req.IsActive {
		_, connErr = s.deps.Clients.AddClient(r.Context(), account.Credentials())
	} else {
		connErr = s.deps.Clients.RemoveClient(r.Context(), id)
	}

	status := AccountStatus{
		AccountID: id,
		IsActive:  account.IsActive,
		Connected: s.deps.Clients.IsConnected(id),
	}
	if connErr != nil {
		status.Error = connErr.Error()
		s.logger.Warn("account toggle connection change failed", "account_id", id, "error", connErr)
	}
	s.deps.Viewers.Broadcast(r.Context(), hub.Event{Type: hub.EventAccountStatus, Data: status})

	s.logger.Info("account toggled",
		"operator", auth.OperatorFromContext(r.Context()),
		"account_id", id,
		"is_active", account.IsActive,
		"connected", status.Connected,
	)

	code := http.StatusOK
	if connErr != nil {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, status)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")

	var req UpdateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	account, err := s.deps.Directory.SetLabel(r.Context(), id, label)
	if err != nil {
		s.accountError(w, err, id, "failed to update account")
		return
	}

	connected := s.deps.Clients.IsConnected(id)
	s.deps.Viewers.Broadcast(r.Context(), hub.Event{Type: hub.EventAccountStatus, Data: AccountStatus{
		AccountID: id,
		IsActive:  account.IsActive,
		Connected: connected,
		Label:     account.Label,
		Change:    AccountUpdated,
	}})
	s.logger.Info("account renamed", "operator", auth.OperatorFromContext(r.Context()), "account_id", id, "label", label)

	writeJSON(w, http.StatusOK, AccountResponse{Account: account, Connected: connected})
}

// handleDeleteAccount disconnects the account before removing it so no sync
// loop outlives its directory entry.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")

	if _, err := s.deps.Directory.GetAccount(r.Context(), id); err != nil {
		s.accountError(w, err, id, "failed to delete account")
		return
	}

	if err := s.deps.Clients.RemoveClient(r.Context(), id); err != nil {
		s.logger.Warn("disconnecting deleted account", "account_id", id, "error", err)
	}

	if err := s.deps.Directory.DeleteAccount(r.Context(), id); err != nil {
		s.accountError(w, err, id, "failed to delete account")
		return
	}
	if err := s.deps.Store.DeleteAgentAttributes(r.Context(), id); err != nil {
		s.logger.Warn("deleting attributes of deleted account", "account_id", id, "error", err)
	}

	s.deps.Viewers.Broadcast(r.Context(), hub.Event{Type: hub.EventAccountStatus, Data: AccountStatus{
		AccountID: id,
		Change:    AccountDeleted,
	}})
	s.logger.Info("account deleted", "operator", auth.OperatorFromContext(r.Context()), "account_id", id)

	w.WriteHeader(http.StatusNoContent)
}
