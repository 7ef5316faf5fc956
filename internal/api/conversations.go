// ABOUTME: Conversation endpoints: list, history, operator reply and delete
// ABOUTME: A failed reply still returns the stored message with a 502

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 1000
)

// ReplyRequest is the body of POST /api/conversations/{id}/reply.
type ReplyRequest struct {
	Text string `json:"text"`
}

// ReplyResponse carries the stored outgoing message.
type ReplyResponse struct {
	Message *store.Message `json:"message"`
	Error   string         `json:"error,omitempty"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Store.ListConversations(r.Context())
	if err != nil {
		s.logger.Error("listing conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(limit, maxMessageLimit)
	}

	if _, err := s.deps.Store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("loading conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	msgs, err := s.deps.Store.ListMessages(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing messages", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req ReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	msg, err := s.deps.Replier.Reply(r.Context(), id, req.Text)
	switch {
	case err == nil:
		s.logger.Info("operator reply sent",
			"operator", auth.OperatorFromContext(r.Context()),
			"conversation_id", id,
			"message_id", msg.MessageID,
		)
		writeJSON(w, http.StatusOK, ReplyResponse{Message: msg})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, relay.ErrSendFailed):
		writeJSON(w, http.StatusBadGateway, ReplyResponse{Message: msg, Error: err.Error()})
	default:
		s.logger.Error("reply failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send reply")
	}
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := s.deps.Store.DeleteConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("deleting conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	s.logger.Info("conversation deleted", "operator", auth.OperatorFromContext(r.Context()), "conversation_id", id)
	w.WriteHeader(http.StatusNoContent)
}
