// ABOUTME: Ticket endpoints for operators: CRUD, change history and a period summary
// ABOUTME: Every mutation is broadcast to viewers

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/relay-gateway/internal/hub"
	"github.com/2389/relay-gateway/internal/store"
)

// CreateTicketRequest is the body of POST /api/tickets.
type CreateTicketRequest struct {
	AccountID   string               `json:"account_id"`
	ChatID      string               `json:"chat_id"`
	Subject     string               `json:"subject"`
	Description string               `json:"description"`
	Priority    store.TicketPriority `json:"priority"`
	Status      store.TicketStatus   `json:"status"`
}

func (s *Server) ticketError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, action)
	}
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	status := store.TicketStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	tickets, err := s.deps.Store.ListTickets(r.Context(), status)
	if err != nil {
		s.ticketError(w, err, "failed to list tickets")
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req CreateTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := &store.Ticket{
		AccountID:   req.AccountID,
		ChatID:      req.ChatID,
		Subject:     req.Subject,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      req.Status,
		Source:      store.SourceManual,
	}
	if err := s.deps.Store.CreateTicket(r.Context(), t); err != nil {
		s.ticketError(w, err, "failed to create ticket")
		return
	}

	s.deps.Viewers.Broadcast(r.Context(), hub.Event{Type: hub.EventTicketCreated, Data: t})
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetTicket(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		s.ticketError(w, err, "failed to load ticket")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	var upd store.TicketUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.deps.Store.UpdateTicket(r.Context(), chi.URLParam(r, "ticketID"), upd)
	if err != nil {
		s.ticketError(w, err, "failed to update ticket")
		return
	}

	s.deps.Viewers.Broadcast(r.Context(), hub.Event{Type: hub.EventTicketUpdated, Data: t})
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	if err := s.deps.Store.DeleteTicket(r.Context(), id); err != nil {
		s.ticketError(w, err, "failed to delete ticket")
		return
	}

	s.deps.Viewers.Broadcast(r.Context(), hub.Event{Type: hub.EventTicketDeleted, Data: map[string]string{"id": id}})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	if _, err := s.deps.Store.GetTicket(r.Context(), id); err != nil {
		s.ticketError(w, err, "failed to load ticket")
		return
	}

	history, err := s.deps.Store.TicketHistory(r.Context(), id)
	if err != nil {
		s.ticketError(w, err, "failed to load ticket history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// SummaryPeriod is the window a ticket summary covers.
type SummaryPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TicketSummaryResponse is the body of GET /api/tickets/summary.
type TicketSummaryResponse struct {
	Period  SummaryPeriod        `json:"period"`
	Summary *store.TicketSummary `json:"summary"`
}

// handleTicketSummary counts tickets created between start_date and end_date
// (RFC 3339). The period defaults to the current calendar month so far.
func (s *Server) handleTicketSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now().UTC()
	period := SummaryPeriod{
		Start: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		End:   now,
	}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start_date", &period.Start}, {"end_date", &period.End}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.name+" must be an RFC 3339 timestamp")
			return
		}
		*p.dst = t.UTC()
	}
	if period.End.Before(period.Start) {
		writeError(w, http.StatusBadRequest, "end_date is before start_date")
		return
	}

	summary, err := s.deps.Store.SummarizeTickets(r.Context(), store.TicketSummaryFilter{
		From:      period.Start,
		To:        period.End,
		AccountID: q.Get("agent_id"),
	})
	if err != nil {
		s.ticketError(w, err, "failed to summarize tickets")
		return
	}
	writeJSON(w, http.StatusOK, TicketSummaryResponse{Period: period, Summary: summary})
}
