// ABOUTME: Agent attribute endpoints: read and validated partial update per account
// ABOUTME: Updates are broadcast to viewers as agent_attributes_updated

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/hub"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	maxPersonaChars   = 500
	maxKnowledgeChars = 2000
)

var (
	workHoursPattern = regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)

	integrationChannels = []string{"matrix", "telegram", "whatsapp", "email"}
	priorityRules       = []string{"auto", "manual", "ai"}
	scheduleFields      = []string{"timezone", "work_hours", "days"}
)

// AttributesRequest is the body of PATCH /api/accounts/{id}/attributes.
// Omitted or null fields are left unchanged.
type AttributesRequest struct {
	Persona           *string         `json:"persona"`
	Knowledge         *string         `json:"knowledge"`
	Schedule          json.RawMessage `json:"schedule"`
	Integration       json.RawMessage `json:"integration"`
	TicketingSettings json.RawMessage `json:"ticketing_settings"`
}

// AttributesResponse carries an account's attributes. It is also the data of
// an agent_attributes_updated event.
type AttributesResponse struct {
	AccountID  string                 `json:"account_id"`
	Attributes *store.AgentAttributes `json:"attributes"`
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// object decodes raw as a JSON object, keeping member values undecoded.
func object(raw json.RawMessage, name string) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%s must be an object", name)
	}
	return m, nil
}

func parseSchedule(raw json.RawMessage) (*store.AgentSchedule, error) {
	m, err := object(raw, "schedule")
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, f := range scheduleFields {
		if _, ok := m[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("schedule missing required fields: %v", missing)
	}
	for f := range m {
		if !slices.Contains(scheduleFields, f) {
			return nil, fmt.Errorf("schedule has unknown field %q", f)
		}
	}

	var sched store.AgentSchedule
	if err := json.Unmarshal(m["timezone"], &sched.Timezone); err != nil {
		return nil, errors.New("timezone must be a string")
	}
	if err := json.Unmarshal(m["work_hours"], &sched.WorkHours); err != nil || !workHoursPattern.MatchString(sched.WorkHours) {
		return nil, errors.New("work_hours must be in format HH:MM-HH:MM (e.g., 09:00-17:00)")
	}
	if err := json.Unmarshal(m["days"], &sched.Days); err != nil || sched.Days == nil {
		return nil, errors.New("days must be an array of day names")
	}
	return &sched, nil
}

func parseIntegration(raw json.RawMessage) (map[string]bool, error) {
	m, err := object(raw, "integration")
	if err != nil {
		return nil, err
	}

	var invalid, nonBool []string
	out := make(map[string]bool, len(m))
	for channel, v := range m {
		if !slices.Contains(integrationChannels, channel) {
			invalid = append(invalid, channel)
			continue
		}
		var enabled bool
		if isNull(v) || json.Unmarshal(v, &enabled) != nil {
			nonBool = append(nonBool, channel)
			continue
		}
		out[channel] = enabled
	}
	slices.Sort(invalid)
	slices.Sort(nonBool)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("integration contains invalid channels: %v. Valid: %v", invalid, integrationChannels)
	}
	if len(nonBool) > 0 {
		return nil, fmt.Errorf("integration values must be boolean: %v", nonBool)
	}
	return out, nil
}

func parseTicketingSettings(raw json.RawMessage) (*store.TicketingSettings, error) {
	m, err := object(raw, "ticketing_settings")
	if err != nil {
		return nil, err
	}

	var settings store.TicketingSettings
	for field, v := range m {
		switch field {
		case "auto_assign":
			var b bool
			if isNull(v) || json.Unmarshal(v, &b) != nil {
				return nil, errors.New("auto_assign must be boolean")
			}
			settings.AutoAssign = &b
		case "max_tickets":
			var n int
			if isNull(v) || json.Unmarshal(v, &n) != nil || n < 1 {
				return nil, errors.New("max_tickets must be a positive integer")
			}
			settings.MaxTickets = &n
		case "priority_rules":
			var rule string
			if json.Unmarshal(v, &rule) != nil || !slices.Contains(priorityRules, rule) {
				return nil, fmt.Errorf("priority_rules must be one of: %v", priorityRules)
			}
			settings.PriorityRules = rule
		default:
			return nil, fmt.Errorf("ticketing_settings has unknown field %q", field)
		}
	}
	return &settings, nil
}

// parseAttributes validates req and converts it to a store update.
func parseAttributes(req AttributesRequest) (store.AgentAttributes, error) {
	var upd store.AgentAttributes

	if req.Persona != nil {
		if utf8.RuneCountInString(*req.Persona) > maxPersonaChars {
			return upd, fmt.Errorf("persona must be less than %d characters", maxPersonaChars)
		}
		upd.Persona = req.Persona
	}
	if req.Knowledge != nil {
		if utf8.RuneCountInString(*req.Knowledge) > maxKnowledgeChars {
			return upd, fmt.Errorf("knowledge must be less than %d characters", maxKnowledgeChars)
		}
		upd.Knowledge = req.Knowledge
	}

	var err error
	if !isNull(req.Schedule) {
		if upd.Schedule, err = parseSchedule(req.Schedule); err != nil {
			return upd, err
		}
	}
	if !isNull(req.Integration) {
		if upd.Integration, err = parseIntegration(req.Integration); err != nil {
			return upd, err
		}
	}
	if !isNull(req.TicketingSettings) {
		if upd.TicketingSettings, err = parseTicketingSettings(req.TicketingSettings); err != nil {
			return upd, err
		}
	}

	if upd.IsEmpty() {
		return upd, errors.New("no attributes provided")
	}
	return upd, nil
}

func (s *Server) handleGetAttributes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if _, err := s.deps.Directory.GetAccount(r.Context(), id); err != nil {
		s.accountError(w, err, id, "failed to load account")
		return
	}

	attrs, err := s.deps.Store.GetAgentAttributes(r.Context(), id)
	if err != nil {
		s.logger.Error("loading agent attributes", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load attributes")
		return
	}
	writeJSON(w, http.StatusOK, AttributesResponse{AccountID: id, Attributes: attrs})
}

func (s *Server) handleUpdateAttributes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")

	var req AttributesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	upd, err := parseAttributes(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.deps.Directory.GetAccount(r.Context(), id); err != nil {
		s.accountError(w, err, id, "failed to load account")
		return
	}

	attrs, err := s.deps.Store.UpdateAgentAttributes(r.Context(), id, upd)
	if errors.Is(err, store.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("updating agent attributes", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update attributes")
		return
	}

	resp := AttributesResponse{AccountID: id, Attributes: attrs}
	s.deps.Viewers.Broadcast(r.Context(), hub.Event{Type: hub.EventAgentAttributesUpdated, Data: resp})
	s.logger.Info("agent attributes updated", "operator", auth.OperatorFromContext(r.Context()), "account_id", id)

	writeJSON(w, http.StatusOK, resp)
}
