// ABOUTME: Per-account agent attributes: persona, knowledge, schedule, integrations and ticketing settings
// ABOUTME: Structured fields are stored as JSON text; updates merge into the existing row

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentSchedule is when an account's operators are available.
type AgentSchedule struct {
	Timezone  string   `json:"timezone"`
	WorkHours string   `json:"work_hours"`
	Days      []string `json:"days"`
}

// TicketingSettings tune how tickets are handled for an account.
type TicketingSettings struct {
	AutoAssign    *bool  `json:"auto_assign,omitempty"`
	MaxTickets    *int   `json:"max_tickets,omitempty"`
	PriorityRules string `json:"priority_rules,omitempty"`
}

// AgentAttributes describe the agent behind an account. Nil fields are unset.
// As an update, nil fields leave the stored value unchanged.
type AgentAttributes struct {
	Persona           *string            `json:"persona"`
	Knowledge         *string            `json:"knowledge"`
	Schedule          *AgentSchedule     `json:"schedule"`
	Integration       map[string]bool    `json:"integration"`
	TicketingSettings *TicketingSettings `json:"ticketing_settings"`
	UpdatedAt         *time.Time         `json:"updated_at,omitempty"`
}

// IsEmpty reports whether no attribute is set.
func (a *AgentAttributes) IsEmpty() bool {
	return a.Persona == nil && a.Knowledge == nil && a.Schedule == nil &&
		a.Integration == nil && a.TicketingSettings == nil
}

func (a *AgentAttributes) merge(upd AgentAttributes) {
	if upd.Persona != nil {
		a.Persona = upd.Persona
	}
	if upd.Knowledge != nil {
		a.Knowledge = upd.Knowledge
	}
	if upd.Schedule != nil {
		a.Schedule = upd.Schedule
	}
	if upd.Integration != nil {
		a.Integration = upd.Integration
	}
	if upd.TicketingSettings != nil {
		a.TicketingSettings = upd.TicketingSettings
	}
}

const attributesQuery = `
	SELECT persona, knowledge, schedule, integration, ticketing_settings, updated_at
	FROM agent_attributes WHERE account_id = ?`

// GetAgentAttributes returns the account's attributes. An account that never
// had any set gets an empty value, not an error.
func (s *SQLiteStore) GetAgentAttributes(ctx context.Context, accountID string) (*AgentAttributes, error) {
	a, err := scanAttributes(s.db.QueryRowContext(ctx, attributesQuery, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return &AgentAttributes{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent attributes: %w", err)
	}
	return a, nil
}

// UpdateAgentAttributes merges the set fields of upd into the stored
// attributes and returns the result.
func (s *SQLiteStore) UpdateAgentAttributes(ctx context.Context, accountID string, upd AgentAttributes) (*AgentAttributes, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: attributes need an account_id", ErrInvalidInput)
	}
	if upd.IsEmpty() {
		return nil, fmt.Errorf("%w: no attributes provided", ErrInvalidInput)
	}

	return write(ctx, s, "update_agent_attributes", func(ctx context.Context, tx *sql.Tx) (*AgentAttributes, error) {
		current, err := scanAttributes(tx.QueryRowContext(ctx, attributesQuery, accountID))
		if errors.Is(err, sql.ErrNoRows) {
			current = &AgentAttributes{}
		} else if err != nil {
			return nil, fmt.Errorf("querying agent attributes: %w", err)
		}

		current.merge(upd)
		now := time.Now().UTC()
		current.UpdatedAt = &now

		schedule, err := jsonColumn(current.Schedule)
		if err != nil {
			return nil, err
		}
		integration, err := jsonColumn(current.Integration)
		if err != nil {
			return nil, err
		}
		ticketing, err := jsonColumn(current.TicketingSettings)
		if err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_attributes (account_id, persona, knowledge, schedule, integration, ticketing_settings, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_id) DO UPDATE SET
				persona = excluded.persona,
				knowledge = excluded.knowledge,
				schedule = excluded.schedule,
				integration = excluded.integration,
				ticketing_settings = excluded.ticketing_settings,
				updated_at = excluded.updated_at`,
			accountID, current.Persona, current.Knowledge, schedule, integration, ticketing, formatTime(now),
		); err != nil {
			return nil, fmt.Errorf("saving agent attributes: %w", err)
		}
		return current, nil
	})
}

// DeleteAgentAttributes forgets the account's attributes. Missing rows are not an error.
func (s *SQLiteStore) DeleteAgentAttributes(ctx context.Context, accountID string) error {
	_, err := write(ctx, s, "delete_agent_attributes", func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_attributes WHERE account_id = ?`, accountID); err != nil {
			return struct{}{}, fmt.Errorf("deleting agent attributes: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// jsonColumn encodes v for a nullable TEXT column; nil values stay NULL.
func jsonColumn(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding attribute: %w", err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return string(raw), nil
}

func decodeColumn(ns sql.NullString, dst any) error {
	if !ns.Valid {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func scanAttributes(row rowScanner) (*AgentAttributes, error) {
	var (
		a                                AgentAttributes
		persona, knowledge               sql.NullString
		schedule, integration, ticketing sql.NullString
		updatedAt                        string
	)
	if err := row.Scan(&persona, &knowledge, &schedule, &integration, &ticketing, &updatedAt); err != nil {
		return nil, err
	}
	if persona.Valid {
		a.Persona = &persona.String
	}
	if knowledge.Valid {
		a.Knowledge = &knowledge.String
	}
	if err := decodeColumn(schedule, &a.Schedule); err != nil {
		return nil, fmt.Errorf("decoding schedule: %w", err)
	}
	if err := decodeColumn(integration, &a.Integration); err != nil {
		return nil, fmt.Errorf("decoding integration: %w", err)
	}
	if err := decodeColumn(ticketing, &a.TicketingSettings); err != nil {
		return nil, fmt.Errorf("decoding ticketing_settings: %w", err)
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	a.UpdatedAt = &t
	return &a, nil
}
