package postgres

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/security"
)

// --- Audit ---

func toAuditModel(event security.AuditEvent) AuditEventModel {
	return AuditEventModel{
		ID:            uuid.New(),
		CorrelationID: event.CorrelationID,
		UserID:        event.UserID,
		Action:        event.Action,
		Root:          event.Root,
		Command:       event.Command,
		Args:          marshalOr(event.Args, "[]"),
		Class:         event.Class,
		Risk:          event.Risk,
		Parameters:    marshalOr(event.Parameters, "{}"),
		Result:        event.Result,
		ExitCode:      event.ExitCode,
		DurationMS:    event.DurationMS,
		Truncated:     event.Truncated,
		Error:         event.Error,
		CreatedAt:     event.Timestamp.UTC(),
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	var params map[string]any
	if len(m.Parameters) > 0 {
		_ = json.Unmarshal(m.Parameters, &params)
	}
	var args []string
	if len(m.Args) > 0 {
		_ = json.Unmarshal(m.Args, &args)
	}
	return security.AuditEvent{
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		UserID:        m.UserID,
		Action:        m.Action,
		Root:          m.Root,
		Command:       m.Command,
		Args:          args,
		Class:         m.Class,
		Risk:          m.Risk,
		Parameters:    params,
		Result:        m.Result,
		ExitCode:      m.ExitCode,
		DurationMS:    m.DurationMS,
		Truncated:     m.Truncated,
		Error:         m.Error,
	}
}

// --- Confirmation ---

func toConfirmationModel(c *approval.Confirmation) ConfirmationModel {
	pre, _ := json.Marshal(c.Preconditions)
	m := ConfirmationModel{
		ID:            c.ID,
		Root:          c.Root,
		Command:       c.Command,
		Args:          marshalOr(c.Args, "[]"),
		Class:         c.Class,
		Risk:          c.Risk,
		Reason:        c.Reason,
		CommandHash:   c.CommandHash,
		CallerID:      c.CallerID,
		Preconditions: JSONB(pre),
		Status:        int16(c.Status),
		CreatedAt:     c.CreatedAt.UTC(),
		ExpiresAt:     c.ExpiresAt.UTC(),
	}
	if c.UsedAt != nil {
		t := c.UsedAt.UTC()
		m.UsedAt = &t
	}
	return m
}

func toConfirmationDomain(m *ConfirmationModel) *approval.Confirmation {
	c := &approval.Confirmation{
		ID:          m.ID,
		Root:        m.Root,
		Command:     m.Command,
		Class:       m.Class,
		Risk:        m.Risk,
		Reason:      m.Reason,
		CommandHash: m.CommandHash,
		CallerID:    m.CallerID,
		Status:      approval.Status(m.Status),
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
		UsedAt:      m.UsedAt,
	}
	if len(m.Args) > 0 {
		_ = json.Unmarshal(m.Args, &c.Args)
	}
	if len(m.Preconditions) > 0 {
		_ = json.Unmarshal(m.Preconditions, &c.Preconditions)
	}
	return c
}

func marshalOr(v any, empty string) JSONB {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return JSONB(empty)
	}
	return JSONB(data)
}
