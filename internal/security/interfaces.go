package security

import (
	"context"
	"time"
)

// AuditQuery filters audit events read back from a store.
type AuditQuery struct {
	Root    string
	Command string
	Result  string
	Since   time.Time
	Limit   int // 0 = store default.
}

// AuditStore is an append-only store for audit events.
// No update or delete methods; immutability is enforced at the interface level.
type AuditStore interface {
	// Append writes a single audit event. Never updates or deletes.
	Append(ctx context.Context, event AuditEvent) error
	// Recent returns matching events, newest first.
	Recent(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
}
