package storage

import (
	"context"
	"sync"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/security"
)

// MemoryStore keeps everything in process memory. Nothing survives a restart.
type MemoryStore struct {
	audit         *MemoryAuditStore
	confirmations *approval.MemoryStore
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		audit:         &MemoryAuditStore{},
		confirmations: approval.NewMemoryStore(),
	}
}

func (s *MemoryStore) Audit() security.AuditStore    { return s.audit }
func (s *MemoryStore) Confirmations() approval.Store { return s.confirmations }
func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }
func (s *MemoryStore) Driver() string                { return DriverMemory }

// MemoryAuditStore is an append-only in-memory security.AuditStore.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []security.AuditEvent
}

// Append implements security.AuditStore.
func (m *MemoryAuditStore) Append(_ context.Context, event security.AuditEvent) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Recent implements security.AuditStore.
func (m *MemoryAuditStore) Recent(_ context.Context, q security.AuditQuery) ([]security.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []security.AuditEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if q.Root != "" && e.Root != q.Root {
			continue
		}
		if q.Command != "" && e.Command != q.Command {
			continue
		}
		if q.Result != "" && e.Result != q.Result {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
