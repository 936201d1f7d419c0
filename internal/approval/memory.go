package approval

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps confirmations in memory. Thread-safe. Contents are lost
// on restart, which also invalidates every outstanding proposal.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]*Confirmation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]*Confirmation)}
}

// Put stores a copy of c.
func (m *MemoryStore) Put(_ context.Context, c *Confirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[c.ID]; ok {
		return fmt.Errorf("confirmation %s already exists", c.ID)
	}
	m.pending[c.ID] = clone(c)
	return nil
}

// Get returns a copy of the confirmation, marking it expired on access if
// past its TTL.
func (m *MemoryStore) Get(_ context.Context, id string) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Expired(time.Now().UTC()) {
		c.Status = StatusExpired
	}
	return clone(c), nil
}

// Claim implements Store.
func (m *MemoryStore) Claim(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status == StatusExecuted {
		return ErrAlreadyUsed
	}
	if c.Expired(now) {
		c.Status = StatusExpired
		return ErrExpired
	}
	used := now.UTC()
	c.Status = StatusExecuted
	c.UsedAt = &used
	return nil
}

// Purge implements Store.
func (m *MemoryStore) Purge(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-retention)
	n := 0
	for id, c := range m.pending {
		if c.Expired(now) {
			c.Status = StatusExpired
		}
		if c.Status != StatusPending && c.CreatedAt.Before(cutoff) {
			delete(m.pending, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored confirmations.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func clone(c *Confirmation) *Confirmation {
	cp := *c
	cp.Args = append([]string(nil), c.Args...)
	if c.UsedAt != nil {
		t := *c.UsedAt
		cp.UsedAt = &t
	}
	return &cp
}
