// Package storage defines the unified Store interface that abstracts all persistence operations.
// Three backends are provided: SQLite (default, zero-config), PostgreSQL (shared deployments)
// and an in-memory store for tests and ephemeral runs.
package storage

import (
	"context"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/security"
)

// Store is the unified persistence interface for gitguard.
type Store interface {
	// Audit returns the append-only audit event store.
	Audit() security.AuditStore
	// Confirmations returns the store backing the propose/confirm flow.
	Confirmations() approval.Store

	// Lifecycle.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite", "postgres" or "memory").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory is the in-memory driver name.
const DriverMemory = "memory"
