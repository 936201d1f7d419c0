package security

import (
	"context"
	"log/slog"
)

// StoreAuditor adapts an AuditStore to the Auditor interface.
type StoreAuditor struct {
	store  AuditStore
	logger *slog.Logger
}

// NewStoreAuditor creates a database-backed auditor.
func NewStoreAuditor(store AuditStore, logger *slog.Logger) *StoreAuditor {
	return &StoreAuditor{
		store:  store,
		logger: logger,
	}
}

// LogAction appends an audit event to the database.
func (a *StoreAuditor) LogAction(ctx context.Context, event AuditEvent) error {
	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to store audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
		return err
	}

	a.logger.DebugContext(ctx, "audit event stored",
		slog.String("action", event.Action),
		slog.String("command", event.Command),
		slog.String("result", event.Result),
		slog.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// Close is a no-op. The database connection is owned by the storage layer.
func (a *StoreAuditor) Close() error {
	return nil
}
