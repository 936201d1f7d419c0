package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationID string    `gorm:"index"`
	UserID        string
	Action        string `gorm:"not null"`
	Root          string `gorm:"index"`
	Command       string `gorm:"index"`
	Args          JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	Class         string
	Risk          string
	Parameters    JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Result        string `gorm:"not null;index"`
	ExitCode      *int
	DurationMS    int64
	Truncated     bool
	Error         string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// ConfirmationModel maps to the "confirmations" table.
type ConfirmationModel struct {
	ID            string `gorm:"primaryKey"`
	Root          string `gorm:"not null;index"`
	Command       string `gorm:"not null"`
	Args          JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	Class         string `gorm:"not null"`
	Risk          string `gorm:"not null"`
	Reason        string
	CommandHash   string `gorm:"not null"`
	CallerID      string
	Preconditions JSONB `gorm:"type:jsonb;not null;default:'{}'"`
	Status        int16 `gorm:"not null;default:0;index"`
	CreatedAt     time.Time
	ExpiresAt     time.Time `gorm:"index"`
	UsedAt        *time.Time
}

func (ConfirmationModel) TableName() string { return "confirmations" }

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite stores the same value as TEXT.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// allModels lists every table in creation order.
func allModels() []any {
	return []any{
		&AuditEventModel{},
		&ConfirmationModel{},
	}
}
