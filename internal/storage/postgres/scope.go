package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/gitguard/internal/security"
)

// AuditFilter returns a GORM scope applying the non-empty fields of q.
func AuditFilter(q security.AuditQuery) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if q.Root != "" {
			db = db.Where("root = ?", q.Root)
		}
		if q.Command != "" {
			db = db.Where("command = ?", q.Command)
		}
		if q.Result != "" {
			db = db.Where("result = ?", q.Result)
		}
		if !q.Since.IsZero() {
			db = db.Where("created_at >= ?", q.Since.UTC())
		}
		return db
	}
}
