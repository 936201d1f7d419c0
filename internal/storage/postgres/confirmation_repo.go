package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/gitguard/internal/approval"
)

// ConfirmationRepository implements approval.Store with GORM.
type ConfirmationRepository struct {
	db *gorm.DB
}

// NewConfirmationRepository creates a ConfirmationRepository.
func NewConfirmationRepository(db *gorm.DB) *ConfirmationRepository {
	return &ConfirmationRepository{db: db}
}

// Put persists a new pending confirmation.
func (r *ConfirmationRepository) Put(ctx context.Context, c *approval.Confirmation) error {
	model := toConfirmationModel(c)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating confirmation: %w", err)
	}
	return nil
}

// Get retrieves a confirmation by ID, marking it expired if past ExpiresAt.
func (r *ConfirmationRepository) Get(ctx context.Context, id string) (*approval.Confirmation, error) {
	var model ConfirmationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting confirmation: %w", err)
	}

	// Mark as expired on access if past TTL.
	if model.Status == int16(approval.StatusPending) && time.Now().UTC().After(model.ExpiresAt) {
		r.db.WithContext(ctx).Model(&model).Update("status", int16(approval.StatusExpired))
		model.Status = int16(approval.StatusExpired)
	}

	return toConfirmationDomain(&model), nil
}

// Claim moves a pending, unexpired confirmation to Executed with a single
// conditional UPDATE, so concurrent claims cannot both succeed.
func (r *ConfirmationRepository) Claim(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	res := r.db.WithContext(ctx).
		Model(&ConfirmationModel{}).
		Where("id = ? AND status = ? AND expires_at >= ?", id, int16(approval.StatusPending), now).
		Updates(map[string]any{
			"status":  int16(approval.StatusExecuted),
			"used_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("claiming confirmation: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var model ConfirmationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return approval.ErrNotFound
		}
		return fmt.Errorf("getting confirmation: %w", err)
	}
	if model.Status == int16(approval.StatusExecuted) {
		return approval.ErrAlreadyUsed
	}
	if model.Status == int16(approval.StatusPending) {
		r.db.WithContext(ctx).Model(&model).Update("status", int16(approval.StatusExpired))
	}
	return approval.ErrExpired
}

// Purge expires stale pending rows and deletes finished rows created before
// now-retention.
func (r *ConfirmationRepository) Purge(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	now = now.UTC()
	err := r.db.WithContext(ctx).
		Model(&ConfirmationModel{}).
		Where("status = ? AND expires_at < ?", int16(approval.StatusPending), now).
		Update("status", int16(approval.StatusExpired)).Error
	if err != nil {
		return 0, fmt.Errorf("expiring confirmations: %w", err)
	}

	res := r.db.WithContext(ctx).
		Where("status != ? AND created_at < ?", int16(approval.StatusPending), now.Add(-retention)).
		Delete(&ConfirmationModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting finished confirmations: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
