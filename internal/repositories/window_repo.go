package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wacore-labs/runtime/internal/models"
)

// WindowRepo is the Window Engine's persistence capability. Every mutation
// goes through CompareAndSwap — never a bare Save — so concurrent
// operations on the same conversation never clobber each other silently.
type WindowRepo interface {
	Get(ctx context.Context, conversationID uuid.UUID) (*models.ConversationWindow, error)
	Create(ctx context.Context, w *models.ConversationWindow) error
	// CompareAndSwap updates w only if the stored version still matches
	// w.Version, then increments it. Returns false (no error) on a lost
	// race so the caller can reload and retry.
	CompareAndSwap(ctx context.Context, w *models.ConversationWindow) (bool, error)
	ListExpiring(ctx context.Context, before interface{}, batchSize int) ([]models.ConversationWindow, error)
}

type windowRepo struct {
	db *gorm.DB
}

func NewWindowRepo(db *gorm.DB) WindowRepo {
	return &windowRepo{db: db}
}

func (r *windowRepo) Get(ctx context.Context, conversationID uuid.UUID) (*models.ConversationWindow, error) {
	var w models.ConversationWindow
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&w).Error
	if err != nil {
		return nil, fmt.Errorf("get window: %w", err)
	}
	return &w, nil
}

func (r *windowRepo) Create(ctx context.Context, w *models.ConversationWindow) error {
	if err := r.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("create window: %w", err)
	}
	return nil
}

func (r *windowRepo) CompareAndSwap(ctx context.Context, w *models.ConversationWindow) (bool, error) {
	expectedVersion := w.Version
	w.Version = expectedVersion + 1
	res := r.db.WithContext(ctx).
		Model(&models.ConversationWindow{}).
		Where("conversation_id = ? AND version = ?", w.ConversationID, expectedVersion).
		Updates(map[string]interface{}{
			"status":            w.Status,
			"opened_at":         w.OpenedAt,
			"expires_at":        w.ExpiresAt,
			"extended_by_admin": w.ExtendedByAdmin,
			"version":           w.Version,
		})
	if res.Error != nil {
		w.Version = expectedVersion
		return false, fmt.Errorf("compare-and-swap window: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		w.Version = expectedVersion
		return false, nil
	}
	return true, nil
}

func (r *windowRepo) ListExpiring(ctx context.Context, before interface{}, batchSize int) ([]models.ConversationWindow, error) {
	var windows []models.ConversationWindow
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.WindowOpen, before).
		Limit(batchSize).
		Find(&windows).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring windows: %w", err)
	}
	return windows, nil
}
