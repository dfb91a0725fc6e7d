package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/wacore-labs/runtime/internal/models"
)

// AdminActionRepo is the audit trail for the window-extend and other
// manual overrides that must be recorded.
type AdminActionRepo interface {
	Create(ctx context.Context, a *models.AdminAction) error
}

type adminActionRepo struct {
	db *gorm.DB
}

func NewAdminActionRepo(db *gorm.DB) AdminActionRepo {
	return &adminActionRepo{db: db}
}

func (r *adminActionRepo) Create(ctx context.Context, a *models.AdminAction) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create admin action: %w", err)
	}
	return nil
}
