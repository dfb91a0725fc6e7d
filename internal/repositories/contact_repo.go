package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wacore-labs/runtime/internal/models"
)

// ContactRepo resolves-or-creates the customer record behind an inbound
// phone number.
type ContactRepo interface {
	FindByPhone(ctx context.Context, organizationID uuid.UUID, phone string) (*models.Contact, error)
	Create(ctx context.Context, c *models.Contact) error
	FirstOrCreate(ctx context.Context, organizationID uuid.UUID, phone string) (*models.Contact, error)
}

type contactRepo struct {
	db *gorm.DB
}

func NewContactRepo(db *gorm.DB) ContactRepo {
	return &contactRepo{db: db}
}

func (r *contactRepo) FindByPhone(ctx context.Context, organizationID uuid.UUID, phone string) (*models.Contact, error) {
	var c models.Contact
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND phone = ?", organizationID, phone).
		First(&c).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("find contact: %w", err)
	}
	return &c, nil
}

func (r *contactRepo) Create(ctx context.Context, c *models.Contact) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create contact: %w", err)
	}
	return nil
}

// FirstOrCreate resolves a contact by phone, creating it on first
// contact. A unique index on (organization_id, phone) turns a lost race
// between two concurrent inbound webhooks into a duplicate-key error,
// which is handled by re-reading the now-existing row.
func (r *contactRepo) FirstOrCreate(ctx context.Context, organizationID uuid.UUID, phone string) (*models.Contact, error) {
	existing, err := r.FindByPhone(ctx, organizationID, phone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	c := &models.Contact{OrganizationID: organizationID, Phone: phone}
	if err := r.Create(ctx, c); err != nil {
		if existing, ferr := r.FindByPhone(ctx, organizationID, phone); ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return c, nil
}
