package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wacore-labs/runtime/internal/models"
)

// OrganizationRepo and WhatsAppNumberRepo round out the tenant-scoped
// lookups the Inbound Processor and Dispatcher need to resolve "whose
// number is this" and "what are this org's global variables".
type OrganizationRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

type organizationRepo struct {
	db *gorm.DB
}

func NewOrganizationRepo(db *gorm.DB) OrganizationRepo {
	return &organizationRepo{db: db}
}

func (r *organizationRepo) Get(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&org).Error; err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

type WhatsAppNumberRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*models.WhatsAppNumber, error)
	FindByDisplayPhone(ctx context.Context, phone string) (*models.WhatsAppNumber, error)
	Update(ctx context.Context, n *models.WhatsAppNumber) error
	// ListAll backs the provider registry's startup connect pass — every
	// WhatsAppNumber row gets its own long-lived adapter.
	ListAll(ctx context.Context) ([]models.WhatsAppNumber, error)
}

type whatsAppNumberRepo struct {
	db *gorm.DB
}

func NewWhatsAppNumberRepo(db *gorm.DB) WhatsAppNumberRepo {
	return &whatsAppNumberRepo{db: db}
}

func (r *whatsAppNumberRepo) Get(ctx context.Context, id uuid.UUID) (*models.WhatsAppNumber, error) {
	var n models.WhatsAppNumber
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, fmt.Errorf("get whatsapp number: %w", err)
	}
	return &n, nil
}

func (r *whatsAppNumberRepo) FindByDisplayPhone(ctx context.Context, phone string) (*models.WhatsAppNumber, error) {
	var n models.WhatsAppNumber
	if err := r.db.WithContext(ctx).Where("display_phone = ?", phone).First(&n).Error; err != nil {
		return nil, fmt.Errorf("find whatsapp number by phone: %w", err)
	}
	return &n, nil
}

func (r *whatsAppNumberRepo) Update(ctx context.Context, n *models.WhatsAppNumber) error {
	if err := r.db.WithContext(ctx).Save(n).Error; err != nil {
		return fmt.Errorf("update whatsapp number: %w", err)
	}
	return nil
}

func (r *whatsAppNumberRepo) ListAll(ctx context.Context) ([]models.WhatsAppNumber, error) {
	var numbers []models.WhatsAppNumber
	if err := r.db.WithContext(ctx).Find(&numbers).Error; err != nil {
		return nil, fmt.Errorf("list whatsapp numbers: %w", err)
	}
	return numbers, nil
}
