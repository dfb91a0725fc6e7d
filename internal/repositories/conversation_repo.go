package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wacore-labs/runtime/internal/models"
)

// ConversationRepo is the narrow capability the Window/Flow/Dispatcher
// engines depend on — never the full *gorm.DB.
type ConversationRepo interface {
	Get(ctx context.Context, organizationID, id uuid.UUID) (*models.Conversation, error)
	// GetByID looks up a conversation by primary key alone, for callers
	// like the Dispatcher that receive only a conversation_id and must
	// discover its organization before they can tenant-scope further
	// reads.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	// GetForUpdate locks the row FOR UPDATE for the duration of fn's
	// transaction, so window/flow mutations never race.
	GetForUpdate(ctx context.Context, organizationID, id uuid.UUID, fn func(tx *gorm.DB, conv *models.Conversation) error) error
	FindOpenByContact(ctx context.Context, organizationID, whatsappNumberID, contactID uuid.UUID) (*models.Conversation, error)
	Create(ctx context.Context, conv *models.Conversation) error
	Update(ctx context.Context, conv *models.Conversation) error
	ListOpenForSweep(ctx context.Context, batchSize int, cursor uuid.UUID) ([]models.Conversation, error)
}

type conversationRepo struct {
	db *gorm.DB
}

func NewConversationRepo(db *gorm.DB) ConversationRepo {
	return &conversationRepo{db: db}
}

func (r *conversationRepo) Get(ctx context.Context, organizationID, id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", organizationID, id).
		First(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (r *conversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		return nil, fmt.Errorf("get conversation by id: %w", err)
	}
	return &conv, nil
}

func (r *conversationRepo) GetForUpdate(ctx context.Context, organizationID, id uuid.UUID, fn func(tx *gorm.DB, conv *models.Conversation) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("organization_id = ? AND id = ?", organizationID, id).
			First(&conv).Error
		if err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}
		return fn(tx, &conv)
	})
}

func (r *conversationRepo) FindOpenByContact(ctx context.Context, organizationID, whatsappNumberID, contactID uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND whatsapp_number_id = ? AND contact_id = ? AND state != ?",
			organizationID, whatsappNumberID, contactID, models.ConversationClosed).
		Order("created_at DESC").
		First(&conv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	return &conv, nil
}

func (r *conversationRepo) Create(ctx context.Context, conv *models.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (r *conversationRepo) Update(ctx context.Context, conv *models.Conversation) error {
	if err := r.db.WithContext(ctx).Save(conv).Error; err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// ListOpenForSweep pages through non-closed conversations in id order,
// the cursor the Watchdog Scheduler uses to sweep in bounded batches
// rather than loading the whole table.
func (r *conversationRepo) ListOpenForSweep(ctx context.Context, batchSize int, cursor uuid.UUID) ([]models.Conversation, error) {
	var convs []models.Conversation
	q := r.db.WithContext(ctx).
		Where("state != ?", models.ConversationClosed).
		Order("id ASC").
		Limit(batchSize)
	if cursor != uuid.Nil {
		q = q.Where("id > ?", cursor)
	}
	if err := q.Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("list open conversations: %w", err)
	}
	return convs, nil
}
