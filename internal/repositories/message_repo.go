package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wacore-labs/runtime/internal/models"
)

// MessageRepo is the Outbound Dispatcher's and Inbound Processor's
// persistence capability for messages.
type MessageRepo interface {
	Create(ctx context.Context, m *models.Message) error
	Update(ctx context.Context, m *models.Message) error
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Message, error)
	ListDueForRetry(ctx context.Context, now time.Time, batchSize int) ([]models.Message, error)
	ListPending(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
	// ClaimNext locks and returns one ready-to-send message: pending with
	// no scheduled retry, or pending with an elapsed NextRetryAt.
	// MessageFailed is terminal and is never reclaimed. Skips rows
	// already locked by another dispatcher worker via SELECT ... FOR
	// UPDATE SKIP LOCKED.
	ClaimNext(ctx context.Context, now time.Time) (*models.Message, error)
}

type messageRepo struct {
	db *gorm.DB
}

func NewMessageRepo(db *gorm.DB) MessageRepo {
	return &messageRepo{db: db}
}

func (r *messageRepo) Create(ctx context.Context, m *models.Message) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (r *messageRepo) Update(ctx context.Context, m *models.Message) error {
	if err := r.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// GetByIdempotencyKey finds a message by its idempotency key. The Inbound
// Processor's dedupe check does not call it; that check reads a marker in
// the ephemeral store. gorm.ErrRecordNotFound is translated to a nil, nil "not seen yet"
// result.
func (r *messageRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Message, error) {
	var m models.Message
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get message by idempotency key: %w", err)
	}
	return &m, nil
}

func (r *messageRepo) ListDueForRetry(ctx context.Context, now time.Time, batchSize int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.MessagePending, now).
		Order("next_retry_at ASC").
		Limit(batchSize).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list retryable messages: %w", err)
	}
	return msgs, nil
}

func (r *messageRepo) ClaimNext(ctx context.Context, now time.Time) (*models.Message, error) {
	var claimed *models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.Message
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.MessagePending, now).
			Order("created_at ASC").
			First(&m).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		claimed = &m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next message: %w", err)
	}
	return claimed, nil
}

func (r *messageRepo) ListPending(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, models.MessagePending).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	return msgs, nil
}
