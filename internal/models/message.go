package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

type SenderType string

const (
	SenderContact SenderType = "contact"
	SenderBot     SenderType = "bot"
	SenderAgent   SenderType = "agent"
	SenderSystem  SenderType = "system"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Message is one inbound or outbound WhatsApp message, carrying the
// retry bookkeeping the Outbound Dispatcher needs.
type Message struct {
	ID             uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID uuid.UUID        `gorm:"type:uuid;not null;index" json:"organization_id"`
	ConversationID uuid.UUID        `gorm:"type:uuid;not null;index" json:"conversation_id"`

	Direction  MessageDirection `gorm:"not null" json:"direction"`
	SenderType SenderType       `gorm:"not null" json:"sender_type"`
	Status     MessageStatus    `gorm:"not null;default:pending" json:"status"`

	Body    string         `json:"body"`
	Payload datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`

	ProviderMessageID string `json:"provider_message_id,omitempty"`
	IdempotencyKey    string `gorm:"index" json:"idempotency_key,omitempty"`

	RetryCount  int        `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
