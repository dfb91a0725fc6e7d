package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversationState tracks which engine currently owns the conversation.
type ConversationState string

const (
	ConversationRunning      ConversationState = "running"
	ConversationAwaitingUser ConversationState = "awaiting_user"
	ConversationHandedOff    ConversationState = "handed_off"
	// ConversationQueued is the watchdog's "transfer" terminal action: the
	// bot steps back and the conversation waits in a department queue,
	// distinct from ConversationHandedOff's explicit flow-node handoff.
	ConversationQueued ConversationState = "queued"
	ConversationClosed ConversationState = "closed"
)

// Conversation is one contact's thread against one WhatsApp number. The
// Flow Engine, Inbound Processor and Watchdog Scheduler load it and save
// it back with plain Update calls; ConversationRepo.GetForUpdate offers a
// row-locked load, but no component calls it. The Window Engine's
// compare-and-set state lives on ConversationWindow, not on this row.
type Conversation struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID   uuid.UUID         `gorm:"type:uuid;not null;index" json:"organization_id"`
	WhatsAppNumberID uuid.UUID         `gorm:"type:uuid;not null;index" json:"whatsapp_number_id"`
	ContactID        uuid.UUID         `gorm:"type:uuid;not null;index" json:"contact_id"`

	State         ConversationState `gorm:"not null;default:running" json:"state"`
	IsBotActive   bool              `gorm:"not null;default:true" json:"is_bot_active"`
	Department    string            `json:"department,omitempty"`
	QueueID       *uuid.UUID        `gorm:"type:uuid" json:"queue_id,omitempty"`
	CurrentFlowID *uuid.UUID        `gorm:"type:uuid" json:"current_flow_id,omitempty"`
	CurrentNodeID string            `json:"current_node_id,omitempty"`
	Variables     datatypes.JSON    `gorm:"type:jsonb" json:"variables"`

	LastUserMessageAt       *time.Time `json:"last_user_message_at,omitempty"`
	WindowExpiresAt         *time.Time `json:"window_expires_at,omitempty"`
	LastInactivityWarningAt *time.Time `json:"last_inactivity_warning_at,omitempty"`
	LastInactivityNudgeAt   *time.Time `json:"last_inactivity_nudge_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
