package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WindowStatus is the lifecycle of a conversation's 24-hour customer
// service window.
type WindowStatus string

const (
	WindowOpen    WindowStatus = "open"
	WindowExpired WindowStatus = "expired"
)

// ConversationWindow tracks one conversation's free-messaging window.
// Version is the optimistic-concurrency token: every mutating operation
// is a compare-and-set on (conversation_id, version), never a bare
// read-then-write.
type ConversationWindow struct {
	ConversationID uuid.UUID    `gorm:"type:uuid;primaryKey" json:"conversation_id"`
	Status         WindowStatus `gorm:"not null" json:"status"`
	OpenedAt       time.Time    `json:"opened_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	ExtendedByAdmin bool        `gorm:"not null;default:false" json:"extended_by_admin"`
	Version        int64        `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ConversationWindow) TableName() string { return "conversation_windows" }

func (w *ConversationWindow) BeforeCreate(tx *gorm.DB) error {
	if w.Status == "" {
		w.Status = WindowOpen
	}
	return nil
}
