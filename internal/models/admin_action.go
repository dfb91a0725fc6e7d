package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AdminAction records a manual override against a conversation — the
// window-extend escape hatch (action "window_extend") carved out of the
// otherwise fully automated control flow.
type AdminAction struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"organization_id"`
	ConversationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"conversation_id"`
	ActorID        string         `gorm:"not null" json:"actor_id"`
	Action         string         `gorm:"not null" json:"action"`
	Detail         datatypes.JSON `gorm:"type:jsonb" json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (AdminAction) TableName() string { return "admin_actions" }

func (a *AdminAction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
