package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Organization is the tenant boundary. Every other row in the core is
// scoped to one organization_id.
type Organization struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name            string         `gorm:"not null" json:"name"`
	GlobalVariables datatypes.JSON `gorm:"type:jsonb" json:"global_variables"`
	// DefaultFlowID is the flow a brand-new conversation starts on; nil
	// means the organization has no automation configured yet and new
	// conversations sit untouched for a human agent.
	DefaultFlowID *uuid.UUID `gorm:"type:uuid" json:"default_flow_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Organization) TableName() string { return "organizations" }

func (o *Organization) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
