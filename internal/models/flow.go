package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Flow is a named graph of Nodes an organization can run against a
// conversation.
type Flow struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"organization_id"`
	Name           string         `gorm:"not null" json:"name"`
	StartNodeID    string         `gorm:"not null" json:"start_node_id"`
	Variables      datatypes.JSON `gorm:"type:jsonb" json:"variables"`

	// InactivitySettings / WindowExpirySettings are read by the Watchdog
	// Scheduler when sweeping a conversation currently running this flow —
	// e.g. {"timeout_minutes":15,"warning_message":"Still there? ..."} and
	// {"message":"Your window has closed."} respectively.
	InactivitySettings   datatypes.JSON `gorm:"type:jsonb" json:"inactivity_settings,omitempty"`
	WindowExpirySettings datatypes.JSON `gorm:"type:jsonb" json:"window_expiry_settings,omitempty"`

	FallbackFlowID *uuid.UUID `gorm:"type:uuid" json:"fallback_flow_id,omitempty"`
	Active         bool       `gorm:"not null;default:true" json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Flow) TableName() string { return "flows" }

func (f *Flow) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// Node is one step in a Flow's graph. Type-specific configuration lives
// in Config as JSON rather than as a sum of nullable columns.
type Node struct {
	ID     string         `gorm:"primaryKey" json:"id"`
	FlowID uuid.UUID      `gorm:"type:uuid;primaryKey;index" json:"flow_id"`
	Type   string         `gorm:"not null" json:"type"`
	Config datatypes.JSON `gorm:"type:jsonb" json:"config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Node) TableName() string { return "nodes" }
