package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConnectionType distinguishes the two WhatsApp channels the adapter
// abstracts over.
type ConnectionType string

const (
	ConnectionOfficial ConnectionType = "official"
	ConnectionQRCode   ConnectionType = "qrcode"
)

// WhatsAppNumber is one organization's sending identity on one channel.
type WhatsAppNumber struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"organization_id"`
	DisplayPhone   string         `gorm:"not null" json:"display_phone"`
	ConnectionType ConnectionType `gorm:"not null" json:"connection_type"`
	// PhoneNumberID / AccessToken for the official channel; SessionID for
	// the QR-code channel. Stored together since only one set is ever
	// populated per row.
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	AccessToken   string `json:"-"`
	SessionID     string `json:"session_id,omitempty"`
	Connected     bool   `gorm:"not null;default:false" json:"connected"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WhatsAppNumber) TableName() string { return "whatsapp_numbers" }

func (n *WhatsAppNumber) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}
