// Package whatsapp abstracts the two channels a WhatsAppNumber can be
// connected over: the official Cloud API (HTTP) and the QR-code/whatsmeow
// channel, behind one Provider interface.
package whatsapp

import (
	"context"
	"fmt"
)

// Provider is the capability the Dispatcher and Inbound Processor depend
// on — never a concrete *CloudAPIProvider or *WhatsmeowProvider.
type Provider interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	SendMessage(ctx context.Context, to, message string) (providerMessageID string, err error)
	StartListening(handler func(evt InboundEvent)) error
	GenerateQR(sessionID string) ([]byte, error)
	IsConnected() bool
	StartTyping(ctx context.Context, to string) error
	StopTyping(ctx context.Context, to string) error
	GetProviderName() string
}

// InboundEvent is the channel-agnostic shape StartListening delivers to
// the Inbound Processor — both the whatsmeow event handler and the Cloud
// API webhook decoder normalize into this.
type InboundEvent struct {
	From              string
	Body              string
	ProviderMessageID string
}

// Type distinguishes the two channels, mirroring
// models.ConnectionType so the adapter layer and the persistence layer
// agree on vocabulary.
type Type string

const (
	TypeOfficial Type = "official"
	TypeQRCode   Type = "qrcode"
)

// Config configures whichever provider Type is selected.
type Config struct {
	Type Type

	// Official (Cloud API)
	PhoneNumberID string
	AccessToken   string
	APIVersion    string

	// QR-code (whatsmeow)
	StoreURL  string
	SessionID string
}

// NewProvider is the adapter factory, switching on Type to build
// whichever of the two channels Config names.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Type {
	case TypeOfficial:
		return NewCloudAPIProvider(cfg.PhoneNumberID, cfg.AccessToken, cfg.APIVersion)
	case TypeQRCode:
		return NewWhatsmeowProvider(cfg.StoreURL, cfg.SessionID)
	default:
		return nil, fmt.Errorf("unknown whatsapp provider type: %s", cfg.Type)
	}
}
