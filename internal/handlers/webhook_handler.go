package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/wacore-labs/runtime/internal/inbound"
	"github.com/wacore-labs/runtime/internal/tenant"
)

// Processor is the Inbound Processor capability the webhook handler
// feeds every normalized event into.
type Processor interface {
	Handle(ctx context.Context, evt inbound.Event) error
}

// cloudAPIPayload is the WhatsApp Cloud API webhook envelope
// (https://developers.facebook.com/docs/whatsapp/cloud-api/webhooks).
type cloudAPIPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// WebhookHandler receives the official Cloud API channel's inbound
// webhook deliveries; the QR-code channel has no webhook of its own —
// whatsmeow's own event loop feeds the same Inbound Processor directly
// (see internal/gateway.Registry).
type WebhookHandler struct {
	tenantResolver *tenant.Resolver
	processor      Processor
	appSecret      string
	verifyToken    string
}

func NewWebhookHandler(tenantResolver *tenant.Resolver, processor Processor, appSecret, verifyToken string) *WebhookHandler {
	return &WebhookHandler{
		tenantResolver: tenantResolver,
		processor:      processor,
		appSecret:      appSecret,
		verifyToken:    verifyToken,
	}
}

// VerifySubscription answers Meta's GET /webhook handshake
// (hub.mode=subscribe&hub.verify_token=...&hub.challenge=...).
func (h *WebhookHandler) VerifySubscription(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Write([]byte(q.Get("hub.challenge")))
}

// ReceiveWebhook handles POST /webhook deliveries from the Cloud API.
func (h *WebhookHandler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if h.appSecret != "" && !h.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		log.Printf("⚠️ webhook: rejected delivery with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload cloudAPIPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Printf("❌ webhook: failed to parse payload: %v", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			displayPhone := change.Value.Metadata.DisplayPhoneNumber
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" {
					log.Printf("⏭️ webhook: skipping non-text message type %q from %s", msg.Type, msg.From)
					continue
				}
				go h.dispatch(displayPhone, msg.From, msg.Text.Body, msg.ID)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "received"})
}

func (h *WebhookHandler) dispatch(displayPhone, from, body, providerMessageID string) {
	ctx := context.Background()
	tenantCtx, err := h.tenantResolver.ResolveFromDisplayPhone(ctx, displayPhone)
	if err != nil {
		log.Printf("❌ webhook: failed to resolve tenant for display phone %s: %v", displayPhone, err)
		return
	}

	evt := inbound.Event{
		WhatsAppNumberID:  tenantCtx.WhatsAppNumberID,
		FromPhone:         from,
		Body:              body,
		ProviderMessageID: providerMessageID,
	}
	if err := h.processor.Handle(ctx, evt); err != nil {
		log.Printf("❌ webhook: inbound processing failed for %s: %v", from, err)
	}
}

func (h *WebhookHandler) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	expected, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
