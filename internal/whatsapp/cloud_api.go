package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// CloudAPIProvider implements Provider against the official WhatsApp
// Cloud API (https://developers.facebook.com/docs/whatsapp/cloud-api).
type CloudAPIProvider struct {
	baseURL     string
	phoneID     string
	accessToken string
	apiVersion  string
	client      *http.Client
}

func NewCloudAPIProvider(phoneID, accessToken, apiVersion string) (*CloudAPIProvider, error) {
	if phoneID == "" {
		return nil, fmt.Errorf("phone_number_id is required")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("access_token is required")
	}
	if apiVersion == "" {
		apiVersion = "v18.0"
	}

	return &CloudAPIProvider{
		baseURL:     fmt.Sprintf("https://graph.facebook.com/%s/%s", apiVersion, phoneID),
		phoneID:     phoneID,
		accessToken: accessToken,
		apiVersion:  apiVersion,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *CloudAPIProvider) Connect(ctx context.Context) error {
	log.Printf("✅ WhatsApp Cloud API initialized (phone id: %s)", p.phoneID)
	return nil
}

func (p *CloudAPIProvider) Disconnect(ctx context.Context) {
	log.Printf("👋 WhatsApp Cloud API disconnected")
}

// SendMessage sends a text message via Cloud API and returns Meta's
// message id so the Dispatcher can correlate delivery-status webhooks.
func (p *CloudAPIProvider) SendMessage(ctx context.Context, to, message string) (string, error) {
	to = cleanPhoneNumber(to)

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text": map[string]string{
			"preview_url": "false",
			"body":        message,
		},
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := p.sendRequest(ctx, "POST", "/messages", payload, &result); err != nil {
		return "", err
	}
	if len(result.Messages) == 0 {
		return "", nil
	}
	return result.Messages[0].ID, nil
}

// StartTyping is a no-op: Cloud API has no typing-indicator endpoint.
func (p *CloudAPIProvider) StartTyping(ctx context.Context, to string) error {
	return nil
}

func (p *CloudAPIProvider) StopTyping(ctx context.Context, to string) error {
	return nil
}

// StartListening is unused for Cloud API — inbound delivery is
// webhook-driven, handled by the Inbound Processor's HTTP handler
// instead of a polling event loop.
func (p *CloudAPIProvider) StartListening(handler func(evt InboundEvent)) error {
	return fmt.Errorf("cloud api is webhook-driven, not polling")
}

// GenerateQR does not apply to the official channel.
func (p *CloudAPIProvider) GenerateQR(sessionID string) ([]byte, error) {
	return nil, fmt.Errorf("cloud api does not use qr pairing")
}

func (p *CloudAPIProvider) IsConnected() bool { return true }

func (p *CloudAPIProvider) GetProviderName() string { return "whatsapp-cloud-api" }

// MarkMessageAsRead marks an inbound message as read.
func (p *CloudAPIProvider) MarkMessageAsRead(ctx context.Context, messageID string) error {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	return p.sendRequest(ctx, "POST", "/messages", payload, nil)
}

func (p *CloudAPIProvider) sendRequest(ctx context.Context, method, endpoint string, payload interface{}, out interface{}) error {
	url := p.baseURL + endpoint

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloud api request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cloud api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode cloud api response: %w", err)
		}
	}
	return nil
}

func cleanPhoneNumber(phone string) string {
	return strings.TrimSuffix(phone, "@c.us")
}
