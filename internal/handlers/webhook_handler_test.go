package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wacore-labs/runtime/internal/inbound"
	"github.com/wacore-labs/runtime/internal/models"
	"github.com/wacore-labs/runtime/internal/tenant"
)

// fakeNumberRepo is an in-memory repositories.WhatsAppNumberRepo, keyed
// by display phone so the tenant resolver can look numbers up the same
// way it would against the database.
type fakeNumberRepo struct {
	byPhone map[string]*models.WhatsAppNumber
	byID    map[uuid.UUID]*models.WhatsAppNumber
}

func newFakeNumberRepo(numbers ...*models.WhatsAppNumber) *fakeNumberRepo {
	r := &fakeNumberRepo{byPhone: make(map[string]*models.WhatsAppNumber), byID: make(map[uuid.UUID]*models.WhatsAppNumber)}
	for _, n := range numbers {
		r.byPhone[n.DisplayPhone] = n
		r.byID[n.ID] = n
	}
	return r
}

func (r *fakeNumberRepo) Get(_ context.Context, id uuid.UUID) (*models.WhatsAppNumber, error) {
	n, ok := r.byID[id]
	if !ok {
		return nil, errors.New("number not found")
	}
	return n, nil
}
func (r *fakeNumberRepo) FindByDisplayPhone(_ context.Context, phone string) (*models.WhatsAppNumber, error) {
	n, ok := r.byPhone[phone]
	if !ok {
		return nil, errors.New("number not found")
	}
	return n, nil
}
func (r *fakeNumberRepo) Update(_ context.Context, n *models.WhatsAppNumber) error {
	r.byID[n.ID] = n
	return nil
}
func (r *fakeNumberRepo) ListAll(_ context.Context) ([]models.WhatsAppNumber, error) {
	var out []models.WhatsAppNumber
	for _, n := range r.byID {
		out = append(out, *n)
	}
	return out, nil
}

type fakeProcessor struct {
	mu      sync.Mutex
	handled []inbound.Event
}

func (f *fakeProcessor) Handle(_ context.Context, evt inbound.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, evt)
	return nil
}

func (f *fakeProcessor) events() []inbound.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]inbound.Event, len(f.handled))
	copy(out, f.handled)
	return out
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySubscriptionEchoesChallengeOnMatchingToken(t *testing.T) {
	h := NewWebhookHandler(tenant.NewResolver(newFakeNumberRepo()), &fakeProcessor{}, "", "my-verify-token")

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=my-verify-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()

	h.VerifySubscription(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "12345", rec.Body.String())
}

func TestVerifySubscriptionRejectsWrongToken(t *testing.T) {
	h := NewWebhookHandler(tenant.NewResolver(newFakeNumberRepo()), &fakeProcessor{}, "", "my-verify-token")

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()

	h.VerifySubscription(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func textMessagePayload(displayPhone, from, body, msgID string) []byte {
	payload := map[string]interface{}{
		"entry": []map[string]interface{}{
			{
				"changes": []map[string]interface{}{
					{
						"value": map[string]interface{}{
							"metadata": map[string]interface{}{
								"display_phone_number": displayPhone,
							},
							"messages": []map[string]interface{}{
								{
									"id":   msgID,
									"from": from,
									"type": "text",
									"text": map[string]interface{}{"body": body},
								},
							},
						},
					},
				},
			},
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

func TestReceiveWebhookDispatchesTextMessageToProcessor(t *testing.T) {
	numberID := uuid.New()
	orgID := uuid.New()
	numbers := newFakeNumberRepo(&models.WhatsAppNumber{ID: numberID, OrganizationID: orgID, DisplayPhone: "15550001111"})
	processor := &fakeProcessor{}
	h := NewWebhookHandler(tenant.NewResolver(numbers), processor, "", "")

	body := textMessagePayload("15550001111", "15551234567", "hello there", "wamid.abc")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ReceiveWebhook(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return len(processor.events()) == 1 }, time.Second, 5*time.Millisecond)
	evt := processor.events()[0]
	require.Equal(t, numberID, evt.WhatsAppNumberID)
	require.Equal(t, "15551234567", evt.FromPhone)
	require.Equal(t, "hello there", evt.Body)
	require.Equal(t, "wamid.abc", evt.ProviderMessageID)
}

func TestReceiveWebhookSkipsNonTextMessages(t *testing.T) {
	numbers := newFakeNumberRepo(&models.WhatsAppNumber{ID: uuid.New(), DisplayPhone: "15550001111"})
	processor := &fakeProcessor{}
	h := NewWebhookHandler(tenant.NewResolver(numbers), processor, "", "")

	payload := map[string]interface{}{
		"entry": []map[string]interface{}{
			{
				"changes": []map[string]interface{}{
					{
						"value": map[string]interface{}{
							"metadata": map[string]interface{}{"display_phone_number": "15550001111"},
							"messages": []map[string]interface{}{
								{"id": "1", "from": "1555", "type": "image"},
							},
						},
					},
				},
			},
		},
	}
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(b))
	rec := httptest.NewRecorder()

	h.ReceiveWebhook(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, processor.events())
}

func TestReceiveWebhookRejectsInvalidSignature(t *testing.T) {
	numbers := newFakeNumberRepo(&models.WhatsAppNumber{ID: uuid.New(), DisplayPhone: "15550001111"})
	processor := &fakeProcessor{}
	h := NewWebhookHandler(tenant.NewResolver(numbers), processor, "top-secret", "")

	body := textMessagePayload("15550001111", "15551234567", "hi", "wamid.1")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString([]byte("wrong")))
	rec := httptest.NewRecorder()

	h.ReceiveWebhook(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, processor.events())
}

func TestReceiveWebhookAcceptsValidSignature(t *testing.T) {
	numberID := uuid.New()
	numbers := newFakeNumberRepo(&models.WhatsAppNumber{ID: numberID, DisplayPhone: "15550001111"})
	processor := &fakeProcessor{}
	h := NewWebhookHandler(tenant.NewResolver(numbers), processor, "top-secret", "")

	body := textMessagePayload("15550001111", "15551234567", "hi", "wamid.2")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signBody("top-secret", body))
	rec := httptest.NewRecorder()

	h.ReceiveWebhook(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return len(processor.events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReceiveWebhookRejectsMalformedJSON(t *testing.T) {
	numbers := newFakeNumberRepo()
	h := NewWebhookHandler(tenant.NewResolver(numbers), &fakeProcessor{}, "", "")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	h.ReceiveWebhook(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
