package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/tenant"
)

// WindowExtender is the Admin Override Service capability this handler
// exposes over HTTP.
type WindowExtender interface {
	ExtendWindow(ctx context.Context, organizationID, conversationID uuid.UUID, actorID string, extension time.Duration) error
}

// AdminHandler exposes the one manual override allowed outside the
// automated control flow: extending a conversation's window.
type AdminHandler struct {
	admin          WindowExtender
	tenantResolver *tenant.Resolver
}

func NewAdminHandler(admin WindowExtender, tenantResolver *tenant.Resolver) *AdminHandler {
	return &AdminHandler{admin: admin, tenantResolver: tenantResolver}
}

type extendWindowRequest struct {
	ConversationID   string `json:"conversation_id"`
	WhatsAppNumberID string `json:"whatsapp_number_id"`
	ActorID          string `json:"actor_id"`
	Hours            int    `json:"hours"`
}

// ExtendWindow handles POST /admin/windows/extend.
func (h *AdminHandler) ExtendWindow(w http.ResponseWriter, r *http.Request) {
	var req extendWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		http.Error(w, "invalid conversation_id", http.StatusBadRequest)
		return
	}
	numberID, err := uuid.Parse(req.WhatsAppNumberID)
	if err != nil {
		http.Error(w, "invalid whatsapp_number_id", http.StatusBadRequest)
		return
	}
	if req.Hours <= 0 {
		http.Error(w, "hours must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tenantCtx, err := h.tenantResolver.ResolveFromNumberID(ctx, numberID)
	if err != nil {
		http.Error(w, "failed to resolve organization", http.StatusBadRequest)
		return
	}

	err = h.admin.ExtendWindow(ctx, tenantCtx.OrganizationID, conversationID, req.ActorID, time.Duration(req.Hours)*time.Hour)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "extended"})
}
