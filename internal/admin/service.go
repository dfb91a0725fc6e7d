// Package admin implements the manual-override escape hatches of an
// otherwise fully automated control flow: extending a conversation's
// window past its normal 24h expiry, always persisted as an audited
// AdminAction.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/wacore-labs/runtime/internal/models"
	"github.com/wacore-labs/runtime/internal/repositories"
)

// WindowExtender is the Window Engine capability this service wraps.
type WindowExtender interface {
	Extend(ctx context.Context, conversationID uuid.UUID, extension time.Duration) error
}

type Service struct {
	window WindowExtender
	audit  repositories.AdminActionRepo
}

func NewService(window WindowExtender, audit repositories.AdminActionRepo) *Service {
	return &Service{window: window, audit: audit}
}

// ExtendWindow applies the admin override and records who did it and by
// how much, since every manual override must be audited.
func (s *Service) ExtendWindow(ctx context.Context, organizationID, conversationID uuid.UUID, actorID string, extension time.Duration) error {
	if err := s.window.Extend(ctx, conversationID, extension); err != nil {
		return fmt.Errorf("admin extend window: %w", err)
	}

	detail, err := json.Marshal(map[string]interface{}{
		"extension_minutes": int(extension.Minutes()),
	})
	if err != nil {
		return fmt.Errorf("marshal admin-action detail: %w", err)
	}

	action := &models.AdminAction{
		OrganizationID: organizationID,
		ConversationID: conversationID,
		ActorID:        actorID,
		Action:         "window_extend",
		Detail:         datatypes.JSON(detail),
	}
	if err := s.audit.Create(ctx, action); err != nil {
		return fmt.Errorf("record window-extend audit: %w", err)
	}
	return nil
}
