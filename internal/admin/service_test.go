package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wacore-labs/runtime/internal/models"
)

type fakeWindowExtender struct {
	lastConversationID uuid.UUID
	lastExtension       time.Duration
	err                 error
}

func (f *fakeWindowExtender) Extend(_ context.Context, conversationID uuid.UUID, extension time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.lastConversationID = conversationID
	f.lastExtension = extension
	return nil
}

type fakeAdminActionRepo struct {
	created []models.AdminAction
}

func (f *fakeAdminActionRepo) Create(_ context.Context, a *models.AdminAction) error {
	f.created = append(f.created, *a)
	return nil
}

func TestExtendWindowRecordsAuditEntry(t *testing.T) {
	extender := &fakeWindowExtender{}
	audit := &fakeAdminActionRepo{}
	svc := NewService(extender, audit)

	orgID, convID := uuid.New(), uuid.New()
	err := svc.ExtendWindow(context.Background(), orgID, convID, "agent-42", 4*time.Hour)
	require.NoError(t, err)

	require.Equal(t, convID, extender.lastConversationID)
	require.Equal(t, 4*time.Hour, extender.lastExtension)

	require.Len(t, audit.created, 1)
	entry := audit.created[0]
	require.Equal(t, orgID, entry.OrganizationID)
	require.Equal(t, convID, entry.ConversationID)
	require.Equal(t, "agent-42", entry.ActorID)
	require.Equal(t, "window_extend", entry.Action)
	require.Contains(t, string(entry.Detail), "240")
}

func TestExtendWindowDoesNotAuditOnExtendFailure(t *testing.T) {
	extender := &fakeWindowExtender{err: errors.New("boom")}
	audit := &fakeAdminActionRepo{}
	svc := NewService(extender, audit)

	err := svc.ExtendWindow(context.Background(), uuid.New(), uuid.New(), "agent-1", time.Hour)
	require.Error(t, err)
	require.Empty(t, audit.created)
}
