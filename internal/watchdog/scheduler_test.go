package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/wacore-labs/runtime/internal/clock"
	"github.com/wacore-labs/runtime/internal/models"
)

// --- fakes ---

type fakeConversationRepo struct {
	conversations []models.Conversation
	updated       []models.Conversation
}

func (f *fakeConversationRepo) ListOpenForSweep(_ context.Context, batchSize int, cursor uuid.UUID) ([]models.Conversation, error) {
	var out []models.Conversation
	for _, c := range f.conversations {
		if cursor != uuid.Nil && c.ID.String() <= cursor.String() {
			continue
		}
		out = append(out, c)
		if len(out) == batchSize {
			break
		}
	}
	return out, nil
}

func (f *fakeConversationRepo) Update(_ context.Context, conv *models.Conversation) error {
	f.updated = append(f.updated, *conv)
	return nil
}

func (f *fakeConversationRepo) Get(_ context.Context, _, _ uuid.UUID) (*models.Conversation, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConversationRepo) GetByID(_ context.Context, _ uuid.UUID) (*models.Conversation, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConversationRepo) GetForUpdate(_ context.Context, _, _ uuid.UUID, _ func(tx *gorm.DB, conv *models.Conversation) error) error {
	return errors.New("not implemented")
}

func (f *fakeConversationRepo) FindOpenByContact(_ context.Context, _, _, _ uuid.UUID) (*models.Conversation, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConversationRepo) Create(_ context.Context, _ *models.Conversation) error {
	return errors.New("not implemented")
}

type fakeFlowRepo struct {
	flow *models.Flow
}

func (f *fakeFlowRepo) GetFlow(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.Flow, error) {
	if f.flow == nil {
		return nil, errors.New("flow not found")
	}
	return f.flow, nil
}

func (f *fakeFlowRepo) GetNode(_ context.Context, _ uuid.UUID, _ string) (*models.Node, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeFlowRepo) ListNodes(_ context.Context, _ uuid.UUID) ([]models.Node, error) {
	return nil, errors.New("not implemented")
}

type fakeWindowCloser struct {
	transitioned map[uuid.UUID]bool
}

func (f *fakeWindowCloser) CloseExpired(_ context.Context, conversationID uuid.UUID) (bool, error) {
	return f.transitioned[conversationID], nil
}

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Enqueue(_ context.Context, _ uuid.UUID, body string) error {
	f.sent = append(f.sent, body)
	return nil
}

func TestSweepOneNudgesInactiveConversation(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	lastMsg := now.Add(-30 * time.Minute)

	conv := models.Conversation{
		ID:                uuid.New(),
		OrganizationID:    uuid.New(),
		State:             models.ConversationRunning,
		IsBotActive:       true,
		LastUserMessageAt: &lastMsg,
	}

	convRepo := &fakeConversationRepo{}
	sender := &fakeSender{}
	s := &Scheduler{
		conversations:     convRepo,
		flows:             &fakeFlowRepo{},
		window:            &fakeWindowCloser{},
		sender:            sender,
		clock:             clk,
		defaultInactivity: 15 * time.Minute,
		batchSize:         200,
	}

	s.sweepOne(context.Background(), &conv)

	require.Len(t, sender.sent, 1, "expected one inactivity nudge")
	require.Len(t, convRepo.updated, 1, "expected LastInactivityNudgeAt to be persisted once")
}

func TestSweepOneSkipsNudgeWhenAlreadySentSinceLastMessage(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	lastMsg := now.Add(-30 * time.Minute)
	alreadyNudged := now.Add(-10 * time.Minute)

	conv := models.Conversation{
		ID:                    uuid.New(),
		State:                 models.ConversationRunning,
		IsBotActive:           true,
		LastUserMessageAt:     &lastMsg,
		LastInactivityNudgeAt: &alreadyNudged,
	}

	sender := &fakeSender{}
	s := &Scheduler{
		conversations:     &fakeConversationRepo{},
		flows:             &fakeFlowRepo{},
		window:            &fakeWindowCloser{},
		sender:            sender,
		clock:             clk,
		defaultInactivity: 15 * time.Minute,
	}

	s.sweepOne(context.Background(), &conv)

	assert.Empty(t, sender.sent, "a conversation already nudged since its last message must not be nudged again")
}

func TestSweepOneSendsWindowExpiryNoticeOnlyOnTransition(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	flowID := uuid.New()

	fl := &models.Flow{
		ID:                   flowID,
		WindowExpirySettings: datatypes.JSON(`{"message":"Your 24-hour window has closed."}`),
	}

	conv := models.Conversation{
		ID:            uuid.New(),
		CurrentFlowID: &flowID,
		State:         models.ConversationClosed,
	}

	sender := &fakeSender{}
	closer := &fakeWindowCloser{transitioned: map[uuid.UUID]bool{conv.ID: true}}
	s := &Scheduler{
		conversations: &fakeConversationRepo{},
		flows:         &fakeFlowRepo{flow: fl},
		window:        closer,
		sender:        sender,
		clock:         clk,
	}

	s.sweepOne(context.Background(), &conv)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Your 24-hour window has closed.", sender.sent[0])

	// A second sweep over the same (now non-transitioning) window must not
	// re-send, simulating an overlapping or subsequent sweep pass.
	closer.transitioned[conv.ID] = false
	s.sweepOne(context.Background(), &conv)
	assert.Len(t, sender.sent, 1, "no additional notice on a non-transitioning sweep")
}

type fakeHandoff struct {
	queueID     uuid.UUID
	err         error
	gotDept     string
	gotConvID   uuid.UUID
	transferred bool
}

func (f *fakeHandoff) Transfer(_ context.Context, conversationID uuid.UUID, department string) (uuid.UUID, error) {
	f.transferred = true
	f.gotConvID = conversationID
	f.gotDept = department
	if f.err != nil {
		return uuid.Nil, f.err
	}
	return f.queueID, nil
}

type fakeFlowStarter struct {
	startedFlowID uuid.UUID
	err           error
}

func (f *fakeFlowStarter) Start(_ context.Context, conv *models.Conversation, flowID uuid.UUID) error {
	f.startedFlowID = flowID
	if f.err != nil {
		return f.err
	}
	conv.CurrentFlowID = &flowID
	conv.State = models.ConversationRunning
	return nil
}

func TestInactivityTransferQueuesConversationAndDeactivatesBot(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	lastMsg := now.Add(-65 * time.Minute)
	flowID := uuid.New()
	queueID := uuid.New()

	fl := &models.Flow{
		ID: flowID,
		InactivitySettings: datatypes.JSON(`{"timeout_minutes":60,"action":"transfer","closing_message":"Connecting you now."}`),
	}

	conv := models.Conversation{
		ID:                uuid.New(),
		CurrentFlowID:     &flowID,
		State:             models.ConversationRunning,
		IsBotActive:       true,
		Department:        "sales",
		LastUserMessageAt: &lastMsg,
	}

	sender := &fakeSender{}
	handoff := &fakeHandoff{queueID: queueID}
	convRepo := &fakeConversationRepo{}
	s := &Scheduler{
		conversations:     convRepo,
		flows:             &fakeFlowRepo{flow: fl},
		window:            &fakeWindowCloser{},
		sender:            sender,
		handoff:           handoff,
		clock:             clk,
		defaultInactivity: 15 * time.Minute,
	}

	s.sweepOne(context.Background(), &conv)

	require.True(t, handoff.transferred)
	require.Equal(t, "sales", handoff.gotDept)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "Connecting you now.", sender.sent[0])

	require.Len(t, convRepo.updated, 1)
	stored := convRepo.updated[0]
	require.Equal(t, models.ConversationQueued, stored.State)
	require.False(t, stored.IsBotActive)
	require.NotNil(t, stored.QueueID)
	require.Equal(t, queueID, *stored.QueueID)
}

func TestInactivityCloseStopsBotAndClosesConversation(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	lastMsg := now.Add(-20 * time.Minute)
	flowID := uuid.New()

	fl := &models.Flow{
		ID:                 flowID,
		InactivitySettings: datatypes.JSON(`{"timeout_minutes":15,"action":"close","closing_message":"Closing this chat now."}`),
	}

	conv := models.Conversation{
		ID:                uuid.New(),
		CurrentFlowID:     &flowID,
		State:             models.ConversationRunning,
		IsBotActive:       true,
		LastUserMessageAt: &lastMsg,
	}

	sender := &fakeSender{}
	convRepo := &fakeConversationRepo{}
	s := &Scheduler{
		conversations:     convRepo,
		flows:             &fakeFlowRepo{flow: fl},
		window:            &fakeWindowCloser{},
		sender:            sender,
		clock:             clk,
		defaultInactivity: 15 * time.Minute,
	}

	s.sweepOne(context.Background(), &conv)

	require.Len(t, sender.sent, 1)
	require.Equal(t, "Closing this chat now.", sender.sent[0])
	require.Len(t, convRepo.updated, 1)
	require.Equal(t, models.ConversationClosed, convRepo.updated[0].State)
	require.False(t, convRepo.updated[0].IsBotActive)
}

func TestInactivityFallbackFlowStartsConfiguredFlow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	lastMsg := now.Add(-20 * time.Minute)
	flowID := uuid.New()
	fallbackID := uuid.New()

	fl := &models.Flow{
		ID: flowID,
		InactivitySettings: datatypes.JSON(`{"timeout_minutes":15,"action":"fallback_flow","fallback_flow_id":"` + fallbackID.String() + `"}`),
	}

	conv := models.Conversation{
		ID:                uuid.New(),
		CurrentFlowID:     &flowID,
		State:             models.ConversationRunning,
		IsBotActive:       true,
		LastUserMessageAt: &lastMsg,
	}

	starter := &fakeFlowStarter{}
	convRepo := &fakeConversationRepo{}
	s := &Scheduler{
		conversations:     convRepo,
		flows:             &fakeFlowRepo{flow: fl},
		window:            &fakeWindowCloser{},
		sender:            &fakeSender{},
		flowStarter:       starter,
		clock:             clk,
		defaultInactivity: 15 * time.Minute,
	}

	s.sweepOne(context.Background(), &conv)

	require.Equal(t, fallbackID, starter.startedFlowID)
	require.Len(t, convRepo.updated, 1)
	require.Equal(t, fallbackID, *convRepo.updated[0].CurrentFlowID)
}

func TestInactivityWarningFiresOnceBeforeTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	lastMsg := now.Add(-12 * time.Minute)
	flowID := uuid.New()

	fl := &models.Flow{
		ID: flowID,
		InactivitySettings: datatypes.JSON(`{"timeout_minutes":15,"send_warning_at_minutes":10,"warning_message":"{{remaining_minutes}} minutes left","action":"send_reminder"}`),
	}

	conv := models.Conversation{
		ID:                uuid.New(),
		CurrentFlowID:     &flowID,
		State:             models.ConversationRunning,
		IsBotActive:       true,
		LastUserMessageAt: &lastMsg,
	}

	sender := &fakeSender{}
	convRepo := &fakeConversationRepo{}
	s := &Scheduler{
		conversations:     convRepo,
		flows:             &fakeFlowRepo{flow: fl},
		window:            &fakeWindowCloser{},
		sender:            sender,
		clock:             clk,
		defaultInactivity: 15 * time.Minute,
	}

	s.sweepOne(context.Background(), &conv)

	require.Len(t, sender.sent, 1)
	require.Equal(t, "3 minutes left", sender.sent[0])
	require.Len(t, convRepo.updated, 1)
	require.NotNil(t, convRepo.updated[0].LastInactivityWarningAt)

	// A later sweep within the same inactivity cycle must not re-send the
	// warning, even though inactive minutes has grown further.
	conv.LastInactivityWarningAt = convRepo.updated[0].LastInactivityWarningAt
	clk.Advance(1 * time.Minute)
	s.sweepOne(context.Background(), &conv)
	require.Len(t, sender.sent, 1, "warning must fire once per inactivity cycle")
}

func TestSweepHonorsBatchingCursor(t *testing.T) {
	convs := make([]models.Conversation, 0, 3)
	for i := 0; i < 3; i++ {
		convs = append(convs, models.Conversation{ID: uuid.New(), State: models.ConversationClosed})
	}
	repo := &fakeConversationRepo{conversations: convs}

	s := &Scheduler{
		conversations: repo,
		flows:         &fakeFlowRepo{},
		window:        &fakeWindowCloser{},
		sender:        &fakeSender{},
		clock:         clock.NewFixed(time.Now().UTC()),
		batchSize:     2,
	}

	s.sweep(context.Background())
	// every conversation is closed (never running/awaiting_user) so the
	// sweep produces no sends; this just exercises the paginated fetch
	// loop for panics on an uneven final page.
}
