package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/wacore-labs/runtime/internal/llm"
	"github.com/wacore-labs/runtime/internal/models"
)

func jsonCfg(t *testing.T, v interface{}) datatypes.JSON {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return datatypes.JSON(b)
}

// fakeFlowRepo is an in-memory FlowRepo keyed by flow ID, with nodes
// keyed by (flowID, nodeID).
type fakeFlowRepo struct {
	flows map[uuid.UUID]models.Flow
	nodes map[uuid.UUID]map[string]models.Node
}

func newFakeFlowRepo() *fakeFlowRepo {
	return &fakeFlowRepo{
		flows: make(map[uuid.UUID]models.Flow),
		nodes: make(map[uuid.UUID]map[string]models.Node),
	}
}

func (r *fakeFlowRepo) addFlow(f models.Flow, nodes ...models.Node) {
	r.flows[f.ID] = f
	m := make(map[string]models.Node, len(nodes))
	for _, n := range nodes {
		n.FlowID = f.ID
		m[n.ID] = n
	}
	r.nodes[f.ID] = m
}

func (r *fakeFlowRepo) GetFlow(_ context.Context, _, id uuid.UUID) (*models.Flow, error) {
	f, ok := r.flows[id]
	if !ok {
		return nil, errors.New("flow not found")
	}
	return &f, nil
}

func (r *fakeFlowRepo) GetNode(_ context.Context, flowID uuid.UUID, nodeID string) (*models.Node, error) {
	n, ok := r.nodes[flowID][nodeID]
	if !ok {
		return nil, errors.New("node not found")
	}
	return &n, nil
}

func (r *fakeFlowRepo) ListNodes(_ context.Context, flowID uuid.UUID) ([]models.Node, error) {
	var out []models.Node
	for _, n := range r.nodes[flowID] {
		out = append(out, n)
	}
	return out, nil
}

// fakeConversationRepo only needs Update exercised by the Flow Engine;
// the rest satisfy the interface without being exercised.
type fakeConversationRepo struct {
	updated []models.Conversation
}

func (r *fakeConversationRepo) Get(_ context.Context, _, _ uuid.UUID) (*models.Conversation, error) {
	return nil, errors.New("not implemented")
}
func (r *fakeConversationRepo) GetByID(_ context.Context, _ uuid.UUID) (*models.Conversation, error) {
	return nil, errors.New("not implemented")
}
func (r *fakeConversationRepo) GetForUpdate(_ context.Context, _, _ uuid.UUID, _ func(tx *gorm.DB, conv *models.Conversation) error) error {
	return errors.New("not implemented")
}
func (r *fakeConversationRepo) FindOpenByContact(_ context.Context, _, _, _ uuid.UUID) (*models.Conversation, error) {
	return nil, errors.New("not implemented")
}
func (r *fakeConversationRepo) Create(_ context.Context, _ *models.Conversation) error {
	return errors.New("not implemented")
}
func (r *fakeConversationRepo) Update(_ context.Context, conv *models.Conversation) error {
	r.updated = append(r.updated, *conv)
	return nil
}
func (r *fakeConversationRepo) ListOpenForSweep(_ context.Context, _ int, _ uuid.UUID) ([]models.Conversation, error) {
	return nil, nil
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Enqueue(_ context.Context, _ uuid.UUID, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, body)
	return nil
}

type fakeHandoff struct {
	department string
	message    string
	called     bool
}

func (f *fakeHandoff) HandoffToDepartment(_ context.Context, _ uuid.UUID, department, message string) error {
	f.called = true
	f.department = department
	f.message = message
	return nil
}

type fakeLLMProvider struct {
	response string
}

func (f *fakeLLMProvider) GenerateResponse(_ context.Context, _, _ string) (string, error) {
	return f.response, nil
}
func (f *fakeLLMProvider) GetProviderName() string { return "fake" }

func newConv(orgID uuid.UUID) *models.Conversation {
	return &models.Conversation{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Variables:      datatypes.JSON(`{}`),
	}
}

func TestStartRunsMessageNodeThenEnds(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "n1", Variables: datatypes.JSON(`{}`)},
		models.Node{ID: "n1", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "hi {{name}}", Next: "n2"})},
		models.Node{ID: "n2", Type: string(NodeEnd)},
	)
	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	conv := newConv(orgID)
	conv.Variables = jsonCfg(t, map[string]interface{}{"name": "Ada"})

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, &fakeHandoff{})
	err := e.Start(context.Background(), conv, flowID)
	require.NoError(t, err)

	require.Equal(t, []string{"hi Ada"}, sender.sent)
	require.Equal(t, models.ConversationClosed, conv.State)
}

func TestConditionNodeBranchesOnScope(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "cond"},
		models.Node{ID: "cond", Type: string(NodeCondition), Config: jsonCfg(t, ConditionConfig{
			Conditions: []Condition{{Field: "tier", Operator: "equals", Value: "gold"}},
			TrueNext:   "yes",
			FalseNext:  "no",
		})},
		models.Node{ID: "yes", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "gold path"})},
		models.Node{ID: "no", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "other path"})},
	)
	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	conv := newConv(orgID)
	conv.Variables = jsonCfg(t, map[string]interface{}{"tier": "gold"})

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, &fakeHandoff{})
	require.NoError(t, e.Start(context.Background(), conv, flowID))

	require.Equal(t, []string{"gold path"}, sender.sent)
}

func TestQuestionNodeSuspendsThenResumeStoresAnswer(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "q1"},
		models.Node{ID: "q1", Type: string(NodeQuestion), Config: jsonCfg(t, QuestionConfig{Text: "What's your name?", SaveAs: "name", Next: "m1"})},
		models.Node{ID: "m1", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "Nice to meet you {{name}}"})},
	)
	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	conv := newConv(orgID)

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, &fakeHandoff{})
	require.NoError(t, e.Start(context.Background(), conv, flowID))

	require.Equal(t, models.ConversationAwaitingUser, conv.State)
	require.Equal(t, []string{"What's your name?"}, sender.sent)

	require.NoError(t, e.Resume(context.Background(), conv, "Ada"))

	require.Equal(t, []string{"What's your name?", "Nice to meet you Ada"}, sender.sent)
	require.Equal(t, models.ConversationClosed, conv.State)
}

func TestResumeRejectsConversationNotAwaitingUser(t *testing.T) {
	flows := newFakeFlowRepo()
	conversations := &fakeConversationRepo{}
	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), &fakeSender{}, &fakeHandoff{})

	conv := newConv(uuid.New())
	conv.State = models.ConversationRunning

	err := e.Resume(context.Background(), conv, "hi")
	require.Error(t, err)
}

func TestJumpToFlowCopiesMappedVariablesAndSwitchesFlow(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	sourceID := uuid.New()
	targetID := uuid.New()

	flows.addFlow(
		models.Flow{ID: sourceID, OrganizationID: orgID, StartNodeID: "jump"},
		models.Node{ID: "jump", Type: string(NodeJumpToFlow), Config: jsonCfg(t, JumpToFlowConfig{
			TargetFlowID:    targetID.String(),
			VariableMapping: map[string]string{"name": "{{customer_name}}"},
		})},
	)
	flows.addFlow(
		models.Flow{ID: targetID, OrganizationID: orgID, StartNodeID: "greet"},
		models.Node{ID: "greet", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "hello {{name}}"})},
	)

	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	conv := newConv(orgID)
	conv.Variables = jsonCfg(t, map[string]interface{}{"customer_name": "Grace", "extra": "x"})

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, &fakeHandoff{})
	require.NoError(t, e.Start(context.Background(), conv, sourceID))

	require.Equal(t, []string{"hello Grace"}, sender.sent)
	require.Equal(t, targetID, *conv.CurrentFlowID)

	var vars map[string]interface{}
	require.NoError(t, json.Unmarshal(conv.Variables, &vars))
	require.Equal(t, map[string]interface{}{"name": "Grace"}, vars)
}

func TestJumpToFlowPassVariablesCarriesFullScopeWithoutMapping(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	sourceID := uuid.New()
	targetID := uuid.New()

	flows.addFlow(
		models.Flow{ID: sourceID, OrganizationID: orgID, StartNodeID: "jump"},
		models.Node{ID: "jump", Type: string(NodeJumpToFlow), Config: jsonCfg(t, JumpToFlowConfig{
			TargetFlowID:  targetID.String(),
			PassVariables: true,
		})},
	)
	flows.addFlow(
		models.Flow{ID: targetID, OrganizationID: orgID, StartNodeID: "greet"},
		models.Node{ID: "greet", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "hello {{customer_name}}"})},
	)

	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	conv := newConv(orgID)
	conv.Variables = jsonCfg(t, map[string]interface{}{"customer_name": "Grace"})

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, &fakeHandoff{})
	require.NoError(t, e.Start(context.Background(), conv, sourceID))

	require.Equal(t, []string{"hello Grace"}, sender.sent)
}

func TestJumpToFlowWithoutPassVariablesClearsScope(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	sourceID := uuid.New()
	targetID := uuid.New()

	flows.addFlow(
		models.Flow{ID: sourceID, OrganizationID: orgID, StartNodeID: "jump"},
		models.Node{ID: "jump", Type: string(NodeJumpToFlow), Config: jsonCfg(t, JumpToFlowConfig{
			TargetFlowID: targetID.String(),
		})},
	)
	flows.addFlow(
		models.Flow{ID: targetID, OrganizationID: orgID, StartNodeID: "greet"},
		models.Node{ID: "greet", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "hello {{customer_name}}"})},
	)

	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	conv := newConv(orgID)
	conv.Variables = jsonCfg(t, map[string]interface{}{"customer_name": "Grace"})

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, &fakeHandoff{})
	require.NoError(t, e.Start(context.Background(), conv, sourceID))

	require.Equal(t, []string{"hello "}, sender.sent)
}

func TestHandoffNodeMovesConversationToHandedOff(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "ho"},
		models.Node{ID: "ho", Type: string(NodeHandoff), Config: jsonCfg(t, HandoffConfig{Department: "billing", Message: "connecting you"})},
	)
	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	handoff := &fakeHandoff{}
	conv := newConv(orgID)

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, handoff)
	require.NoError(t, e.Start(context.Background(), conv, flowID))

	require.True(t, handoff.called)
	require.Equal(t, "billing", handoff.department)
	require.Equal(t, models.ConversationHandedOff, conv.State)
	require.Equal(t, "billing", conv.Department)
}

func TestAIPromptNodeStoresProviderResponse(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "ai"},
		models.Node{ID: "ai", Type: string(NodeAIPrompt), Config: jsonCfg(t, AIPromptConfig{
			SystemPrompt: "be helpful",
			UserMessage:  "{{question}}",
			SaveAs:       "answer",
			Next:         "m1",
		})},
		models.Node{ID: "m1", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "{{answer}}"})},
	)
	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	conv := newConv(orgID)
	conv.Variables = jsonCfg(t, map[string]interface{}{"question": "what time is it"})

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{response: "it's five o'clock"}), sender, &fakeHandoff{})
	require.NoError(t, e.Start(context.Background(), conv, flowID))

	require.Equal(t, []string{"it's five o'clock"}, sender.sent)
}

func TestNodeFailureFallsBackToFallbackFlow(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	fallbackID := uuid.New()

	flows.addFlow(
		models.Flow{ID: fallbackID, OrganizationID: orgID, StartNodeID: "sorry"},
		models.Node{ID: "sorry", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "sorry, something went wrong"})},
	)
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "broken", FallbackFlowID: &fallbackID},
		models.Node{ID: "broken", Type: "unsupported_type"},
	)

	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	conv := newConv(orgID)

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, &fakeHandoff{})
	require.NoError(t, e.Start(context.Background(), conv, flowID))

	require.Equal(t, []string{"sorry, something went wrong"}, sender.sent)
}

func TestNodeFailureWithoutFallbackHandsOffToDefaultDepartment(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "broken"},
		models.Node{ID: "broken", Type: "unsupported_type"},
	)

	conversations := &fakeConversationRepo{}
	sender := &fakeSender{}
	handoff := &fakeHandoff{}
	conv := newConv(orgID)

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, handoff)
	require.NoError(t, e.Start(context.Background(), conv, flowID))

	require.True(t, handoff.called)
	require.Equal(t, "default", handoff.department)
	require.Equal(t, models.ConversationHandedOff, conv.State)
	require.Len(t, conversations.updated, 1)
}

func TestCyclicGraphHitsStepBudgetAndHandsOff(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "a"},
		models.Node{ID: "a", Type: string(NodeCondition), Config: jsonCfg(t, ConditionConfig{TrueNext: "b", FalseNext: "b"})},
		models.Node{ID: "b", Type: string(NodeCondition), Config: jsonCfg(t, ConditionConfig{TrueNext: "a", FalseNext: "a"})},
	)
	conversations := &fakeConversationRepo{}
	handoff := &fakeHandoff{}

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), &fakeSender{}, handoff)
	conv := newConv(orgID)
	require.NoError(t, e.Start(context.Background(), conv, flowID))

	require.True(t, handoff.called)
	require.Equal(t, models.ConversationHandedOff, conv.State)
}

func TestEnqueueFailurePropagatesAsNodeFailure(t *testing.T) {
	flows := newFakeFlowRepo()
	orgID := uuid.New()
	flowID := uuid.New()
	flows.addFlow(
		models.Flow{ID: flowID, OrganizationID: orgID, StartNodeID: "m1"},
		models.Node{ID: "m1", Type: string(NodeMessage), Config: jsonCfg(t, MessageConfig{Text: "hi", Next: "m2"})},
	)
	conversations := &fakeConversationRepo{}
	sender := &fakeSender{err: errors.New("network down")}
	handoff := &fakeHandoff{}

	e := NewEngine(flows, conversations, llm.NewService(&fakeLLMProvider{}), sender, handoff)
	conv := newConv(orgID)
	require.NoError(t, e.Start(context.Background(), conv, flowID))

	require.True(t, handoff.called)
}
