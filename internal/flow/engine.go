package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/wacore-labs/runtime/internal/apperrors"
	"github.com/wacore-labs/runtime/internal/llm"
	"github.com/wacore-labs/runtime/internal/models"
	"github.com/wacore-labs/runtime/internal/repositories"
)

// Sender is the Outbound Dispatcher's capability as seen by the Flow
// Engine — an interface rather than a concrete import so the two
// packages depend on each other only through this contract (C7 is wired
// in by cmd/core).
type Sender interface {
	Enqueue(ctx context.Context, conversationID uuid.UUID, body string) error
}

// Handoff is the capability the Flow Engine uses to move a conversation
// out of automation and into a human department queue.
type Handoff interface {
	HandoffToDepartment(ctx context.Context, conversationID uuid.UUID, department, message string) error
}

// maxStepsPerAdvance bounds a single run call so a cyclic flow graph
// (e.g. two condition nodes pointing at each other) can't spin forever
// inside one inbound-webhook request.
const maxStepsPerAdvance = 50

// Engine interprets a Flow's node graph against a conversation.
type Engine struct {
	flows         repositories.FlowRepo
	conversations repositories.ConversationRepo
	conditions    *ConditionEvaluator
	llm           *llm.Service
	sender        Sender
	handoff       Handoff
	httpClient    *http.Client
}

func NewEngine(flows repositories.FlowRepo, conversations repositories.ConversationRepo, llmSvc *llm.Service, sender Sender, handoff Handoff) *Engine {
	return &Engine{
		flows:         flows,
		conversations: conversations,
		conditions:    NewConditionEvaluator(),
		llm:           llmSvc,
		sender:        sender,
		handoff:       handoff,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Start begins running flowID against conv from its StartNodeID.
func (e *Engine) Start(ctx context.Context, conv *models.Conversation, flowID uuid.UUID) error {
	flow, err := e.flows.GetFlow(ctx, conv.OrganizationID, flowID)
	if err != nil {
		return apperrors.NotFound(fmt.Sprintf("flow %s: %v", flowID, err))
	}
	conv.CurrentFlowID = &flow.ID
	conv.CurrentNodeID = flow.StartNodeID
	conv.State = models.ConversationRunning
	return e.run(ctx, conv, "")
}

// Resume continues a suspended (awaiting_user) conversation with the
// contact's latest inbound message as input.
func (e *Engine) Resume(ctx context.Context, conv *models.Conversation, input string) error {
	if conv.State != models.ConversationAwaitingUser {
		return apperrors.ConversationNotDispatchable(fmt.Sprintf("conversation %s is not awaiting user input", conv.ID))
	}
	conv.State = models.ConversationRunning
	return e.run(ctx, conv, input)
}

// run executes nodes starting at conv.CurrentNodeID until the flow
// suspends (question/interactive), hands off, ends, or hits the step
// cap — a single failing node falls back to the flow's FallbackFlowID,
// or a department handoff if no fallback is configured.
func (e *Engine) run(ctx context.Context, conv *models.Conversation, input string) error {
	flow, err := e.flows.GetFlow(ctx, conv.OrganizationID, *conv.CurrentFlowID)
	if err != nil {
		return apperrors.NotFound(fmt.Sprintf("flow %s: %v", *conv.CurrentFlowID, err))
	}

	scope, err := e.scopeFor(conv, flow)
	if err != nil {
		return err
	}
	if saveAs, ok := scope["__await_save_as"].(string); ok && saveAs != "" {
		scope[saveAs] = input
		delete(scope, "__await_save_as")
	}

	for step := 0; step < maxStepsPerAdvance; step++ {
		node, err := e.flows.GetNode(ctx, flow.ID, conv.CurrentNodeID)
		if err != nil {
			return e.onNodeFailure(ctx, conv, flow, fmt.Errorf("load node %s: %w", conv.CurrentNodeID, err))
		}

		next, suspend, err := e.execute(ctx, conv, scope, node)
		if err != nil {
			return e.onNodeFailure(ctx, conv, flow, err)
		}
		if err := e.persistScope(conv, scope); err != nil {
			return err
		}
		if suspend {
			return e.conversations.Update(ctx, conv)
		}
		if next == "" {
			conv.State = models.ConversationClosed
			return e.conversations.Update(ctx, conv)
		}
		conv.CurrentNodeID = next

		// jump_to_flow repoints CurrentFlowID at the target; reload flow
		// so the next node lookup reads from the right graph.
		if conv.CurrentFlowID != nil && *conv.CurrentFlowID != flow.ID {
			flow, err = e.flows.GetFlow(ctx, conv.OrganizationID, *conv.CurrentFlowID)
			if err != nil {
				return apperrors.NotFound(fmt.Sprintf("jump target flow %s: %v", *conv.CurrentFlowID, err))
			}
		}
	}

	log.Printf("⚠️ flow %s exceeded %d steps in one advance for conversation %s", flow.ID, maxStepsPerAdvance, conv.ID)
	return e.onNodeFailure(ctx, conv, flow, fmt.Errorf("flow exceeded step budget"))
}

// execute runs a single node, returning the next node id (empty for
// "end"), whether the conversation should suspend awaiting user input.
func (e *Engine) execute(ctx context.Context, conv *models.Conversation, scope map[string]interface{}, node *models.Node) (next string, suspend bool, err error) {
	switch NodeType(node.Type) {
	case NodeStart:
		var cfg struct {
			Next string `json:"next"`
		}
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		return cfg.Next, false, nil

	case NodeMessage:
		var cfg MessageConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		body := Interpolate(cfg.Text, scope)
		if err := e.sender.Enqueue(ctx, conv.ID, body); err != nil {
			return "", false, fmt.Errorf("enqueue message node %s: %w", node.ID, err)
		}
		return cfg.Next, false, nil

	case NodeQuestion:
		var cfg QuestionConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		body := Interpolate(cfg.Text, scope)
		if err := e.sender.Enqueue(ctx, conv.ID, body); err != nil {
			return "", false, fmt.Errorf("enqueue question node %s: %w", node.ID, err)
		}
		conv.CurrentNodeID = cfg.Next
		conv.State = models.ConversationAwaitingUser
		// The next inbound message lands under SaveAs once Resume is
		// called; store where to put it by stashing SaveAs under a
		// reserved scope key the Resume path reads back.
		scope["__await_save_as"] = cfg.SaveAs
		return "", true, nil

	case NodeCondition:
		var cfg ConditionConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		ok, err := e.conditions.Evaluate(cfg.Conditions, scope)
		if err != nil {
			return "", false, fmt.Errorf("evaluate condition node %s: %w", node.ID, err)
		}
		if ok {
			return cfg.TrueNext, false, nil
		}
		return cfg.FalseNext, false, nil

	case NodeAIPrompt:
		var cfg AIPromptConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		system := Interpolate(cfg.SystemPrompt, scope)
		user := Interpolate(cfg.UserMessage, scope)
		resp, err := e.llm.GenerateResponse(ctx, system, user)
		if err != nil {
			return "", false, fmt.Errorf("ai_prompt node %s: %w", node.ID, err)
		}
		if cfg.SaveAs != "" {
			scope[cfg.SaveAs] = resp
		}
		return cfg.Next, false, nil

	case NodeJumpToFlow:
		var cfg JumpToFlowConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		targetID, err := uuid.Parse(cfg.TargetFlowID)
		if err != nil {
			return "", false, fmt.Errorf("jump_to_flow node %s: invalid target_flow_id: %w", node.ID, err)
		}
		target, err := e.flows.GetFlow(ctx, conv.OrganizationID, targetID)
		if err != nil {
			return "", false, fmt.Errorf("jump_to_flow node %s: %w", node.ID, err)
		}

		var next map[string]interface{}
		switch {
		case len(cfg.VariableMapping) > 0:
			next = make(map[string]interface{}, len(cfg.VariableMapping))
			for targetVar, sourceExpr := range cfg.VariableMapping {
				next[targetVar] = Interpolate(sourceExpr, scope)
			}
		case cfg.PassVariables:
			next = make(map[string]interface{}, len(scope))
			for k, v := range scope {
				next[k] = v
			}
		default:
			next = make(map[string]interface{})
		}
		for k := range scope {
			delete(scope, k)
		}
		for k, v := range next {
			scope[k] = v
		}

		conv.CurrentFlowID = &target.ID
		return target.StartNodeID, false, nil

	case NodeHandoff:
		var cfg HandoffConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		if cfg.Message != "" {
			if err := e.sender.Enqueue(ctx, conv.ID, Interpolate(cfg.Message, scope)); err != nil {
				return "", false, fmt.Errorf("enqueue handoff message node %s: %w", node.ID, err)
			}
		}
		if err := e.handoff.HandoffToDepartment(ctx, conv.ID, cfg.Department, cfg.Message); err != nil {
			return "", false, fmt.Errorf("handoff node %s: %w", node.ID, err)
		}
		conv.State = models.ConversationHandedOff
		conv.Department = cfg.Department
		return "", true, nil

	case NodeAPICall:
		var cfg APICallConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		result, err := e.callAPI(ctx, cfg, scope)
		if err != nil {
			return "", false, fmt.Errorf("api_call node %s: %w", node.ID, err)
		}
		if cfg.SaveAs != "" {
			scope[cfg.SaveAs] = result
		}
		return cfg.Next, false, nil

	case NodeAction:
		var cfg ActionConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		log.Printf("ℹ️ action node %s fired: type=%s args=%v", node.ID, cfg.Type, cfg.Args)
		return cfg.Next, false, nil

	case NodeInteractiveButtons:
		var cfg InteractiveButtonsConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		if err := e.sender.Enqueue(ctx, conv.ID, Interpolate(cfg.Text, scope)); err != nil {
			return "", false, fmt.Errorf("enqueue interactive_buttons node %s: %w", node.ID, err)
		}
		conv.CurrentNodeID = cfg.Next
		scope["__await_save_as"] = cfg.SaveAs
		return "", true, nil

	case NodeInteractiveList:
		var cfg InteractiveListConfig
		if err := unmarshalConfig(node.Config, &cfg); err != nil {
			return "", false, err
		}
		if err := e.sender.Enqueue(ctx, conv.ID, Interpolate(cfg.Text, scope)); err != nil {
			return "", false, fmt.Errorf("enqueue interactive_list node %s: %w", node.ID, err)
		}
		conv.CurrentNodeID = cfg.Next
		scope["__await_save_as"] = cfg.SaveAs
		return "", true, nil

	case NodeEnd:
		return "", false, nil

	default:
		return "", false, fmt.Errorf("node %s: unsupported node type %q", node.ID, node.Type)
	}
}

// onNodeFailure routes a node execution error to the flow's configured
// fallback flow, or a default department handoff if none is set.
func (e *Engine) onNodeFailure(ctx context.Context, conv *models.Conversation, flow *models.Flow, cause error) error {
	log.Printf("⚠️ flow %s node %s failed for conversation %s: %v", flow.ID, conv.CurrentNodeID, conv.ID, cause)

	if flow.FallbackFlowID != nil {
		conv.CurrentFlowID = flow.FallbackFlowID
		target, err := e.flows.GetFlow(ctx, conv.OrganizationID, *flow.FallbackFlowID)
		if err == nil {
			conv.CurrentNodeID = target.StartNodeID
			return e.run(ctx, conv, "")
		}
	}

	if err := e.handoff.HandoffToDepartment(ctx, conv.ID, "default", "We ran into an issue, a team member will be with you shortly."); err != nil {
		return apperrors.Internal("fallback handoff after node failure", err)
	}
	conv.State = models.ConversationHandedOff
	conv.Department = "default"
	return e.conversations.Update(ctx, conv)
}

// scopeFor builds the variable scope for one run: the flow's variables
// overlaid by the conversation's. The organization's GlobalVariables are
// not part of this scope.
func (e *Engine) scopeFor(conv *models.Conversation, flow *models.Flow) (map[string]interface{}, error) {
	var flowVars, convVars map[string]interface{}
	if err := json.Unmarshal(flow.Variables, &flowVars); err != nil && len(flow.Variables) > 0 {
		return nil, apperrors.Internal("unmarshal flow variables", err)
	}
	if err := json.Unmarshal(conv.Variables, &convVars); err != nil && len(conv.Variables) > 0 {
		return nil, apperrors.Internal("unmarshal conversation variables", err)
	}
	return MergeScope(flowVars, convVars), nil
}

func (e *Engine) persistScope(conv *models.Conversation, scope map[string]interface{}) error {
	data, err := json.Marshal(scope)
	if err != nil {
		return apperrors.Internal("marshal conversation variables", err)
	}
	conv.Variables = datatypes.JSON(data)
	return nil
}

// callAPI executes an api_call node against an arbitrary HTTP endpoint,
// interpolating variables into the URL and body first.
func (e *Engine) callAPI(ctx context.Context, cfg APICallConfig, scope map[string]interface{}) (interface{}, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	url := Interpolate(cfg.URL, scope)
	body := Interpolate(cfg.Body, scope)

	var reqBody io.Reader
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build api_call request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, Interpolate(v, scope))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api_call request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read api_call response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api_call returned status %d: %s", resp.StatusCode, string(data))
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return string(data), nil
	}
	return parsed, nil
}

func unmarshalConfig(raw datatypes.JSON, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Validation(fmt.Sprintf("invalid node config: %v", err))
	}
	return nil
}
