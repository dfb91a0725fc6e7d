// Package flow implements a node-graph flow engine: a conversation walks
// a Flow's Nodes one at a time, evaluating conditions and interpolating
// variables along the way.
package flow

// NodeType enumerates every node the interpreter understands.
type NodeType string

const (
	NodeStart             NodeType = "start"
	NodeMessage           NodeType = "message"
	NodeQuestion          NodeType = "question"
	NodeCondition         NodeType = "condition"
	NodeAction            NodeType = "action"
	NodeAPICall           NodeType = "api_call"
	NodeAIPrompt          NodeType = "ai_prompt"
	NodeJumpToFlow        NodeType = "jump_to_flow"
	NodeHandoff           NodeType = "handoff"
	NodeEnd               NodeType = "end"
	NodeInteractiveButtons NodeType = "interactive_buttons"
	NodeInteractiveList    NodeType = "interactive_list"
)

// Condition is a single field/operator/value comparison, optionally
// joined with others via Logic ("AND"/"OR").
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
	Logic    string      `json:"logic,omitempty"`
}

// MessageConfig is the config payload for a "message" node.
type MessageConfig struct {
	Text string `json:"text"`
	Next string `json:"next"`
}

// QuestionConfig is the config payload for a "question" node: it sends
// Text, then suspends the conversation (state = awaiting_user) until the
// next inbound message arrives, storing it under SaveAs.
type QuestionConfig struct {
	Text   string `json:"text"`
	SaveAs string `json:"save_as"`
	Next   string `json:"next"`
}

// ConditionConfig is the config payload for a "condition" node.
type ConditionConfig struct {
	Conditions []Condition `json:"conditions"`
	TrueNext   string      `json:"true_next"`
	FalseNext  string      `json:"false_next"`
}

// APICallConfig is the config payload for an "api_call" node.
type APICallConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	SaveAs  string            `json:"save_as,omitempty"`
	Next    string            `json:"next"`
}

// AIPromptConfig is the config payload for an "ai_prompt" node.
type AIPromptConfig struct {
	SystemPrompt string `json:"system_prompt"`
	UserMessage  string `json:"user_message"`
	SaveAs       string `json:"save_as"`
	Next         string `json:"next"`
}

// JumpToFlowConfig is the config payload for a "jump_to_flow" node.
// VariableMapping is {target_var: source_expr}: each source_expr is
// interpolated against the current scope and written under its target
// name in the target flow's scope, which replaces the current scope
// entirely rather than merging into it. If VariableMapping is empty and
// PassVariables is true, the full current scope carries over unchanged;
// if PassVariables is false, the target flow starts with an empty scope.
type JumpToFlowConfig struct {
	TargetFlowID    string            `json:"target_flow_id"`
	VariableMapping map[string]string `json:"variable_mapping,omitempty"`
	PassVariables   bool              `json:"pass_variables,omitempty"`
}

// HandoffConfig is the config payload for a "handoff" node.
type HandoffConfig struct {
	Department string `json:"department"`
	Message    string `json:"message,omitempty"`
}

// ActionConfig is the config payload for a generic "action" node —
// side-effecting steps that don't fit message/api_call/ai_prompt.
type ActionConfig struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
	Next string                 `json:"next"`
}

// InteractiveButton/List configs carry quick-reply style payloads;
// SaveAs stores the selected option's id under that variable name.
type InteractiveButtonsConfig struct {
	Text    string              `json:"text"`
	Buttons []InteractiveOption `json:"buttons"`
	SaveAs  string              `json:"save_as"`
	// Next is reached once the selection lands in SaveAs; flows branch
	// on the selected option id with a downstream condition node.
	Next string `json:"next"`
}

type InteractiveListConfig struct {
	Text    string              `json:"text"`
	Options []InteractiveOption `json:"options"`
	SaveAs  string              `json:"save_as"`
	Next    string              `json:"next"`
}

type InteractiveOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}
