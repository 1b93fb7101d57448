// Package ensemble defines the canonical, provider-independent data model
// shared by every Ensemble subsystem: conversation messages, agent
// configuration, tool contracts, usage accounting, and the streaming event
// taxonomy that callers observe.
package ensemble

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle marker carried by most message kinds.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
)

// Role identifies the author of a message. SystemOrUser messages carry
// user, system, or developer; streamed responses tag their message_start
// events with assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleAssistant Role = "assistant"
)

// ContentPartType distinguishes the parts of a multi-part message body.
type ContentPartType string

const (
	ContentText     ContentPartType = "text"
	ContentImageRef ContentPartType = "image-ref"
	ContentFileRef  ContentPartType = "file-ref"
)

// ContentPart is one element of an ordered multi-part message body.
type ContentPart struct {
	Type ContentPartType `json:"type"`
	Text string          `json:"text,omitempty"`
	// Ref holds the image-ref/file-ref identifier (URL, base64 payload id, or path).
	Ref string `json:"ref,omitempty"`
	// MimeType describes the referenced payload when Type is image-ref or file-ref.
	MimeType string `json:"mime_type,omitempty"`
}

// MessageKind discriminates the Message tagged-union cases.
type MessageKind string

const (
	KindSystemOrUser       MessageKind = "system_or_user"
	KindAssistant          MessageKind = "assistant"
	KindFunctionCall       MessageKind = "function_call"
	KindFunctionCallOutput MessageKind = "function_call_output"
)

// ThinkingBlock captures a provider's opaque reasoning trace plus its signature.
type ThinkingBlock struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

// Message is a tagged-variant conversation entry.
//
// Exactly one of the Kind-specific field groups is meaningful for a given
// Kind; the others are left zero. The discriminant is explicit rather than
// inferred from Role, since Ensemble must also represent orphan-call and
// orphan-output synthesis that a Role string alone cannot express
// unambiguously.
type Message struct {
	Kind MessageKind `json:"kind"`

	// SystemOrUser fields.
	Role    Role          `json:"role,omitempty"`
	Text    string        `json:"text,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	// Assistant fields.
	Thinking *ThinkingBlock `json:"thinking,omitempty"`

	// FunctionCall fields.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	ID        string `json:"id,omitempty"`

	// FunctionCallOutput fields.
	Output string `json:"output,omitempty"`

	Status    Status    `json:"status,omitempty"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// PlainText returns the flattened textual content of a message regardless of kind.
func (m *Message) PlainText() string {
	if m == nil {
		return ""
	}
	switch m.Kind {
	case KindSystemOrUser, KindAssistant:
		if len(m.Content) == 0 {
			return m.Text
		}
		var parts []string
		for _, p := range m.Content {
			if p.Type == ContentText {
				parts = append(parts, p.Text)
			}
		}
		return joinStrings(parts)
	case KindFunctionCall:
		return m.Arguments
	case KindFunctionCallOutput:
		return m.Output
	default:
		return ""
	}
}

func joinStrings(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

// NewUserMessage builds a plain-text user message.
func NewUserMessage(text string) Message {
	return Message{Kind: KindSystemOrUser, Role: RoleUser, Text: text, Timestamp: time.Now()}
}

// NewSystemMessage builds a plain-text system message.
func NewSystemMessage(text string) Message {
	return Message{Kind: KindSystemOrUser, Role: RoleSystem, Text: text, Timestamp: time.Now()}
}

// NewAssistantMessage builds a plain-text assistant message.
func NewAssistantMessage(text string) Message {
	return Message{Kind: KindAssistant, Text: text, Timestamp: time.Now()}
}

// NewFunctionCall builds a FunctionCall message.
func NewFunctionCall(callID, name, arguments string) Message {
	return Message{
		Kind:      KindFunctionCall,
		CallID:    callID,
		Name:      name,
		Arguments: arguments,
		Timestamp: time.Now(),
	}
}

// NewFunctionCallOutput builds a FunctionCallOutput message.
func NewFunctionCallOutput(callID, output string, status Status) Message {
	return Message{
		Kind:      KindFunctionCallOutput,
		CallID:    callID,
		Output:    output,
		Status:    status,
		Timestamp: time.Now(),
	}
}

// ToolCall is the LLM's request to execute a tool mid-stream.
type ToolCall struct {
	ID     string `json:"id"`
	CallID string `json:"call_id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToolCallResult is the outcome of dispatching a ToolCall through the
// Tool Execution Manager.
type ToolCallResult struct {
	ToolCall ToolCall `json:"tool_call"`
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
	ID       string   `json:"id,omitempty"`
	CallID   string   `json:"call_id,omitempty"`
}

// ToolDefinition is the JSON-schema-shaped declaration an LLM sees for a tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolFunc is the typed Go implementation behind a ToolFunction. Argument
// binding happens once at the edge (internal/toolexec); implementations see
// already-bound, typed values rather than raw JSON.
type ToolFunc func(ctx AgentContext, args map[string]any) (any, error)

// ToolFunction pairs a tool's schema with its implementation and the
// per-tool execution policy knobs the manager consults.
type ToolFunction struct {
	Definition ToolDefinition

	Function ToolFunc

	// AllowSummary controls whether the tool's output may be summarized
	// during history compaction. Its zero value is false; nothing in this
	// module sets it to true by default.
	AllowSummary bool

	// InjectAgentID adds the calling agent's id to the tool's arguments under
	// the key agent_id; arguments are bound by name, so it has no first slot.
	InjectAgentID bool

	// SkipSummarization forces the raw, truncated (not summarized) result to
	// be kept verbatim, overriding AllowSummary.
	SkipSummarization bool

	// MaxLength overrides MAX_RESULT_LENGTH for this tool's output.
	MaxLength int

	// Category classifies the tool for dispatch discipline; "control" tools
	// are always routed through the per-agent SequentialQueue.
	Category string
}

// AgentContext is the narrow execution context handed to a ToolFunc.
type AgentContext struct {
	AgentID   string
	RequestID string
}
