package ensemble

import "time"

// EventType discriminates the canonical event taxonomy.
type EventType string

const (
	EventMessageStart    EventType = "message_start"
	EventMessageDelta    EventType = "message_delta"
	EventMessageComplete EventType = "message_complete"

	EventToolStart EventType = "tool_start"
	EventToolDelta EventType = "tool_delta"
	EventToolDone  EventType = "tool_done"

	EventFileStart    EventType = "file_start"
	EventFileDelta    EventType = "file_delta"
	EventFileComplete EventType = "file_complete"

	EventAudioStream EventType = "audio_stream"

	EventCostUpdate     EventType = "cost_update"
	EventResponseOutput EventType = "response_output"

	EventAgentStart  EventType = "agent_start"
	EventAgentStatus EventType = "agent_status"
	EventAgentDone   EventType = "agent_done"

	EventError     EventType = "error"
	EventStreamEnd EventType = "stream_end"
)

// DataFormat describes how a file/audio payload's bytes are encoded.
type DataFormat string

const (
	DataFormatBase64 DataFormat = "base64"
	DataFormatURL    DataFormat = "url"
)

// AgentTag identifies the agent context an event is attributed to.
type AgentTag struct {
	AgentID  string `json:"agent_id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// ToolResultPayload is the tool_done event's result field.
type ToolResultPayload struct {
	CallID string `json:"call_id"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PCMParameters describes raw PCM framing for audio_stream events.
type PCMParameters struct {
	SampleRateHz int `json:"sample_rate_hz,omitempty"`
	Channels     int `json:"channels,omitempty"`
	BitDepth     int `json:"bit_depth,omitempty"`
}

// Event is the single canonical event envelope every component in the
// orchestration pipeline produces and consumes. It is a closed sum type in
// spirit: exactly the fields relevant to Type are populated.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Agent     *AgentTag `json:"agent,omitempty"`

	// message_*
	MessageID         string `json:"message_id,omitempty"`
	Role              Role   `json:"role,omitempty"`
	Content           string `json:"content,omitempty"`
	ThinkingContent   string `json:"thinking_content,omitempty"`
	ThinkingSignature string `json:"thinking_signature,omitempty"`

	// tool_*
	ToolCall      *ToolCall          `json:"tool_call,omitempty"`
	ToolCallID    string             `json:"tool_call_id,omitempty"`
	ArgumentsDelta string            `json:"arguments_delta,omitempty"`
	ToolResult    *ToolResultPayload `json:"result,omitempty"`

	// file_*
	MimeType   string     `json:"mime_type,omitempty"`
	Data       string     `json:"data,omitempty"`
	DataFormat DataFormat `json:"data_format,omitempty"`

	// audio_stream
	ChunkIndex    int            `json:"chunk_index,omitempty"`
	IsFinalChunk  bool           `json:"is_final_chunk,omitempty"`
	AudioFormat   string         `json:"format,omitempty"`
	PCMParameters *PCMParameters `json:"pcm_parameters,omitempty"`

	// cost_update
	Usage *UsageRecord `json:"usage,omitempty"`

	// response_output
	Message *Message `json:"message,omitempty"`

	// agent_start/agent_status/agent_done
	AgentInput  string `json:"input,omitempty"`
	AgentOutput string `json:"output,omitempty"`
	AgentStatus string `json:"status,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}
