package ensemble

import "time"

// ModelClassName identifies a named bucket of interchangeable models
// (e.g. "reasoning", "fast", "vision").
type ModelClassName string

// ModelFeatures describes a model's capability surface.
type ModelFeatures struct {
	ContextLength    int  `yaml:"context_length" json:"context_length"`
	SupportsFunctions bool `yaml:"supports_functions" json:"supports_functions"`
	Vision           bool `yaml:"vision" json:"vision"`
}

// ModelCost is a model's price table. Pricing is per million tokens unless
// noted; a tiered table selects a bucket by cumulative tokens consumed by
// that model since process start, a time-based table selects the entry
// whose wall-clock window covers the usage timestamp.
type ModelCost struct {
	InputPerMillion       float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million" json:"output_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million,omitempty" json:"cached_input_per_million,omitempty"`
	PerImage              float64 `yaml:"per_image,omitempty" json:"per_image,omitempty"`

	// Tiers, if non-empty, overrides the flat rates above with a
	// cumulative-token-bucketed price table.
	Tiers []CostTier `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	// Windows, if non-empty, overrides the flat rates above with a
	// wall-clock-windowed price table.
	Windows []CostWindow `yaml:"windows,omitempty" json:"windows,omitempty"`
}

// CostTier is one bucket of a cumulative-token-tiered price table.
type CostTier struct {
	UpToTokens       int64   `yaml:"up_to_tokens" json:"up_to_tokens"`
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// CostWindow is one entry of a wall-clock-windowed price table.
type CostWindow struct {
	From             time.Time `yaml:"from" json:"from"`
	Until            time.Time `yaml:"until" json:"until"`
	InputPerMillion  float64   `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64   `yaml:"output_per_million" json:"output_per_million"`
}

// ModelEntry is one row of the model catalog.
type ModelEntry struct {
	ID       string         `yaml:"id" json:"id"`
	Provider string         `yaml:"provider" json:"provider"`
	Aliases  []string       `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Class    ModelClassName `yaml:"class" json:"class"`
	Features ModelFeatures  `yaml:"features" json:"features"`
	Cost     ModelCost      `yaml:"cost" json:"cost"`
	Scores   map[string]int `yaml:"scores,omitempty" json:"scores,omitempty"`
}

// ModelClass groups models that can substitute for one another.
type ModelClass struct {
	Models []string `yaml:"models" json:"models"`
	Random bool     `yaml:"random" json:"random"`
}

// UsageRecord is one immutable ledger entry produced by the CostTracker.
type UsageRecord struct {
	Model         string            `json:"model"`
	InputTokens   int64             `json:"input_tokens"`
	OutputTokens  int64             `json:"output_tokens"`
	CachedTokens  int64             `json:"cached_tokens,omitempty"`
	ImageCount    int               `json:"image_count,omitempty"`
	Cost          float64           `json:"cost"`
	Timestamp     time.Time         `json:"timestamp"`
	RequestID     string            `json:"request_id,omitempty"`
	Estimated     bool              `json:"estimated,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RunningToolStatus is the lifecycle state of an in-flight tool execution.
type RunningToolStatus string

const (
	RunningToolRunning   RunningToolStatus = "running"
	RunningToolCompleted RunningToolStatus = "completed"
	RunningToolFailed    RunningToolStatus = "failed"
	RunningToolTimedOut  RunningToolStatus = "timed_out"
	RunningToolAborted   RunningToolStatus = "aborted"
)

// RunningTool is the RunningToolTracker's record for one dispatched call.
type RunningTool struct {
	ID        string
	Name      string
	AgentID   string
	Args      map[string]any
	StartTime time.Time
	EndTime   time.Time
	Status    RunningToolStatus
	Result    string
	Err       error
}

// ToolChoice mirrors the provider-agnostic tool_choice knob.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ModelSettings holds per-agent sampling and dispatch knobs.
type ModelSettings struct {
	Temperature     *float64
	TopP            *float64
	MaxTokens       int
	ToolChoice      ToolChoice
	JSONSchema      []byte
	SequentialTools bool
	Verbosity       string
	ServiceTier     string
}

// RetryOptions controls the orchestrator's retry policy for RateLimit and
// StreamInterrupted errors.
type RetryOptions struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// DefaultRetryOptions returns the retry policy used when an agent leaves
// RetryOptions unset.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
	}
}

// ToolCallHookAction is the verdict an onToolCall hook may return.
type ToolCallHookAction string

const (
	ToolCallProceed ToolCallHookAction = "proceed"
	ToolCallSkip    ToolCallHookAction = "skip"
)

// Hooks bundles an agent's optional lifecycle callbacks. Each is invoked
// synchronously by the Tool Execution Manager; a panicking or erroring hook
// is caught and logged, never allowed to abort the call.
type Hooks struct {
	OnToolCall   func(agentID string, call ToolCall) ToolCallHookAction
	OnToolResult func(agentID string, call ToolCall, result ToolCallResult)
	OnToolError  func(agentID string, call ToolCall, err error) (substitute string, ok bool)
	OnEvent      func(event any)
}

// AgentDefinition is the full per-agent configuration.
type AgentDefinition struct {
	AgentID    string
	Name       string
	Model      string
	ModelClass ModelClassName

	Tools           []ToolFunction
	DisabledModels  []string
	ModelScores     map[string]int
	ModelSettings   ModelSettings

	HistoryThread []Message

	MaxToolCalls             int
	MaxToolCallRoundsPerTurn int

	Verifier                 *AgentDefinition
	MaxVerificationAttempts  int

	Hooks Hooks

	RetryOptions RetryOptions

	ParentID string
}

// DefaultAgentDefinition fills the zero-value defaults for unset knobs.
func DefaultAgentDefinition(agentID, name string) AgentDefinition {
	return AgentDefinition{
		AgentID:                  agentID,
		Name:                     name,
		MaxToolCalls:             50,
		MaxToolCallRoundsPerTurn: 20,
		MaxVerificationAttempts:  2,
		RetryOptions:             DefaultRetryOptions(),
	}
}

// MessageHistoryState is the serializable snapshot of a MessageHistory.
type MessageHistoryState struct {
	Messages           []Message
	PinnedIndices      map[int]struct{}
	MicroLog           []MicroLogEntry
	ExtractedInfo      ExtractedInfo
	CompactionThreshold float64
	ModelID            string
}

// MicroLogEntry is one line of the rolling conversation-flow summary.
type MicroLogEntry struct {
	Role    Role
	Summary string
}

// ExtractedInfo is the best-effort entity/decision/todo/tool extraction
// produced during compaction.
type ExtractedInfo struct {
	Entities  []string
	Decisions []string
	Todos     []string
	Tools     []ToolUsageNote
}

// ToolUsageNote records one observed tool invocation for the "Key
// Information" section of a compaction summary.
type ToolUsageNote struct {
	Name    string
	Purpose string
}
