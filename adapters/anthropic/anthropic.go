// Package anthropic is the ProviderAdapter implementation for Anthropic's
// Claude models.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/pkg/ensemble"
)

// maxEmptyStreamEvents guards against a malformed stream: one flooding
// with events that carry no observable payload is treated as broken
// rather than consumed forever.
const maxEmptyStreamEvents = 300

// defaultModel is used when no model id is supplied by the caller.
const defaultModel = "claude-sonnet-4-20250514"

// Config configures the Anthropic adapter.
type Config struct {
	provideradapter.Config
	APIKey  string
	BaseURL string
}

// Adapter implements provideradapter.Adapter for Anthropic.
type Adapter struct {
	client anthropic.Client
	cfg    Config
}

var _ provideradapter.Adapter = (*Adapter)(nil)

// New builds an Anthropic adapter. cfg.APIKey is required.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "anthropic"
	}
	if cfg.ReadBudget <= 0 {
		cfg.ReadBudget = provideradapter.DefaultReadBudget
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Adapter{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (a *Adapter) model(requested string) string {
	if requested != "" {
		return requested
	}
	return defaultModel
}

// OpenStream implements provideradapter.Adapter.
func (a *Adapter) OpenStream(ctx context.Context, messages []ensemble.Message, model string, agent ensemble.AgentDefinition) (<-chan ensemble.Event, error) {
	model = a.model(model)

	anthropicMessages, err := convertMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages,
		MaxTokens: maxTokens(agent.ModelSettings),
	}
	if system := systemPrompt(messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if tools := collectTools(agent); len(tools) > 0 {
		converted, err := convertTools(tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = converted
	}

	out := make(chan ensemble.Event, 16)
	tag := &ensemble.AgentTag{AgentID: agent.AgentID, Name: agent.Name, ParentID: agent.ParentID}

	readCtx, cancel := context.WithTimeout(ctx, a.cfg.ReadBudget)
	var stream eventStream = a.client.Messages.NewStreaming(readCtx, params)
	inputText := joinMessageText(messages)
	go func() {
		defer cancel()
		defer close(out)
		a.processStream(readCtx, stream, out, tag, model, inputText)
	}()
	return out, nil
}

// eventStream is the slice of ssestream.Stream this adapter consumes, kept
// as an interface so tests can feed a scripted event sequence through
// processStream without a live connection.
type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

var _ eventStream = (*ssestream.Stream[anthropic.MessageStreamEventUnion])(nil)

func (a *Adapter) processStream(ctx context.Context, stream eventStream, out chan<- ensemble.Event, tag *ensemble.AgentTag, model, inputText string) {
	messageID := uuid.NewString()
	started := false
	emptyEvents := 0
	inThinking := false

	var pendingTool *ensemble.ToolCall
	var toolInput strings.Builder

	var inputTokens, outputTokens int64

	send := func(ev ensemble.Event) {
		ev.Timestamp = time.Now()
		ev.Agent = tag
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	ensureStarted := func() {
		if !started {
			started = true
			send(ensemble.Event{Type: ensemble.EventMessageStart, MessageID: messageID, Role: ensemble.RoleAssistant})
		}
	}

	for stream.Next() {
		event := stream.Current()
		handled := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = ms.Message.Usage.InputTokens
			}
			handled = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				ensureStarted()
				send(ensemble.Event{Type: ensemble.EventMessageDelta, MessageID: messageID})
				handled = true
			case "tool_use":
				toolUse := block.AsToolUse()
				call := ensemble.ToolCall{ID: toolUse.ID, CallID: toolUse.ID}
				call.Function.Name = toolUse.Name
				pendingTool = &call
				toolInput.Reset()
				handled = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					ensureStarted()
					send(ensemble.Event{Type: ensemble.EventMessageDelta, MessageID: messageID, Content: delta.Text})
					handled = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					ensureStarted()
					send(ensemble.Event{Type: ensemble.EventMessageDelta, MessageID: messageID, ThinkingContent: delta.Thinking})
					handled = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					if pendingTool != nil {
						send(ensemble.Event{Type: ensemble.EventToolDelta, ToolCallID: pendingTool.ID, ArgumentsDelta: delta.PartialJSON})
					}
					handled = true
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				handled = true
			} else if pendingTool != nil {
				// tool_start is deferred until the block closes so the event
				// carries the fully assembled arguments; the copy keeps the
				// sent value immutable once it crosses the channel.
				call := *pendingTool
				call.Function.Arguments = toolInput.String()
				send(ensemble.Event{Type: ensemble.EventToolStart, ToolCall: &call})
				pendingTool = nil
				handled = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = md.Usage.OutputTokens
			}
			handled = true

		case "message_stop":
			if started {
				send(ensemble.Event{Type: ensemble.EventMessageComplete, MessageID: messageID})
			}
			usage := ensemble.UsageRecord{
				Model:        model,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				Timestamp:    time.Now(),
			}
			if a.cfg.Usage != nil {
				if inputTokens == 0 && outputTokens == 0 {
					usage = a.cfg.Usage.AddEstimatedUsage(model, inputText, "", map[string]string{"provider": "anthropic"})
				} else {
					usage = a.cfg.Usage.AddUsage(usage)
				}
			}
			send(ensemble.Event{Type: ensemble.EventCostUpdate, Usage: &usage})
			send(ensemble.Event{Type: ensemble.EventStreamEnd})
			return

		case "error":
			send(ensemble.Event{Type: ensemble.EventError, Error: a.wrapError(errors.New("anthropic stream error"), model).Error()})
			return
		}

		if handled {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				send(ensemble.Event{Type: ensemble.EventError, Error: fmt.Sprintf("anthropic: stream appears malformed after %d empty events", emptyEvents)})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(ensemble.Event{Type: ensemble.EventError, Error: a.wrapError(err, model).Error()})
	}
}

func (a *Adapter) wrapError(err error, model string) *ensemble.ProviderError {
	return ensemble.NewProviderError(a.cfg.ProviderID, model, err)
}

func maxTokens(settings ensemble.ModelSettings) int64 {
	if settings.MaxTokens > 0 {
		return int64(settings.MaxTokens)
	}
	return 4096
}

func systemPrompt(messages []ensemble.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Kind == ensemble.KindSystemOrUser && m.Role == ensemble.RoleSystem {
			parts = append(parts, m.PlainText())
		}
	}
	return strings.Join(parts, "\n\n")
}

func collectTools(agent ensemble.AgentDefinition) []ensemble.ToolDefinition {
	out := make([]ensemble.ToolDefinition, 0, len(agent.Tools))
	for _, t := range agent.Tools {
		out = append(out, t.Definition)
	}
	return out
}

func convertTools(tools []ensemble.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("tool %s: invalid schema", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		out = append(out, toolParam)
	}
	return out, nil
}

func convertMessages(messages []ensemble.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Kind {
		case ensemble.KindSystemOrUser:
			if m.Role == ensemble.RoleSystem {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.PlainText())))

		case ensemble.KindAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.PlainText())))

		case ensemble.KindFunctionCall:
			var input any
			if m.Arguments != "" {
				if err := json.Unmarshal([]byte(m.Arguments), &input); err != nil {
					return nil, fmt.Errorf("function call %s: %w", m.Name, err)
				}
			}
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewToolUseBlock(m.CallID, input, m.Name)))

		case ensemble.KindFunctionCallOutput:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.CallID, m.Output, false)))
		}
	}
	return out, nil
}

func joinMessageText(messages []ensemble.Message) string {
	out := ""
	for _, m := range messages {
		out += m.PlainText()
	}
	return out
}

// CreateEmbedding is unsupported: Anthropic's API does not offer a native
// embeddings endpoint.
func (a *Adapter) CreateEmbedding(ctx context.Context, texts []string, model string, opts provideradapter.EmbeddingOptions) ([][]float64, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createEmbedding"}
}

// CreateImage is unsupported: Claude does not generate images.
func (a *Adapter) CreateImage(ctx context.Context, prompt string, model string, agent ensemble.AgentDefinition, opts provideradapter.ImageOptions) ([]string, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createImage"}
}

// CreateVoice is unsupported: Claude does not synthesize speech.
func (a *Adapter) CreateVoice(ctx context.Context, text string, model string, opts provideradapter.VoiceOptions) ([]byte, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createVoice"}
}

// CreateTranscription is unsupported: Claude does not transcribe audio.
func (a *Adapter) CreateTranscription(ctx context.Context, audio []byte, model string, opts provideradapter.TranscriptionOptions) (<-chan provideradapter.TranscriptionEvent, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createTranscription"}
}
