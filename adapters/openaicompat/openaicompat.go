// Package openaicompat is the shared ProviderAdapter base for every
// OpenAI-wire-compatible backend: OpenAI itself, xAI, DeepSeek, and
// OpenRouter all speak the same chat-completions streaming protocol and
// differ only in base URL and provider id.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/pkg/ensemble"
)

func newByteReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

// Config configures an openaicompat adapter.
type Config struct {
	provideradapter.Config
	APIKey  string
	BaseURL string // empty uses the official OpenAI API.
}

// Adapter implements provideradapter.Adapter against any OpenAI-wire
// chat-completions-compatible backend.
type Adapter struct {
	client *openai.Client
	cfg    Config
}

var _ provideradapter.Adapter = (*Adapter)(nil)

// New builds an adapter. cfg.APIKey is required.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openaicompat: API key is required for provider %q", cfg.ProviderID)
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "openai"
	}
	if cfg.ReadBudget <= 0 {
		cfg.ReadBudget = provideradapter.DefaultReadBudget
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Adapter{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}, nil
}

// OpenStream implements provideradapter.Adapter.
func (a *Adapter) OpenStream(ctx context.Context, messages []ensemble.Message, model string, agent ensemble.AgentDefinition) (<-chan ensemble.Event, error) {
	oaiMessages := convertMessages(messages)
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: oaiMessages,
		Stream:   true,
	}
	if agent.ModelSettings.MaxTokens > 0 {
		req.MaxTokens = agent.ModelSettings.MaxTokens
	}
	if agent.ModelSettings.Temperature != nil {
		req.Temperature = float32(*agent.ModelSettings.Temperature)
	}
	if agent.ModelSettings.TopP != nil {
		req.TopP = float32(*agent.ModelSettings.TopP)
	}
	if tools := collectTools(agent); len(tools) > 0 {
		req.Tools = convertTools(tools)
	}

	readCtx, cancel := context.WithTimeout(ctx, a.cfg.ReadBudget)
	stream, err := a.client.CreateChatCompletionStream(readCtx, req)
	if err != nil {
		cancel()
		return nil, a.wrapError(err, model)
	}

	out := make(chan ensemble.Event, 16)
	tag := &ensemble.AgentTag{AgentID: agent.AgentID, Name: agent.Name, ParentID: agent.ParentID}
	inputText := joinMessageText(messages)

	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()
		a.processStream(readCtx, stream, out, tag, model, inputText)
	}()
	return out, nil
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *Adapter) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- ensemble.Event, tag *ensemble.AgentTag, model, inputText string) {
	messageID := uuid.NewString()
	started := false
	var textAccum strings.Builder
	toolCalls := make(map[int]*pendingToolCall)

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
	flushToolCalls := func() {
		for _, order := range orderedIndices(toolCalls) {
			tc := toolCalls[order]
			if tc.id == "" || tc.name == "" {
				continue
			}
			call := ensemble.ToolCall{ID: tc.id, CallID: tc.id}
			call.Function.Name = tc.name
			call.Function.Arguments = tc.args.String()
			send(ensemble.Event{Type: ensemble.EventToolStart, ToolCall: &call})
		}
		toolCalls = make(map[int]*pendingToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			send(ensemble.Event{Type: ensemble.EventError, Error: a.wrapError(ctx.Err(), model).Error()})
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				if started {
					send(ensemble.Event{Type: ensemble.EventMessageComplete, MessageID: messageID, Content: textAccum.String()})
				}
				usage := ensemble.UsageRecord{Model: model, Timestamp: time.Now()}
				if a.cfg.Usage != nil {
					usage = a.cfg.Usage.AddEstimatedUsage(model, inputText, textAccum.String(), map[string]string{"provider": a.cfg.ProviderID})
				}
				send(ensemble.Event{Type: ensemble.EventCostUpdate, Usage: &usage})
				send(ensemble.Event{Type: ensemble.EventStreamEnd})
				return
			}
			send(ensemble.Event{Type: ensemble.EventError, Error: a.wrapError(err, model).Error()})
			return
		}

		if resp.Usage != nil {
			usage := ensemble.UsageRecord{
				Model:        model,
				InputTokens:  int64(resp.Usage.PromptTokens),
				OutputTokens: int64(resp.Usage.CompletionTokens),
				Timestamp:    time.Now(),
			}
			if a.cfg.Usage != nil {
				usage = a.cfg.Usage.AddUsage(usage)
			}
			send(ensemble.Event{Type: ensemble.EventCostUpdate, Usage: &usage})
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			ensureStarted()
			textAccum.WriteString(delta.Content)
			send(ensemble.Event{Type: ensemble.EventMessageDelta, MessageID: messageID, Content: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pending, ok := toolCalls[idx]
			if !ok {
				pending = &pendingToolCall{}
				toolCalls[idx] = pending
			}
			if tc.ID != "" {
				pending.id = tc.ID
			}
			if tc.Function.Name != "" {
				pending.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending.args.WriteString(tc.Function.Arguments)
				send(ensemble.Event{Type: ensemble.EventToolDelta, ToolCallID: pending.id, ArgumentsDelta: tc.Function.Arguments})
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

func orderedIndices(m map[int]*pendingToolCall) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (a *Adapter) wrapError(err error, model string) *ensemble.ProviderError {
	return ensemble.NewProviderError(a.cfg.ProviderID, model, err)
}

func collectTools(agent ensemble.AgentDefinition) []ensemble.ToolDefinition {
	out := make([]ensemble.ToolDefinition, 0, len(agent.Tools))
	for _, t := range agent.Tools {
		out = append(out, t.Definition)
	}
	return out
}

func convertTools(tools []ensemble.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func convertMessages(messages []ensemble.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Kind {
		case ensemble.KindSystemOrUser:
			role := openai.ChatMessageRoleUser
			if m.Role == ensemble.RoleSystem {
				role = openai.ChatMessageRoleSystem
			} else if m.Role == ensemble.RoleDeveloper {
				role = openai.ChatMessageRoleDeveloper
			}
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.PlainText()})

		case ensemble.KindAssistant:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.PlainText()})

		case ensemble.KindFunctionCall:
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   m.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      m.Name,
						Arguments: m.Arguments,
					},
				}},
			})

		case ensemble.KindFunctionCallOutput:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Output,
				ToolCallID: m.CallID,
			})
		}
	}
	return out
}

func joinMessageText(messages []ensemble.Message) string {
	out := ""
	for _, m := range messages {
		out += m.PlainText()
	}
	return out
}

// CreateEmbedding implements provideradapter.Adapter via OpenAI's
// embeddings endpoint.
func (a *Adapter) CreateEmbedding(ctx context.Context, texts []string, model string, opts provideradapter.EmbeddingOptions) ([][]float64, error) {
	req := openai.EmbeddingRequestStrings{Input: texts, Model: openai.EmbeddingModel(model)}
	resp, err := a.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, a.wrapError(err, model)
	}
	out := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float64, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}

// CreateImage implements provideradapter.Adapter via OpenAI's image
// generation endpoint.
func (a *Adapter) CreateImage(ctx context.Context, prompt string, model string, agent ensemble.AgentDefinition, opts provideradapter.ImageOptions) ([]string, error) {
	n := opts.Count
	if n <= 0 {
		n = 1
	}
	size := opts.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	resp, err := a.client.CreateImage(ctx, openai.ImageRequest{
		Prompt: prompt,
		Model:  model,
		N:      n,
		Size:   size,
	})
	if err != nil {
		return nil, a.wrapError(err, model)
	}
	out := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL != "" {
			out = append(out, d.URL)
		} else {
			out = append(out, d.B64JSON)
		}
	}
	return out, nil
}

// CreateVoice implements provideradapter.Adapter via OpenAI's
// text-to-speech endpoint.
func (a *Adapter) CreateVoice(ctx context.Context, text string, model string, opts provideradapter.VoiceOptions) ([]byte, error) {
	voice := openai.VoiceAlloy
	if opts.VoiceID != "" {
		voice = openai.SpeechVoice(opts.VoiceID)
	}
	format := openai.SpeechResponseFormatMp3
	if opts.Format != "" {
		format = openai.SpeechResponseFormat(opts.Format)
	}
	resp, err := a.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          text,
		Voice:          voice,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, a.wrapError(err, model)
	}
	defer resp.Close()
	return io.ReadAll(resp)
}

// CreateTranscription implements provideradapter.Adapter via OpenAI's
// Whisper transcription endpoint. The provider returns the full
// transcript in one shot, so the returned channel emits exactly one
// final TranscriptionEvent.
func (a *Adapter) CreateTranscription(ctx context.Context, audio []byte, model string, opts provideradapter.TranscriptionOptions) (<-chan provideradapter.TranscriptionEvent, error) {
	resp, err := a.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		Reader:   newByteReader(audio),
		FilePath: "audio.wav",
		Language: opts.Language,
	})
	if err != nil {
		return nil, a.wrapError(err, model)
	}
	out := make(chan provideradapter.TranscriptionEvent, 1)
	go func() {
		defer close(out)
		ev := provideradapter.TranscriptionEvent{Text: resp.Text, IsFinal: true, Timestamp: time.Now()}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
