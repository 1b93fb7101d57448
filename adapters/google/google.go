// Package google is the Gemini ProviderAdapter, wrapping
// google.golang.org/genai.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/pkg/ensemble"
)

const defaultModel = "gemini-2.0-flash"

// Config configures a google adapter.
type Config struct {
	provideradapter.Config
	APIKey string
}

// Adapter implements provideradapter.Adapter against the Gemini API.
type Adapter struct {
	client *genai.Client
	cfg    Config
}

var _ provideradapter.Adapter = (*Adapter)(nil)

// New builds an adapter. cfg.APIKey is required.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("google: API key is required")
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "google"
	}
	if cfg.ReadBudget <= 0 {
		cfg.ReadBudget = provideradapter.DefaultReadBudget
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

func (a *Adapter) model(requested string) string {
	if requested == "" {
		return defaultModel
	}
	return requested
}

// OpenStream implements provideradapter.Adapter.
func (a *Adapter) OpenStream(ctx context.Context, messages []ensemble.Message, model string, agent ensemble.AgentDefinition) (<-chan ensemble.Event, error) {
	model = a.model(model)
	contents := convertMessages(messages)
	config := buildConfig(messages, agent)

	readCtx, cancel := context.WithTimeout(ctx, a.cfg.ReadBudget)
	out := make(chan ensemble.Event, 16)
	tag := &ensemble.AgentTag{AgentID: agent.AgentID, Name: agent.Name, ParentID: agent.ParentID}
	inputText := joinMessageText(messages)

	go func() {
		defer cancel()
		defer close(out)
		streamIter := a.client.Models.GenerateContentStream(readCtx, model, contents, config)
		a.processStream(readCtx, streamIter, out, tag, model, inputText)
	}()
	return out, nil
}

func (a *Adapter) processStream(ctx context.Context, streamIter func(func(*genai.GenerateContentResponse, error) bool), out chan<- ensemble.Event, tag *ensemble.AgentTag, model, inputText string) {
	messageID := uuid.NewString()
	started := false
	var textAccum strings.Builder

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

	var streamErr error
	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			send(ensemble.Event{Type: ensemble.EventError, Error: a.wrapError(ctx.Err(), model).Error()})
			return
		default:
		}
		if err != nil {
			streamErr = err
			break
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					ensureStarted()
					textAccum.WriteString(part.Text)
					send(ensemble.Event{Type: ensemble.EventMessageDelta, MessageID: messageID, Content: part.Text})
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					callID := uuid.NewString()
					call := ensemble.ToolCall{ID: callID, CallID: callID}
					call.Function.Name = part.FunctionCall.Name
					call.Function.Arguments = string(argsJSON)
					send(ensemble.Event{Type: ensemble.EventToolStart, ToolCall: &call})
				}
			}
		}
		if resp.UsageMetadata != nil {
			usage := ensemble.UsageRecord{
				Model:        model,
				InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
				Timestamp:    time.Now(),
			}
			if a.cfg.Usage != nil {
				usage = a.cfg.Usage.AddUsage(usage)
			}
			send(ensemble.Event{Type: ensemble.EventCostUpdate, Usage: &usage})
		}
	}

	if streamErr != nil {
		send(ensemble.Event{Type: ensemble.EventError, Error: a.wrapError(streamErr, model).Error()})
		return
	}

	if started {
		send(ensemble.Event{Type: ensemble.EventMessageComplete, MessageID: messageID, Content: textAccum.String()})
	}
	if a.cfg.Usage != nil {
		usage := a.cfg.Usage.AddEstimatedUsage(model, inputText, textAccum.String(), map[string]string{"provider": "google"})
		send(ensemble.Event{Type: ensemble.EventCostUpdate, Usage: &usage})
	}
	send(ensemble.Event{Type: ensemble.EventStreamEnd})
}

func (a *Adapter) wrapError(err error, model string) *ensemble.ProviderError {
	return ensemble.NewProviderError(a.cfg.ProviderID, model, err)
}

func buildConfig(messages []ensemble.Message, agent ensemble.AgentDefinition) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if sys := systemPrompt(messages); sys != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sys}}}
	}
	if agent.ModelSettings.MaxTokens > 0 {
		config.MaxOutputTokens = int32(agent.ModelSettings.MaxTokens)
	}
	if tools := collectTools(agent); len(tools) > 0 {
		config.Tools = convertTools(tools)
	}
	return config
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

func convertTools(tools []ensemble.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schemaMap map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil {
				schemaMap = nil
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's typed Schema.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func convertMessages(messages []ensemble.Message) []*genai.Content {
	var result []*genai.Content
	for _, m := range messages {
		if m.Kind == ensemble.KindSystemOrUser && m.Role == ensemble.RoleSystem {
			continue
		}
		content := &genai.Content{}
		switch m.Kind {
		case ensemble.KindSystemOrUser:
			content.Role = genai.RoleUser
			content.Parts = append(content.Parts, &genai.Part{Text: m.PlainText()})
		case ensemble.KindAssistant:
			content.Role = genai.RoleModel
			content.Parts = append(content.Parts, &genai.Part{Text: m.PlainText()})
		case ensemble.KindFunctionCall:
			content.Role = genai.RoleModel
			var args map[string]any
			if err := json.Unmarshal([]byte(m.Arguments), &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: m.Name, Args: args},
			})
		case ensemble.KindFunctionCallOutput:
			content.Role = genai.RoleUser
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Output), &response); err != nil {
				response = map[string]any{"result": m.Output}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: m.CallID, Response: response},
			})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func joinMessageText(messages []ensemble.Message) string {
	out := ""
	for _, m := range messages {
		out += m.PlainText()
	}
	return out
}

// CreateEmbedding is not implemented for this adapter; the openaicompat
// adapters cover embeddings.
func (a *Adapter) CreateEmbedding(ctx context.Context, texts []string, model string, opts provideradapter.EmbeddingOptions) ([][]float64, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createEmbedding"}
}

// CreateImage is not implemented for this adapter.
func (a *Adapter) CreateImage(ctx context.Context, prompt string, model string, agent ensemble.AgentDefinition, opts provideradapter.ImageOptions) ([]string, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createImage"}
}

// CreateVoice is not implemented; the elevenlabs adapter serves
// text-to-speech.
func (a *Adapter) CreateVoice(ctx context.Context, text string, model string, opts provideradapter.VoiceOptions) ([]byte, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createVoice"}
}

// CreateTranscription is not implemented for the same reason as
// CreateVoice.
func (a *Adapter) CreateTranscription(ctx context.Context, audio []byte, model string, opts provideradapter.TranscriptionOptions) (<-chan provideradapter.TranscriptionEvent, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createTranscription"}
}
