package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/pkg/ensemble"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNewDefaultsProviderID(t *testing.T) {
	a, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.cfg.ProviderID != "anthropic" {
		t.Fatalf("want provider id 'anthropic', got %q", a.cfg.ProviderID)
	}
	if a.cfg.ReadBudget <= 0 {
		t.Fatalf("expected a default read budget to be applied")
	}
}

func TestSystemPromptJoinsSystemMessagesOnly(t *testing.T) {
	messages := []ensemble.Message{
		ensemble.NewSystemMessage("be terse"),
		ensemble.NewUserMessage("hello"),
		ensemble.NewSystemMessage("never apologize"),
	}
	got := systemPrompt(messages)
	want := "be terse\n\nnever apologize"
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestConvertMessagesSkipsSystemAndMapsKinds(t *testing.T) {
	messages := []ensemble.Message{
		ensemble.NewSystemMessage("be terse"),
		ensemble.NewUserMessage("what's the weather"),
		ensemble.NewFunctionCall("call-1", "get_weather", `{"city":"nyc"}`),
		ensemble.NewFunctionCallOutput("call-1", "72F and sunny", ensemble.StatusCompleted),
		ensemble.NewAssistantMessage("it's 72F and sunny"),
	}

	out, err := convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	// system message is dropped; the other four become Anthropic messages.
	if len(out) != 4 {
		t.Fatalf("want 4 converted messages, got %d", len(out))
	}
}

func TestConvertMessagesRejectsInvalidFunctionCallArguments(t *testing.T) {
	messages := []ensemble.Message{
		ensemble.NewFunctionCall("call-1", "get_weather", `not json`),
	}
	if _, err := convertMessages(messages); err == nil {
		t.Fatal("expected an error for malformed tool call arguments")
	}
}

func TestCollectToolsReturnsDefinitions(t *testing.T) {
	agent := ensemble.AgentDefinition{
		Tools: []ensemble.ToolFunction{
			{Definition: ensemble.ToolDefinition{Name: "search", Description: "web search"}},
			{Definition: ensemble.ToolDefinition{Name: "lookup", Description: "db lookup"}},
		},
	}
	got := collectTools(agent)
	if len(got) != 2 || got[0].Name != "search" || got[1].Name != "lookup" {
		t.Fatalf("unexpected tools: %+v", got)
	}
}

func TestConvertToolsBuildsSchema(t *testing.T) {
	params, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	})
	tools := []ensemble.ToolDefinition{
		{Name: "search", Description: "web search", Parameters: params},
	}
	out, err := convertTools(tools)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("expected one tool param, got %+v", out)
	}
	if out[0].OfTool.Name != "search" {
		t.Fatalf("want tool name 'search', got %q", out[0].OfTool.Name)
	}
}

func TestMaxTokensDefaultsWhenUnset(t *testing.T) {
	if got := maxTokens(ensemble.ModelSettings{}); got != 4096 {
		t.Fatalf("want default 4096, got %d", got)
	}
	if got := maxTokens(ensemble.ModelSettings{MaxTokens: 2048}); got != 2048 {
		t.Fatalf("want 2048, got %d", got)
	}
}

func TestUnsupportedCapabilitiesReturnErrUnsupported(t *testing.T) {
	a, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.CreateEmbedding(context.Background(), nil, "", provideradapter.EmbeddingOptions{}); err == nil {
		t.Fatal("expected unsupported error")
	}
	if _, err := a.CreateImage(context.Background(), "", "", ensemble.AgentDefinition{}, provideradapter.ImageOptions{}); err == nil {
		t.Fatal("expected unsupported error")
	}
	if _, err := a.CreateVoice(context.Background(), "", "", provideradapter.VoiceOptions{}); err == nil {
		t.Fatal("expected unsupported error")
	}
	if _, err := a.CreateTranscription(context.Background(), nil, "", provideradapter.TranscriptionOptions{}); err == nil {
		t.Fatal("expected unsupported error")
	}
}

// fakeStream feeds a scripted event sequence through processStream. Events
// are built by unmarshaling the provider's own wire JSON so the union
// accessors behave exactly as they do on a live stream.
type fakeStream struct {
	events []anthropic.MessageStreamEventUnion
	i      int
}

func (s *fakeStream) Next() bool {
	if s.i < len(s.events) {
		s.i++
		return true
	}
	return false
}

func (s *fakeStream) Current() anthropic.MessageStreamEventUnion { return s.events[s.i-1] }

func (s *fakeStream) Err() error { return nil }

func streamOf(t *testing.T, raw ...string) *fakeStream {
	t.Helper()
	events := make([]anthropic.MessageStreamEventUnion, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal([]byte(r), &events[i]); err != nil {
			t.Fatalf("unmarshal event %d: %v", i, err)
		}
	}
	return &fakeStream{events: events}
}

func TestProcessStreamToolUseEmitsSingleToolStartWithFinalArguments(t *testing.T) {
	a, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	stream := streamOf(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"add","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"x\":2,"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"y\":3}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	)

	out := make(chan ensemble.Event, 32)
	go func() {
		defer close(out)
		a.processStream(context.Background(), stream, out, &ensemble.AgentTag{AgentID: "a1"}, "test-model", "input")
	}()

	var toolStarts []ensemble.Event
	var toolDeltas int
	var sawStreamEnd bool
	for ev := range out {
		switch ev.Type {
		case ensemble.EventToolStart:
			toolStarts = append(toolStarts, ev)
		case ensemble.EventToolDelta:
			toolDeltas++
		case ensemble.EventToolDone:
			t.Fatal("the provider stream must not emit tool_done; tool completion is the orchestrator's job")
		case ensemble.EventStreamEnd:
			sawStreamEnd = true
		}
	}

	if len(toolStarts) != 1 {
		t.Fatalf("want exactly one tool_start, got %d", len(toolStarts))
	}
	call := toolStarts[0].ToolCall
	if call == nil || call.ID != "toolu_1" || call.CallID != "toolu_1" {
		t.Fatalf("unexpected tool call identity: %+v", call)
	}
	if call.Function.Name != "add" {
		t.Fatalf("want tool name add, got %q", call.Function.Name)
	}
	if call.Function.Arguments != `{"x":2,"y":3}` {
		t.Fatalf("want finalized arguments on tool_start, got %q", call.Function.Arguments)
	}
	if toolDeltas != 2 {
		t.Fatalf("want a tool_delta per input_json_delta chunk, got %d", toolDeltas)
	}
	if !sawStreamEnd {
		t.Fatal("expected the stream to terminate with stream_end")
	}
}

func TestProcessStreamTextDeltas(t *testing.T) {
	a, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	stream := streamOf(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":3}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"he"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"llo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	)

	out := make(chan ensemble.Event, 32)
	go func() {
		defer close(out)
		a.processStream(context.Background(), stream, out, &ensemble.AgentTag{AgentID: "a1"}, "test-model", "input")
	}()

	var text string
	var startRole ensemble.Role
	for ev := range out {
		switch ev.Type {
		case ensemble.EventMessageStart:
			startRole = ev.Role
		case ensemble.EventMessageDelta:
			text += ev.Content
		}
	}
	if text != "hello" {
		t.Fatalf("want assembled text hello, got %q", text)
	}
	if startRole != ensemble.RoleAssistant {
		t.Fatalf("want message_start role assistant, got %q", startRole)
	}
}
