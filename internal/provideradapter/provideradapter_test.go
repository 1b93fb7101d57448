package provideradapter

import (
	"context"
	"errors"
	"testing"

	"github.com/just-every/ensemble/pkg/ensemble"
)

func drain(ch <-chan ensemble.Event) []ensemble.Event {
	var out []ensemble.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestOpenStreamFixedResponseSequence(t *testing.T) {
	p := &TestProvider{FixedResponse: "hello"}
	ch, err := p.OpenStream(context.Background(), nil, "test-model", ensemble.AgentDefinition{AgentID: "a1"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(ch)

	wantTypes := []ensemble.EventType{
		ensemble.EventMessageStart,
		ensemble.EventMessageDelta,
		ensemble.EventMessageComplete,
		ensemble.EventCostUpdate,
		ensemble.EventStreamEnd,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantTypes), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event[%d].Type = %q, want %q", i, events[i].Type, want)
		}
	}
	if events[2].Content != "hello" {
		t.Fatalf("message_complete content = %q, want hello", events[2].Content)
	}
}

func TestOpenStreamSimulatesToolCall(t *testing.T) {
	p := &TestProvider{SimulateToolCall: true, ToolName: "search", ToolArguments: `{"q":"go"}`}
	ch, _ := p.OpenStream(context.Background(), nil, "m", ensemble.AgentDefinition{AgentID: "a1"})
	events := drain(ch)

	var sawToolStart bool
	for _, ev := range events {
		if ev.Type == ensemble.EventToolStart {
			sawToolStart = true
			if ev.ToolCall.Function.Name != "search" {
				t.Fatalf("tool name = %q, want search", ev.ToolCall.Function.Name)
			}
		}
	}
	if !sawToolStart {
		t.Fatal("expected a tool_start event")
	}
	if events[len(events)-1].Type != ensemble.EventStreamEnd {
		t.Fatal("expected stream to end with stream_end")
	}
}

func TestOpenStreamShouldErrorEmitsTerminalError(t *testing.T) {
	p := &TestProvider{ShouldError: errors.New("boom")}
	ch, _ := p.OpenStream(context.Background(), nil, "m", ensemble.AgentDefinition{AgentID: "a1"})
	events := drain(ch)
	if len(events) != 1 || events[0].Type != ensemble.EventError {
		t.Fatalf("events = %+v, want single error event", events)
	}
	if events[0].Error != "boom" {
		t.Fatalf("error = %q, want boom", events[0].Error)
	}
}

func TestOpenStreamEventsCarryAgentTag(t *testing.T) {
	p := &TestProvider{FixedResponse: "x"}
	ch, _ := p.OpenStream(context.Background(), nil, "m", ensemble.AgentDefinition{AgentID: "agent-9", Name: "n"})
	for _, ev := range drain(ch) {
		if ev.Agent == nil || ev.Agent.AgentID != "agent-9" {
			t.Fatalf("event %+v missing agent tag", ev)
		}
	}
}

func TestCreateEmbeddingReturnsOneVectorPerInput(t *testing.T) {
	p := &TestProvider{}
	vecs, err := p.CreateEmbedding(context.Background(), []string{"a", "b", "c"}, "m", EmbeddingOptions{Dimensions: 16})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("len = %d, want 3", len(vecs))
	}
	for _, v := range vecs {
		if len(v) != 16 {
			t.Fatalf("vector len = %d, want 16", len(v))
		}
	}
}

func TestCreateImageDefaultsToOneResult(t *testing.T) {
	p := &TestProvider{}
	urls, err := p.CreateImage(context.Background(), "a cat", "m", ensemble.AgentDefinition{}, ImageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 1 {
		t.Fatalf("len = %d, want 1", len(urls))
	}
}

func TestCreateVoiceReturnsBytes(t *testing.T) {
	p := &TestProvider{}
	out, err := p.CreateVoice(context.Background(), "hello", "m", VoiceOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello" {
		t.Fatalf("out = %q, want hello", out)
	}
}

func TestCreateTranscriptionEmitsFinalEvent(t *testing.T) {
	p := &TestProvider{FixedResponse: "transcribed text"}
	ch, err := p.CreateTranscription(context.Background(), []byte{1, 2, 3}, "m", TranscriptionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var events []TranscriptionEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 1 || !events[0].IsFinal || events[0].Text != "transcribed text" {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpenStreamRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &TestProvider{FixedResponse: "x"}
	ch, _ := p.OpenStream(ctx, nil, "m", ensemble.AgentDefinition{})
	cancel()
	// Draining should terminate (channel closed) rather than hang, even
	// though the context was cancelled mid-stream.
	for range ch {
	}
}
