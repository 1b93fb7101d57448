// Package provideradapter defines the ProviderAdapter interface ([G] in the
// module map) and a deterministic TestProvider implementation used by the
// orchestrator's own tests and by callers wiring up fixtures.
package provideradapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/just-every/ensemble/pkg/ensemble"
)

// EmbeddingOptions configures a createEmbedding call.
type EmbeddingOptions struct {
	Dimensions int
}

// ImageOptions configures a createImage call.
type ImageOptions struct {
	Size  string
	Count int
}

// VoiceOptions configures a createVoice (text-to-speech) call.
type VoiceOptions struct {
	VoiceID string
	Format  string
}

// TranscriptionOptions configures a createTranscription call.
type TranscriptionOptions struct {
	Language string
}

// TranscriptionEvent is one chunk of a streamed transcription.
type TranscriptionEvent struct {
	Text      string
	IsFinal   bool
	Timestamp time.Time
}

// Adapter is the ProviderAdapter interface. Not every
// provider implements every method meaningfully; adapters that don't
// support a capability return a *ErrUnsupported.
type Adapter interface {
	// OpenStream opens a streaming completion and returns a channel of
	// canonical events terminated by an EventStreamEnd (or a single
	// EventError). The channel is closed once the terminal event has been
	// sent. Cancelling ctx closes the provider connection.
	OpenStream(ctx context.Context, messages []ensemble.Message, model string, agent ensemble.AgentDefinition) (<-chan ensemble.Event, error)

	// CreateEmbedding returns one vector per input text.
	CreateEmbedding(ctx context.Context, texts []string, model string, opts EmbeddingOptions) ([][]float64, error)

	// CreateImage returns image payloads (URL or base64 depending on the
	// provider) for prompt.
	CreateImage(ctx context.Context, prompt string, model string, agent ensemble.AgentDefinition, opts ImageOptions) ([]string, error)

	// CreateVoice synthesizes text to speech, returning the raw audio bytes.
	CreateVoice(ctx context.Context, text string, model string, opts VoiceOptions) ([]byte, error)

	// CreateTranscription streams transcription events for an audio buffer.
	CreateTranscription(ctx context.Context, audio []byte, model string, opts TranscriptionOptions) (<-chan TranscriptionEvent, error)
}

// ErrUnsupported is returned by adapters that don't implement a given
// capability (e.g. a voice-only provider's OpenStream).
type ErrUnsupported struct {
	Provider string
	Method   string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("provideradapter: %s does not support %s", e.Provider, e.Method)
}

// UsageReporter receives usage records as an adapter discovers them on the
// wire; usage missing from the wire is estimated instead.
type UsageReporter interface {
	AddUsage(ensemble.UsageRecord) ensemble.UsageRecord
	AddEstimatedUsage(model, inputText, outputText string, meta map[string]string) ensemble.UsageRecord
}

// Config bundles the fixed parameters every concrete adapter in this repo
// takes: its provider id (for error classification and usage metadata),
// the usage reporter it reports into, and a per-request network-read
// budget.
type Config struct {
	ProviderID string
	Usage      UsageReporter
	ReadBudget time.Duration
}

// DefaultReadBudget is applied by each adapter's New when Config.ReadBudget
// is unset.
const DefaultReadBudget = 60 * time.Second

// TestProvider is a deterministic ProviderAdapter fixture whose behavior
// is configured through a plain record, so tests never monkey-patch or
// touch the network.
type TestProvider struct {
	// FixedResponse is emitted as the assistant message text when
	// SimulateToolCall is false.
	FixedResponse string

	// SimulateToolCall, when true, emits a single tool_start for ToolName
	// with ToolArguments instead of a text response.
	SimulateToolCall bool
	ToolName         string
	ToolArguments    string

	// StreamingDelay is slept between each emitted event, simulating
	// network latency without requiring a real clock dependency in tests
	// (tests should set this to 0 or a few milliseconds).
	StreamingDelay time.Duration

	// ShouldError, when non-nil, is emitted as a terminal error event
	// instead of any normal completion.
	ShouldError error

	// Usage, when set, receives the synthetic usage record OpenStream
	// produces for non-tool-call completions. Left nil in tests that only
	// care about the event sequence shape.
	Usage UsageReporter
}

var _ Adapter = (*TestProvider)(nil)

// OpenStream emits a deterministic event sequence driven entirely by the
// TestProvider's configuration, never touching the network.
func (p *TestProvider) OpenStream(ctx context.Context, messages []ensemble.Message, model string, agent ensemble.AgentDefinition) (<-chan ensemble.Event, error) {
	out := make(chan ensemble.Event, 8)
	go func() {
		defer close(out)
		tag := &ensemble.AgentTag{AgentID: agent.AgentID, Name: agent.Name, ParentID: agent.ParentID}
		send := func(ev ensemble.Event) bool {
			ev.Timestamp = time.Now()
			ev.Agent = tag
			if p.StreamingDelay > 0 {
				select {
				case <-time.After(p.StreamingDelay):
				case <-ctx.Done():
					return false
				}
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if p.ShouldError != nil {
			send(ensemble.Event{Type: ensemble.EventError, Error: p.ShouldError.Error()})
			return
		}

		messageID := uuid.NewString()
		if !send(ensemble.Event{Type: ensemble.EventMessageStart, MessageID: messageID, Role: ensemble.RoleAssistant}) {
			return
		}

		if p.SimulateToolCall {
			call := ensemble.ToolCall{ID: uuid.NewString(), CallID: uuid.NewString()}
			call.Function.Name = p.ToolName
			call.Function.Arguments = p.ToolArguments
			if !send(ensemble.Event{Type: ensemble.EventToolStart, ToolCall: &call}) {
				return
			}
		} else {
			if !send(ensemble.Event{Type: ensemble.EventMessageDelta, MessageID: messageID, Content: p.FixedResponse}) {
				return
			}
			if !send(ensemble.Event{Type: ensemble.EventMessageComplete, MessageID: messageID, Content: p.FixedResponse}) {
				return
			}
			usage := ensemble.UsageRecord{
				Model:        model,
				InputTokens:  estimateTokens(joinMessageText(messages)),
				OutputTokens: estimateTokens(p.FixedResponse),
				Timestamp:    time.Now(),
			}
			if p.Usage != nil {
				usage = p.Usage.AddUsage(usage)
			}
			if !send(ensemble.Event{Type: ensemble.EventCostUpdate, Usage: &usage}) {
				return
			}
		}

		send(ensemble.Event{Type: ensemble.EventStreamEnd})
	}()
	return out, nil
}

// CreateEmbedding returns a fixed-length zero vector per input, sufficient
// for tests that only assert on call count and vector length.
func (p *TestProvider) CreateEmbedding(ctx context.Context, texts []string, model string, opts EmbeddingOptions) ([][]float64, error) {
	dims := opts.Dimensions
	if dims <= 0 {
		dims = 8
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = make([]float64, dims)
	}
	return out, nil
}

// CreateImage returns opts.Count placeholder URLs (one when Count is
// unset), each carrying a fresh random id.
func (p *TestProvider) CreateImage(ctx context.Context, prompt string, model string, agent ensemble.AgentDefinition, opts ImageOptions) ([]string, error) {
	n := opts.Count
	if n <= 0 {
		n = 1
	}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("test://image/%s/%d", uuid.NewString(), i)
	}
	return out, nil
}

// CreateVoice returns the UTF-8 bytes of text itself; sufficient for tests
// that assert on byte-length or round-tripping, not on real audio.
func (p *TestProvider) CreateVoice(ctx context.Context, text string, model string, opts VoiceOptions) ([]byte, error) {
	return []byte(text), nil
}

// CreateTranscription echoes FixedResponse back as a single final event.
func (p *TestProvider) CreateTranscription(ctx context.Context, audio []byte, model string, opts TranscriptionOptions) (<-chan TranscriptionEvent, error) {
	out := make(chan TranscriptionEvent, 1)
	go func() {
		defer close(out)
		ev := TranscriptionEvent{Text: p.FixedResponse, IsFinal: true, Timestamp: time.Now()}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func joinMessageText(messages []ensemble.Message) string {
	out := ""
	for _, m := range messages {
		out += m.PlainText()
	}
	return out
}

func estimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	return int64(n)
}
