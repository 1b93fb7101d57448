// Package elevenlabs is the ElevenLabs ProviderAdapter. ElevenLabs has no
// official Go SDK, so this talks to the text-to-speech REST endpoint
// directly over net/http. CreateVoice returns the raw audio bytes rather
// than spooling them to a temp file.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/pkg/ensemble"
)

const (
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM" // Rachel
	defaultOutputFormat = "mp3_44100_128"
	apiBase             = "https://api.elevenlabs.io/v1/text-to-speech"
)

// Config configures an elevenlabs adapter.
type Config struct {
	provideradapter.Config
	APIKey          string
	ModelID         string // defaults to "eleven_monolingual_v1"
	Stability       float64
	SimilarityBoost float64
	HTTPClient      *http.Client
}

// Adapter implements provideradapter.Adapter's CreateVoice method only;
// ElevenLabs has no chat-completion, embedding, image, or transcription
// surface.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
}

var _ provideradapter.Adapter = (*Adapter)(nil)

// New builds an adapter. cfg.APIKey is required.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("elevenlabs: API key is required")
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "elevenlabs"
	}
	if cfg.ReadBudget <= 0 {
		cfg.ReadBudget = provideradapter.DefaultReadBudget
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_monolingual_v1"
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.75
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.ReadBudget}
	}
	return &Adapter{cfg: cfg, httpClient: client}, nil
}

func (a *Adapter) wrapError(err error, model string) *ensemble.ProviderError {
	return ensemble.NewProviderError(a.cfg.ProviderID, model, err)
}

// OpenStream is not supported: ElevenLabs is a voice-only provider.
func (a *Adapter) OpenStream(ctx context.Context, messages []ensemble.Message, model string, agent ensemble.AgentDefinition) (<-chan ensemble.Event, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "openStream"}
}

// CreateEmbedding is not supported.
func (a *Adapter) CreateEmbedding(ctx context.Context, texts []string, model string, opts provideradapter.EmbeddingOptions) ([][]float64, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createEmbedding"}
}

// CreateImage is not supported.
func (a *Adapter) CreateImage(ctx context.Context, prompt string, model string, agent ensemble.AgentDefinition, opts provideradapter.ImageOptions) ([]string, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createImage"}
}

// CreateTranscription is not supported; this adapter only synthesizes.
func (a *Adapter) CreateTranscription(ctx context.Context, audio []byte, model string, opts provideradapter.TranscriptionOptions) (<-chan provideradapter.TranscriptionEvent, error) {
	return nil, &provideradapter.ErrUnsupported{Provider: a.cfg.ProviderID, Method: "createTranscription"}
}

// CreateVoice synthesizes text to speech via ElevenLabs' REST API,
// returning the raw audio bytes. model is the voice id; an empty model
// falls back to opts.VoiceID, then to the Rachel default voice.
func (a *Adapter) CreateVoice(ctx context.Context, text string, model string, opts provideradapter.VoiceOptions) ([]byte, error) {
	voiceID := model
	if voiceID == "" {
		voiceID = opts.VoiceID
	}
	if voiceID == "" {
		voiceID = defaultVoiceID
	}
	format := opts.Format
	if format == "" {
		format = defaultOutputFormat
	}

	requestBody := map[string]any{
		"text":     text,
		"model_id": a.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        a.cfg.Stability,
			"similarity_boost": a.cfg.SimilarityBoost,
		},
	}
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: failed to marshal request: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, a.cfg.ReadBudget)
	defer cancel()

	url := fmt.Sprintf("%s/%s?output_format=%s", apiBase, voiceID, format)
	req, err := http.NewRequestWithContext(readCtx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: failed to create request: %w", err)
	}
	req.Header.Set("xi-api-key", a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, a.wrapError(fmt.Errorf("elevenlabs: request failed: %w", err), voiceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, a.wrapError(fmt.Errorf("elevenlabs: %s: %s", resp.Status, string(body)), voiceID)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.wrapError(fmt.Errorf("elevenlabs: failed to read audio: %w", err), voiceID)
	}
	return audio, nil
}
