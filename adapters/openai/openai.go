// Package openai is the official OpenAI ProviderAdapter: a thin wrapper
// around adapters/openaicompat configured with the default (empty) base
// URL, so the client talks to api.openai.com directly.
package openai

import (
	"github.com/just-every/ensemble/adapters/openaicompat"
	"github.com/just-every/ensemble/internal/provideradapter"
)

// Config configures the OpenAI adapter. Config.ProviderID is forced to
// "openai" regardless of what the caller sets.
type Config struct {
	provideradapter.Config
	APIKey string
}

// New builds an Adapter backed by the official OpenAI API.
func New(cfg Config) (provideradapter.Adapter, error) {
	cfg.ProviderID = "openai"
	return openaicompat.New(openaicompat.Config{
		Config: cfg.Config,
		APIKey: cfg.APIKey,
	})
}
