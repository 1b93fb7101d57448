// AdapterResolver wiring: maps a resolved model id to a live
// provideradapter.Adapter, constructing (and caching) the real HTTP-backed
// adapter for a provider the first time one of its models is requested, or
// falling back to provideradapter.TestProvider when no credential is
// configured, so the pipeline still runs end to end with no network
// access.
package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/just-every/ensemble/adapters/anthropic"
	"github.com/just-every/ensemble/adapters/google"
	"github.com/just-every/ensemble/adapters/openai"
	"github.com/just-every/ensemble/adapters/openaicompat"
	"github.com/just-every/ensemble/internal/costtracker"
	"github.com/just-every/ensemble/internal/envconfig"
	"github.com/just-every/ensemble/internal/provideradapter"
)

// baseURLByProvider lists the OpenAI-wire-compatible base URLs for the
// non-OpenAI providers this resolver serves through adapters/openaicompat.
var baseURLByProvider = map[string]string{
	"xai":        "https://api.x.ai/v1",
	"deepseek":   "https://api.deepseek.com",
	"openrouter": "https://openrouter.ai/api/v1",
}

// Resolver implements orchestrator.AdapterResolver over the demo catalog.
type Resolver struct {
	catalog *Catalog
	creds   envconfig.Credentials
	usage   *costtracker.Tracker
	demo    *provideradapter.TestProvider

	mu     sync.Mutex
	cached map[string]provideradapter.Adapter
}

// NewResolver builds a Resolver. demo is used for every model whose
// provider has no credential configured.
func NewResolver(catalog *Catalog, creds envconfig.Credentials, usage *costtracker.Tracker, demo *provideradapter.TestProvider) *Resolver {
	return &Resolver{catalog: catalog, creds: creds, usage: usage, demo: demo, cached: make(map[string]provideradapter.Adapter)}
}

// AdapterFor implements orchestrator.AdapterResolver.
func (r *Resolver) AdapterFor(model string) (provideradapter.Adapter, error) {
	entry, ok := r.catalog.Entry(model)
	if !ok {
		return nil, fmt.Errorf("adapters: unknown model %q", model)
	}
	if !r.creds.HasKey(entry.Provider) {
		return r.demo, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.cached[entry.Provider]; ok {
		return a, nil
	}

	a, err := r.build(entry.Provider)
	if err != nil {
		return nil, err
	}
	r.cached[entry.Provider] = a
	return a, nil
}

func (r *Resolver) build(provider string) (provideradapter.Adapter, error) {
	cfg := provideradapter.Config{ProviderID: provider, Usage: r.usage}
	switch provider {
	case "openai":
		return openai.New(openai.Config{Config: cfg, APIKey: r.creds.OpenAI})
	case "anthropic":
		return anthropic.New(anthropic.Config{Config: cfg, APIKey: r.creds.Anthropic})
	case "google":
		return google.New(context.Background(), google.Config{Config: cfg, APIKey: r.creds.Google})
	case "xai":
		return openaicompat.New(openaicompat.Config{Config: cfg, APIKey: r.creds.XAI, BaseURL: baseURLByProvider["xai"]})
	case "deepseek":
		return openaicompat.New(openaicompat.Config{Config: cfg, APIKey: r.creds.DeepSeek, BaseURL: baseURLByProvider["deepseek"]})
	case "openrouter":
		return openaicompat.New(openaicompat.Config{Config: cfg, APIKey: r.creds.OpenRouter, BaseURL: baseURLByProvider["openrouter"]})
	default:
		return nil, fmt.Errorf("adapters: no adapter wired for provider %q", provider)
	}
}
