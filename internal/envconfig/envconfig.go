// Package envconfig discovers provider API credentials from the process
// environment (and an optional .env file).
package envconfig

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Credentials holds the API keys each adapter needs to authenticate.
// Fields are empty strings when the corresponding environment variable is
// unset.
type Credentials struct {
	OpenAI     string
	Anthropic  string
	Google     string
	XAI        string
	DeepSeek   string
	OpenRouter string
	ElevenLabs string
}

// Load reads a .env file from the current directory if one exists
// (silently ignoring its absence), then resolves every provider credential
// from the environment.
func Load() Credentials {
	_ = godotenv.Load()
	return FromEnviron()
}

// FromEnviron resolves credentials purely from the already-populated
// process environment, without touching a .env file. Useful in tests that
// set variables directly via t.Setenv.
func FromEnviron() Credentials {
	return Credentials{
		OpenAI:     trimmed("OPENAI_API_KEY"),
		Anthropic:  trimmed("ANTHROPIC_API_KEY"),
		Google:     trimmed("GOOGLE_API_KEY"),
		XAI:        trimmed("XAI_API_KEY"),
		DeepSeek:   trimmed("DEEPSEEK_API_KEY"),
		OpenRouter: trimmed("OPENROUTER_API_KEY"),
		ElevenLabs: trimmed("ELEVENLABS_API_KEY"),
	}
}

func trimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// HasKey reports whether provider has a non-empty credential configured.
// provider is matched case-insensitively against the adapter's provider id
// (e.g. "openai", "anthropic", "google", "xai", "deepseek", "openrouter",
// "elevenlabs"), the same identifiers used as ModelEntry.Provider values
// and in ProviderError.Provider.
func (c Credentials) HasKey(provider string) bool {
	switch strings.ToLower(provider) {
	case "openai":
		return c.OpenAI != ""
	case "anthropic":
		return c.Anthropic != ""
	case "google", "gemini":
		return c.Google != ""
	case "xai":
		return c.XAI != ""
	case "deepseek":
		return c.DeepSeek != ""
	case "openrouter":
		return c.OpenRouter != ""
	case "elevenlabs":
		return c.ElevenLabs != ""
	default:
		return false
	}
}
