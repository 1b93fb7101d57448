package modelselect

import "testing"

const testCatalogYAML = `
models:
  - id: gpt-4o-mini
    provider: openai
    aliases: [gpt4o-mini]
    class: fast
    features:
      context_length: 128000
      supports_functions: true
    cost:
      input_per_million: 0.15
      output_per_million: 0.6
  - id: claude-sonnet-4-5
    provider: anthropic
    class: reasoning
    features:
      context_length: 200000
      supports_functions: true
    cost:
      input_per_million: 3.0
      output_per_million: 15.0
classes:
  fast:
    models: [gpt-4o-mini]
    random: false
  reasoning:
    models: [claude-sonnet-4-5]
    random: false
`

func TestParseYAMLCatalogResolvesEntriesClassesAndAliases(t *testing.T) {
	cat, err := ParseYAMLCatalog([]byte(testCatalogYAML), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	entry, ok := cat.Entry("gpt-4o-mini")
	if !ok || entry.Provider != "openai" {
		t.Fatalf("expected gpt-4o-mini entry with provider openai, got %+v ok=%v", entry, ok)
	}

	byAlias, ok := cat.Entry("gpt4o-mini")
	if !ok || byAlias.ID != "gpt-4o-mini" {
		t.Fatalf("expected alias lookup to resolve to gpt-4o-mini, got %+v ok=%v", byAlias, ok)
	}

	class, ok := cat.Class("reasoning")
	if !ok || len(class.Models) != 1 || class.Models[0] != "claude-sonnet-4-5" {
		t.Fatalf("expected reasoning class with claude-sonnet-4-5, got %+v ok=%v", class, ok)
	}

	cost, ok := cat.Lookup("claude-sonnet-4-5")
	if !ok || cost.InputPerMillion != 3.0 {
		t.Fatalf("expected claude-sonnet-4-5 cost lookup, got %+v ok=%v", cost, ok)
	}

	if !cat.ProviderHasKey("anything") {
		t.Fatalf("expected default hasKey to treat every provider as available")
	}
}

func TestParseYAMLCatalogGatesProviderHasKey(t *testing.T) {
	allowed := map[string]bool{"openai": true}
	cat, err := ParseYAMLCatalog([]byte(testCatalogYAML), func(p string) bool { return allowed[p] })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if !cat.ProviderHasKey("openai") {
		t.Fatalf("expected openai to be available")
	}
	if cat.ProviderHasKey("anthropic") {
		t.Fatalf("expected anthropic to be unavailable")
	}
}

func TestParseYAMLCatalogRejectsMalformedYAML(t *testing.T) {
	if _, err := ParseYAMLCatalog([]byte("models: [this is not"), nil); err == nil {
		t.Fatalf("expected parse error for malformed YAML")
	}
}
