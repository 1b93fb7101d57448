package modelselect

import (
	"fmt"
	"os"

	"github.com/just-every/ensemble/pkg/ensemble"
	"gopkg.in/yaml.v3"
)

// yamlCatalogFile is the on-disk shape of a model-catalog YAML document.
type yamlCatalogFile struct {
	Models  []ensemble.ModelEntry                           `yaml:"models"`
	Classes map[ensemble.ModelClassName]ensemble.ModelClass `yaml:"classes"`
}

// YAMLCatalog is a Catalog (and costtracker.PriceTable) loaded once from a
// YAML document. Provider-key gating is left to the caller
// (ProviderHasKey defaults to "every provider is available") since the
// loader has no access to credentials.
type YAMLCatalog struct {
	entries map[string]ensemble.ModelEntry
	classes map[ensemble.ModelClassName]ensemble.ModelClass
	hasKey  func(provider string) bool
}

// LoadYAMLCatalog reads and parses a model-catalog YAML file from path.
func LoadYAMLCatalog(path string, hasKey func(provider string) bool) (*YAMLCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelselect: read catalog %s: %w", path, err)
	}
	return ParseYAMLCatalog(data, hasKey)
}

// ParseYAMLCatalog parses an in-memory model-catalog YAML document. hasKey
// may be nil, in which case every provider is treated as available.
func ParseYAMLCatalog(data []byte, hasKey func(provider string) bool) (*YAMLCatalog, error) {
	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("modelselect: parse catalog: %w", err)
	}

	entries := make(map[string]ensemble.ModelEntry, len(file.Models))
	for _, e := range file.Models {
		entries[e.ID] = e
	}
	if hasKey == nil {
		hasKey = func(string) bool { return true }
	}

	return &YAMLCatalog{entries: entries, classes: file.Classes, hasKey: hasKey}, nil
}

// Entry implements Catalog, resolving either a canonical model id or one of
// its declared aliases.
func (c *YAMLCatalog) Entry(modelID string) (ensemble.ModelEntry, bool) {
	if e, ok := c.entries[modelID]; ok {
		return e, true
	}
	for _, e := range c.entries {
		for _, alias := range e.Aliases {
			if alias == modelID {
				return e, true
			}
		}
	}
	return ensemble.ModelEntry{}, false
}

// Class implements Catalog.
func (c *YAMLCatalog) Class(name ensemble.ModelClassName) (ensemble.ModelClass, bool) {
	cl, ok := c.classes[name]
	return cl, ok
}

// ProviderHasKey implements Catalog.
func (c *YAMLCatalog) ProviderHasKey(provider string) bool {
	return c.hasKey(provider)
}

// Lookup implements internal/costtracker.PriceTable.
func (c *YAMLCatalog) Lookup(model string) (ensemble.ModelCost, bool) {
	e, ok := c.Entry(model)
	if !ok {
		return ensemble.ModelCost{}, false
	}
	return e.Cost, true
}

// List returns every loaded entry. It iterates a map, so the order is not
// defined and not sorted; callers that need a stable order sort it
// themselves.
func (c *YAMLCatalog) List() []ensemble.ModelEntry {
	out := make([]ensemble.ModelEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}
