// Catalog wraps internal/modelselect's YAML catalog loader over
// catalog.yaml, a small representative set of one or two models per
// chat-completion provider (the voice-only ElevenLabs adapter has no
// entry). The file is embedded in the binary since this
// command has no config directory of its own; provider credentials are
// the only external input the demo reads.
package main

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/just-every/ensemble/internal/envconfig"
	"github.com/just-every/ensemble/internal/modelselect"
	"github.com/just-every/ensemble/pkg/ensemble"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog implements modelselect.Catalog and costtracker.PriceTable,
// gating provider availability on the credentials actually found in the
// environment rather than YAMLCatalog's always-true default.
type Catalog struct {
	*modelselect.YAMLCatalog
	creds envconfig.Credentials
}

// NewCatalog parses the embedded catalog.yaml once per process.
func NewCatalog(creds envconfig.Credentials) *Catalog {
	yc, err := modelselect.ParseYAMLCatalog(catalogYAML, nil)
	if err != nil {
		// catalog.yaml is embedded at build time and owned by this repo, so
		// a parse failure here means the file itself is broken, not bad
		// runtime input.
		panic(fmt.Sprintf("ensemble-demo: embedded catalog.yaml is invalid: %v", err))
	}
	return &Catalog{YAMLCatalog: yc, creds: creds}
}

// ProviderHasKey overrides YAMLCatalog's always-available default.
func (c *Catalog) ProviderHasKey(provider string) bool {
	return c.creds.HasKey(provider)
}

// List returns every entry sorted by provider then id, for the "models"
// command's table.
func (c *Catalog) List() []ensemble.ModelEntry {
	out := c.YAMLCatalog.List()
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && lessEntry(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func lessEntry(a, b ensemble.ModelEntry) bool {
	if a.Provider != b.Provider {
		return strings.Compare(a.Provider, b.Provider) < 0
	}
	return strings.Compare(a.ID, b.ID) < 0
}
