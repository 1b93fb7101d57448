// Package modelselect is the ModelSelector ([F] in the module map): a
// class/score/disabled-aware weighted random pick over a model catalog,
// with alias normalization and a last-resort fallback when every candidate
// is filtered out.
package modelselect

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/just-every/ensemble/pkg/ensemble"
)

// Catalog resolves model ids, classes, aliases, and key/quota availability.
// Callers own the concrete catalog (a loaded YAML file, a static map, …);
// the selector only needs these narrow lookups.
type Catalog interface {
	Entry(modelID string) (ensemble.ModelEntry, bool)
	Class(name ensemble.ModelClassName) (ensemble.ModelClass, bool)
	ProviderHasKey(provider string) bool
}

// QuotaTracker reports whether a model still has quota available. A nil
// QuotaTracker is treated as "always has quota".
type QuotaTracker interface {
	HasQuota(model string) bool
}

// Warning is a non-fatal selection diagnostic (e.g. the fallback path
// firing), surfaced to callers instead of silently swallowed.
type Warning struct {
	Message string
}

// Selector is the ModelSelector.
type Selector struct {
	catalog Catalog
	quota   QuotaTracker
	mu      sync.Mutex
	rng     *rand.Rand
}

// New builds a Selector. quota may be nil.
func New(catalog Catalog, quota QuotaTracker) *Selector {
	return &Selector{catalog: catalog, quota: quota, rng: rand.New(rand.NewSource(1))}
}

// Result is the outcome of one selection: the chosen model id plus any
// non-fatal warning raised along the way.
type Result struct {
	Model   string
	Warning *Warning
}

// Select resolves a concrete model for an agent's turn.
//
// If agent.Model is set directly, it is returned after alias
// normalization, skipping class-based selection entirely. Otherwise
// candidates are drawn from agent.ModelClass, filtered by disabled models,
// provider key availability, and quota, then picked either by weighted
// random (ModelClass.Random) or first-available order.
func (s *Selector) Select(agent ensemble.AgentDefinition) (Result, error) {
	if agent.Model != "" {
		return Result{Model: s.normalizeAlias(agent.Model)}, nil
	}
	if agent.ModelClass == "" {
		return Result{}, fmt.Errorf("modelselect: agent %s has neither Model nor ModelClass set", agent.AgentID)
	}

	class, ok := s.catalog.Class(agent.ModelClass)
	if !ok {
		return Result{}, fmt.Errorf("modelselect: unknown model class %q", agent.ModelClass)
	}
	if len(class.Models) == 0 {
		return Result{}, fmt.Errorf("modelselect: model class %q has no models", agent.ModelClass)
	}

	disabled := toSet(agent.DisabledModels)
	candidates := s.filterCandidates(class.Models, disabled, agent.ModelScores)

	if len(candidates) == 0 {
		// Fallback: ignore disabled/quota filters entirely and surface a
		// warning rather than fail the request.
		fallback := class.Models[0]
		return Result{
			Model: s.normalizeAlias(fallback),
			Warning: &Warning{Message: fmt.Sprintf(
				"modelselect: all candidates in class %q were filtered out; falling back to %q ignoring disabled/quota filters",
				agent.ModelClass, fallback)},
		}, nil
	}

	if class.Random {
		picked := s.weightedPick(candidates, agent.ModelScores)
		return Result{Model: s.normalizeAlias(picked)}, nil
	}
	return Result{Model: s.normalizeAlias(candidates[0])}, nil
}

// filterCandidates drops disabled models, weight-0 models, models without
// an available provider key, and models without quota.
func (s *Selector) filterCandidates(models []string, disabled map[string]bool, scores map[string]int) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		if disabled[m] {
			continue
		}
		if w, ok := scores[m]; ok && w == 0 {
			continue
		}
		entry, ok := s.catalog.Entry(m)
		if ok && !s.catalog.ProviderHasKey(entry.Provider) {
			continue
		}
		if s.quota != nil && !s.quota.HasQuota(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// weightedPick selects one candidate with probability proportional to its
// score (default weight 50 when unset).
func (s *Selector) weightedPick(candidates []string, scores map[string]int) string {
	weights := make([]int, len(candidates))
	total := 0
	for i, c := range candidates {
		w := 50
		if explicit, ok := scores[c]; ok {
			w = explicit
		}
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}

	s.mu.Lock()
	r := s.rng.Intn(total)
	s.mu.Unlock()

	cum := 0
	for i, w := range weights {
		cum += w
		if r < cum {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// normalizeAlias resolves a model id/alias to its canonical ModelEntry.ID,
// passing the input through unchanged if it isn't a known alias.
func (s *Selector) normalizeAlias(model string) string {
	if entry, ok := s.catalog.Entry(model); ok {
		return entry.ID
	}
	// Neither a known id nor a known alias: pass it through unchanged.
	return model
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
