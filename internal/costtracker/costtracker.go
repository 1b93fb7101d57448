// Package costtracker is the process-wide usage ledger ([A] in the module
// map): it fills in missing UsageRecord fields, prices each call against a
// model's cost table, and notifies subscribed observers synchronously.
package costtracker

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/just-every/ensemble/pkg/ensemble"
)

// PriceTable looks up a ModelEntry's cost fields by model id. Callers own
// the catalog; the tracker only needs to resolve prices, not own them.
type PriceTable interface {
	Lookup(model string) (ensemble.ModelCost, bool)
}

// Observer is notified synchronously every time a usage record is added.
// Panics and errors inside an observer are caught and logged, never
// propagated.
type Observer func(ensemble.UsageRecord)

// ModelTotals is the per-model rollup returned by Tracker.Totals.
type ModelTotals struct {
	Calls int64
	Cost  float64
}

// Tracker is the central CostTracker. There is no package-level singleton:
// callers construct one per runtime and pass it in explicitly.
type Tracker struct {
	mu        sync.RWMutex
	prices    PriceTable
	logger    *slog.Logger
	records   []ensemble.UsageRecord
	byModel   map[string]*ModelTotals
	observers map[int]Observer
	nextObs   int

	// cumulative input+output tokens per model since process start, used to
	// select a tiered price bucket.
	cumulativeTokens map[string]int64
}

// New builds a Tracker. prices may be nil, in which case addUsage only
// passes through costs the caller already supplied.
func New(prices PriceTable, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		prices:           prices,
		logger:           logger,
		byModel:          make(map[string]*ModelTotals),
		observers:        make(map[int]Observer),
		cumulativeTokens: make(map[string]int64),
	}
}

// AddUsage fills in missing UsageRecord fields, computes cost from the
// model's price table when the caller didn't already supply one, appends to
// the ledger, and notifies observers. It returns the finalized record.
func (t *Tracker) AddUsage(partial ensemble.UsageRecord) ensemble.UsageRecord {
	if partial.Timestamp.IsZero() {
		partial.Timestamp = time.Now()
	}

	t.mu.Lock()
	if partial.Cost == 0 && !hasExplicitZeroCost(partial) {
		partial.Cost = t.computeCostLocked(partial)
	}
	t.cumulativeTokens[partial.Model] += partial.InputTokens + partial.OutputTokens

	t.records = append(t.records, partial)
	key := partial.Model
	if t.byModel[key] == nil {
		t.byModel[key] = &ModelTotals{}
	}
	t.byModel[key].Calls++
	t.byModel[key].Cost += partial.Cost

	observers := make([]Observer, 0, len(t.observers))
	for _, o := range t.observers {
		observers = append(observers, o)
	}
	t.mu.Unlock()

	t.notify(observers, partial)
	return partial
}

// hasExplicitZeroCost is a placeholder hook: today the zero-cost case is
// always recomputed, but kept as a named branch so a future explicit-cost
// sentinel (e.g. a pointer) can short-circuit without touching callers.
func hasExplicitZeroCost(ensemble.UsageRecord) bool { return false }

// computeCostLocked prices a usage record against the configured price
// table. Tiered tables bucket by cumulative tokens consumed by that model
// since process start; windowed tables pick the entry covering the record's
// timestamp; otherwise flat per-million rates apply. Must be called with
// t.mu held.
func (t *Tracker) computeCostLocked(u ensemble.UsageRecord) float64 {
	if t.prices == nil {
		return 0
	}
	cost, ok := t.prices.Lookup(u.Model)
	if !ok {
		return 0
	}

	inRate, outRate := cost.InputPerMillion, cost.OutputPerMillion

	if len(cost.Tiers) > 0 {
		cumulative := t.cumulativeTokens[u.Model]
		for _, tier := range cost.Tiers {
			if cumulative <= tier.UpToTokens {
				inRate, outRate = tier.InputPerMillion, tier.OutputPerMillion
				break
			}
			inRate, outRate = tier.InputPerMillion, tier.OutputPerMillion
		}
	} else if len(cost.Windows) > 0 {
		for _, w := range cost.Windows {
			if !u.Timestamp.Before(w.From) && u.Timestamp.Before(w.Until) {
				inRate, outRate = w.InputPerMillion, w.OutputPerMillion
				break
			}
		}
	}

	total := float64(u.InputTokens)*inRate + float64(u.OutputTokens)*outRate
	if u.CachedTokens > 0 && cost.CachedInputPerMillion > 0 {
		total += float64(u.CachedTokens) * cost.CachedInputPerMillion
		total -= float64(u.CachedTokens) * inRate // cached tokens aren't also billed at the full input rate
	}
	if u.ImageCount > 0 && cost.PerImage > 0 {
		total += float64(u.ImageCount) * cost.PerImage
	}
	return total / 1_000_000
}

// AddEstimatedUsage estimates token counts as ceil(len/4) for input/output
// text when an adapter's wire format omits real usage, marking the record
// estimated.
func (t *Tracker) AddEstimatedUsage(model, inputText, outputText string, meta map[string]string) ensemble.UsageRecord {
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["estimated"] = "true"
	return t.AddUsage(ensemble.UsageRecord{
		Model:        model,
		InputTokens:  estimateTokens(inputText),
		OutputTokens: estimateTokens(outputText),
		Estimated:    true,
		Metadata:     meta,
	})
}

func estimateTokens(s string) int64 {
	if len(s) == 0 {
		return 0
	}
	return int64(math.Ceil(float64(len(s)) / 4.0))
}

// TotalCost returns the sum of every recorded cost.
func (t *Tracker) TotalCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sum float64
	for _, m := range t.byModel {
		sum += m.Cost
	}
	return sum
}

// Totals returns a snapshot of {calls, cost} per model.
func (t *Tracker) Totals() map[string]ModelTotals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModelTotals, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = *v
	}
	return out
}

// Summary renders a one-line human-readable rollup.
func (t *Tracker) Summary() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.byModel) == 0 {
		return "no usage recorded"
	}
	out := ""
	first := true
	for model, totals := range t.byModel {
		if !first {
			out += ", "
		}
		first = false
		out += fmt.Sprintf("%s: %s (%d calls)", model, formatUSD(totals.Cost), totals.Calls)
	}
	return out
}

func formatUSD(amount float64) string {
	if amount <= 0 {
		return "$0.00"
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// Reset clears the ledger and per-model totals. Observers remain
// registered.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
	t.byModel = make(map[string]*ModelTotals)
	t.cumulativeTokens = make(map[string]int64)
}

// OnAddUsage registers an observer and returns a handle usable with
// OffAddUsage.
func (t *Tracker) OnAddUsage(obs Observer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = obs
	return id
}

// OffAddUsage unregisters a previously registered observer by handle.
func (t *Tracker) OffAddUsage(handle int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observers, handle)
}

func (t *Tracker) notify(observers []Observer, record ensemble.UsageRecord) {
	for _, obs := range observers {
		t.safeCall(obs, record)
	}
}

func (t *Tracker) safeCall(obs Observer, record ensemble.UsageRecord) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("cost tracker observer panicked", "panic", r)
		}
	}()
	obs(record)
}

// Records returns the most recent n usage records (all of them if n <= 0).
func (t *Tracker) Records(n int) []ensemble.UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > len(t.records) {
		n = len(t.records)
	}
	start := len(t.records) - n
	out := make([]ensemble.UsageRecord, n)
	copy(out, t.records[start:])
	return out
}
