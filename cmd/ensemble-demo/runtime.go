// Runtime bundles one process's worth of the core subsystems. Nothing in
// the tree is a package-level singleton; every component is owned by this
// handle and passed in explicitly.
package main

import (
	"fmt"
	"log/slog"

	"github.com/just-every/ensemble/internal/costtracker"
	"github.com/just-every/ensemble/internal/embedcache"
	"github.com/just-every/ensemble/internal/envconfig"
	"github.com/just-every/ensemble/internal/modelselect"
	"github.com/just-every/ensemble/internal/orchestrator"
	"github.com/just-every/ensemble/internal/pause"
	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/internal/runningtools"
	"github.com/just-every/ensemble/internal/sequentialqueue"
	"github.com/just-every/ensemble/internal/summarystore"
	"github.com/just-every/ensemble/internal/telemetry"
	"github.com/just-every/ensemble/internal/toolexec"
	"github.com/just-every/ensemble/pkg/ensemble"
	"github.com/prometheus/client_golang/prometheus"
)

// selectorAdapter narrows *modelselect.Selector to orchestrator.
// ModelSelector: the two Result types carry the same information (chosen
// model, optional warning) but are declared independently so neither
// package imports the other's internals, so a one-line shim is needed at
// the wiring edge rather than in either library package.
type selectorAdapter struct {
	sel *modelselect.Selector
}

func (a selectorAdapter) Select(agent ensemble.AgentDefinition) (orchestrator.SelectResult, error) {
	res, err := a.sel.Select(agent)
	if err != nil {
		return orchestrator.SelectResult{}, err
	}
	out := orchestrator.SelectResult{Model: res.Model}
	if res.Warning != nil {
		out.Warning = res.Warning.Message
	}
	return out, nil
}

// Runtime owns one instance of every process-wide component this command
// touches: no package-level singleton is ever reached for.
type Runtime struct {
	Catalog      *Catalog
	Credentials  envconfig.Credentials
	Costs        *costtracker.Tracker
	Running      *runningtools.Tracker
	Queue        *sequentialqueue.Queue
	Pause        *pause.Controller
	Summaries    *summarystore.Store
	Registry     *ToolRegistry
	Tools        *toolexec.Manager
	Selector     *modelselect.Selector
	Metrics      *telemetry.Metrics
	Adapters     *Resolver
	Embeddings   *embedcache.Cache
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger
}

// NewRuntime wires every component from scratch, leaves first:
// cost ledger and tool trackers, then the manager/selector
// that depend on them, then the orchestrator that drives all of it.
func NewRuntime(logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	creds := envconfig.Load()
	catalog := NewCatalog(creds)
	costs := costtracker.New(catalog, logger)
	running := runningtools.New()
	queue := sequentialqueue.New()
	pauseCtl := pause.New()
	metrics := telemetry.New(prometheus.NewRegistry())

	summaries, err := summarystore.Open(summarystore.DefaultDir)
	if err != nil {
		return nil, fmt.Errorf("open summary store: %w", err)
	}
	if w := summaries.Warning(); w != nil {
		logger.Warn(w.Message)
	}

	registry := NewToolRegistry(summaries)
	tools := toolexec.New(registry, running, queue, logger, metrics)
	selector := modelselect.New(catalog, nil)

	demo := &provideradapter.TestProvider{
		FixedResponse: "This is a deterministic demo response: no provider API key was found for the selected model's provider, so ensemble-demo is using its built-in TestProvider fixture instead of calling a real API.",
		Usage:         costs,
	}
	resolver := NewResolver(catalog, creds, costs, demo)

	orch := orchestrator.New(selectorAdapter{sel: selector}, resolver, tools, running, queue, pauseCtl, logger, metrics)

	// Every recorded usage is also reported as the ensemble_cost_usd_total
	// series, keyed by the provider the catalog
	// attributes the model to.
	costs.OnAddUsage(func(rec ensemble.UsageRecord) {
		provider := ""
		if entry, ok := catalog.Entry(rec.Model); ok {
			provider = entry.Provider
		}
		metrics.AddCost(provider, rec.Model, rec.Cost)
	})

	return &Runtime{
		Catalog:      catalog,
		Credentials:  creds,
		Costs:        costs,
		Running:      running,
		Queue:        queue,
		Pause:        pauseCtl,
		Summaries:    summaries,
		Registry:     registry,
		Tools:        tools,
		Selector:     selector,
		Metrics:      metrics,
		Adapters:     resolver,
		Embeddings:   embedcache.New(embedcache.DefaultTTL, embedcache.DefaultMaxEntries),
		Orchestrator: orch,
		Logger:       logger,
	}, nil
}
