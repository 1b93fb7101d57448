package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/just-every/ensemble/internal/aggregator"
	"github.com/just-every/ensemble/internal/envconfig"
	"github.com/just-every/ensemble/internal/history"
	"github.com/just-every/ensemble/internal/orchestrator"
	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/pkg/ensemble"
	"github.com/spf13/cobra"
)

// buildRunCmd creates the "run" command: send one prompt through the full
// round loop and print every canonical event as it streams, followed by the
// aggregated result and cost summary.
func buildRunCmd() *cobra.Command {
	var (
		prompt     string
		modelClass string
		model      string
		maxRounds  int
		maxTools   int
		raw        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one agent turn and stream its canonical events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, prompt, modelClass, model, maxRounds, maxTools, raw)
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "Say hello.", "User message to send")
	cmd.Flags().StringVar(&modelClass, "class", "fast", `Model class to select from ("fast" or "reasoning")`)
	cmd.Flags().StringVar(&model, "model", "", "Pin a specific model id, skipping class-based selection")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 10, "maxToolCallRoundsPerTurn")
	cmd.Flags().IntVar(&maxTools, "max-tools", 20, "maxToolCalls")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print each event as JSON instead of a human-readable line")

	return cmd
}

func runOnce(cmd *cobra.Command, prompt, modelClass, model string, maxRounds, maxTools int, raw bool) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	rt, err := NewRuntime(nil)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	agent := ensemble.DefaultAgentDefinition("demo-agent", "ensemble-demo")
	agent.ModelClass = ensemble.ModelClassName(modelClass)
	agent.Model = model
	agent.MaxToolCallRoundsPerTurn = maxRounds
	agent.MaxToolCalls = maxTools
	for _, name := range []string{"add", "current_time", "read_source", "write_source"} {
		if t, ok := rt.Registry.Lookup("demo-agent", name); ok {
			agent.Tools = append(agent.Tools, t)
		}
	}

	hist := history.New(model, 128000, rt.Summaries)
	if err := hist.Add(ctx, ensemble.NewUserMessage(prompt)); err != nil {
		return fmt.Errorf("seed history: %w", err)
	}

	events, err := rt.Orchestrator.Run(ctx, orchestrator.Request{
		RequestID: "cli-" + time.Now().Format("150405"),
		Agent:     agent,
		History:   hist,
	})
	if err != nil {
		return err
	}

	agg := aggregator.New()
	out := cmd.OutOrStdout()
	for ev := range events {
		agg.Feed(ev)
		if raw {
			b, _ := json.Marshal(ev)
			fmt.Fprintln(out, string(b))
			continue
		}
		printEvent(out, ev)
	}

	result := agg.Result()
	fmt.Fprintln(out, "---")
	fmt.Fprintln(out, "final message:", result.Message)
	if result.Error != "" {
		fmt.Fprintln(out, "error:", result.Error)
	}
	fmt.Fprintf(out, "total cost so far: %s\n", rt.Costs.Summary())
	return nil
}

func printEvent(out io.Writer, ev ensemble.Event) {
	switch ev.Type {
	case ensemble.EventMessageDelta:
		fmt.Fprint(out, ev.Content)
	case ensemble.EventMessageComplete:
		fmt.Fprintln(out)
	case ensemble.EventToolStart:
		fmt.Fprintf(out, "\n[tool_start] %s(%s)\n", ev.ToolCall.Function.Name, ev.ToolCall.Function.Arguments)
	case ensemble.EventToolDone:
		if ev.ToolResult.Error != "" {
			fmt.Fprintf(out, "[tool_done] error: %s\n", ev.ToolResult.Error)
		} else {
			fmt.Fprintf(out, "[tool_done] %s\n", ev.ToolResult.Output)
		}
	case ensemble.EventCostUpdate:
		if ev.Usage != nil {
			fmt.Fprintf(out, "[cost_update] %s: $%.6f\n", ev.Usage.Model, ev.Usage.Cost)
		}
	case ensemble.EventError:
		fmt.Fprintf(out, "[error] %s\n", ev.Error)
	case ensemble.EventStreamEnd:
		fmt.Fprintln(out)
	}
}

// buildDoctorCmd creates the "doctor" command: report which provider
// credentials are configured.
func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report which provider credentials are configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := envconfig.Load()
			out := cmd.OutOrStdout()
			for _, p := range []struct{ name, has string }{
				{"openai", nz(creds.OpenAI)},
				{"anthropic", nz(creds.Anthropic)},
				{"google", nz(creds.Google)},
				{"xai", nz(creds.XAI)},
				{"deepseek", nz(creds.DeepSeek)},
				{"openrouter", nz(creds.OpenRouter)},
				{"elevenlabs", nz(creds.ElevenLabs)},
			} {
				fmt.Fprintf(out, "%-12s %s\n", p.name, p.has)
			}
			return nil
		},
	}
}

func nz(s string) string {
	if s == "" {
		return "not configured (falls back to TestProvider)"
	}
	return "configured"
}

// buildEmbedCmd creates the "embed" command: embed one or more texts
// through the runtime's TTL cache, so a text already embedded within the
// TTL is served from the cache; a text repeated inside one argument list
// is sent to the provider once per occurrence.
func buildEmbedCmd() *cobra.Command {
	var (
		model string
		dims  int
	)

	cmd := &cobra.Command{
		Use:   "embed [text...]",
		Short: "Embed texts through the cached embedding pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := NewRuntime(nil)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}

			adapter, err := rt.Adapters.AdapterFor(model)
			if err != nil {
				return err
			}

			opts := provideradapter.EmbeddingOptions{Dimensions: dims}
			vectors, err := rt.Embeddings.Embed(cmd.Context(), adapter, args, model, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, v := range vectors {
				fmt.Fprintf(out, "%-40q %d dimensions\n", truncateArg(args[i]), len(v))
			}
			fmt.Fprintf(out, "cache entries: %d\n", rt.Embeddings.Size())
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "text-embedding-3-small", "Embedding model id")
	cmd.Flags().IntVar(&dims, "dimensions", 0, "Requested vector dimensions (0 = provider default)")

	return cmd
}

func truncateArg(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

// buildModelsCmd creates the "models" command: list the demo catalog.
func buildModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the demo model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := envconfig.Load()
			catalog := NewCatalog(creds)
			entries := catalog.List()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-28s %-12s %-12s %10s %10s\n", "model", "provider", "class", "in $/M", "out $/M")
			for _, e := range entries {
				fmt.Fprintf(out, "%-28s %-12s %-12s %10.2f %10.2f\n",
					e.ID, e.Provider, e.Class, e.Cost.InputPerMillion, e.Cost.OutputPerMillion)
			}
			return nil
		},
	}
}
