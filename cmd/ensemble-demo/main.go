// Package main is the "ensemble-demo" CLI entry point: a small command that
// exercises the four core subsystems (cost tracker, tool execution manager,
// message history, request orchestrator) end to end against either a real
// provider (when an API key is configured) or the deterministic
// TestProvider fixture.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "ensemble-demo",
		Short:   "Exercise the ensemble runtime against a live or simulated LLM backend",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Long: `ensemble-demo drives the Request Orchestrator, Tool Execution Manager,
Message History, and Cost Tracker against whichever provider has a
credential configured in the environment (OPENAI_API_KEY,
ANTHROPIC_API_KEY, GOOGLE_API_KEY, XAI_API_KEY, DEEPSEEK_API_KEY,
OPENROUTER_API_KEY). Providers without a key fall back to a deterministic
in-process fixture so the whole pipeline still runs with no network
access.`,
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd(), buildEmbedCmd(), buildDoctorCmd(), buildModelsCmd())
	return root
}
