// Command orchestratord loads a YAML configuration, wires the orchestrator
// runtime's subsystems, and runs a stdin/stdout chat loop for manual
// testing. It is a thin harness around the internal/orchestrator package,
// not a product surface: no HTTP router, no persistence beyond what the
// configured backends provide.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "orchestratord",
		Short:        "Multi-agent orchestration runtime",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildChatCmd(), buildAgentsCmd())
	return root
}
