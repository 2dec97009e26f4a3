package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentmesh/orchestrator/internal/config"
)

func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the agents a configuration would register",
	}
	cmd.AddCommand(buildAgentsListCmd())
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load a configuration and print every agent it registers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsList(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "orchestrator.yaml", "path to YAML configuration file")
	return cmd
}

func runAgentsList(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := configureLogging(cfg.Logging)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	for _, a := range o.Agents() {
		def := ""
		if a.IsDefault {
			def = " (default)"
		}
		fmt.Printf("%s\t%s%s\t%s/%s\n", a.AgentID, a.Name, def, a.ModelHandle.Provider, a.ModelHandle.Model)
	}
	return nil
}
