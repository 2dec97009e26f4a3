package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmesh/orchestrator/internal/config"
	"github.com/agentmesh/orchestrator/internal/orchestrator"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath     string
		agentID        string
		userID         int64
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Load a configuration and run an interactive stdin/stdout chat loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, agentID, userID, conversationID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "orchestrator.yaml", "path to YAML configuration file")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "bypass routing and always address this agent")
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user id for memory scoping; 0 is the anonymous, read-only user")
	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "conversation id; a fresh one is generated if empty")

	return cmd
}

func runChat(ctx context.Context, configPath, agentID string, userID int64, conversationID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := configureLogging(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := o.Close(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	fmt.Fprintln(os.Stderr, "orchestratord chat ready. Ctrl-D to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		result, err := o.Chat(ctx, line, orchestrator.ChatOptions{
			UserID:         userID,
			AgentID:        agentID,
			ConversationID: conversationID,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		conversationID = result.ConversationID
		fmt.Printf("[%s] %s\n", result.AgentID, result.Reply)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func configureLogging(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
