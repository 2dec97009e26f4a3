package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentmesh/orchestrator/internal/config"
	"github.com/agentmesh/orchestrator/internal/knowledge"
	"github.com/agentmesh/orchestrator/internal/llm"
	"github.com/agentmesh/orchestrator/internal/mcp"
	"github.com/agentmesh/orchestrator/internal/memory/embeddings"
	embeddingsollama "github.com/agentmesh/orchestrator/internal/memory/embeddings/ollama"
	embeddingsopenai "github.com/agentmesh/orchestrator/internal/memory/embeddings/openai"
	"github.com/agentmesh/orchestrator/internal/memory/longterm"
	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend"
	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend/pgvector"
	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend/sqlitevec"
	"github.com/agentmesh/orchestrator/internal/memory/memobase"
	"github.com/agentmesh/orchestrator/internal/orchestrator"
)

// buildOrchestrator wires one Orchestrator from a decoded config: model
// clients, the embedding provider, the long-term backend, knowledge
// sources, MCP servers, and every configured agent.
func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	models, err := buildModels(cfg.Models)
	if err != nil {
		return nil, err
	}

	embedder, err := buildEmbedder(cfg.Memory.Embeddings)
	if err != nil {
		return nil, err
	}

	var longTermMgr *longterm.Manager
	if cfg.Memory.LongTerm.Backend != "" {
		if embedder == nil {
			return nil, fmt.Errorf("orchestratord: memory.long_term.backend requires memory.embeddings.provider")
		}
		store, err := buildLongTermStore(cfg.Memory.LongTerm)
		if err != nil {
			return nil, err
		}
		longTermMgr, err = longterm.NewManager(store, embedder)
		if err != nil {
			return nil, fmt.Errorf("orchestratord: long-term manager: %w", err)
		}
	}

	knowledgeSources, err := buildKnowledgeSources(ctx, cfg.Knowledge, embedder)
	if err != nil {
		return nil, err
	}

	mcpService := mcp.NewService(logger)

	var routingModel, extractionModel llm.ChatModel
	if cfg.Models.Routing != "" {
		routingModel = models[cfg.Models.Routing]
	}
	if cfg.Models.Extractor != "" {
		extractionModel = models[cfg.Models.Extractor]
	}

	o := orchestrator.New(orchestrator.Config{
		Logger:              logger,
		MCP:                 mcpService,
		LongTerm:            longTermMgr,
		Memobase:            memobase.New(),
		RoutingModel:        routingModel,
		ExtractionModel:     extractionModel,
		Models:              models,
		Knowledge:           knowledgeSources,
		Embedder:            embedder,
		ContextWindow:       cfg.Server.ContextWindow,
		BufferMultiplier:    cfg.Server.BufferMultiplier,
		AutoExtract:         cfg.Extractor.AutoExtract,
		ExtractionInterval:  cfg.Extractor.Interval,
		ExtractionThreshold: cfg.Memory.Extraction.Threshold,
		RoutingTTL:          cfg.Routing.CacheTTL,
	})

	for _, sc := range cfg.MCPServers {
		desc := mcp.ServerDescriptor{
			ServerID:       sc.ServerID,
			Transport:      mcp.TransportType(sc.Transport),
			Endpoint:       sc.Endpoint,
			Headers:        sc.Headers,
			CommandLine:    sc.CommandLine,
			Env:            sc.Env,
			WorkDir:        sc.WorkDir,
			NoRestart:      sc.NoRestart,
			RequestTimeout: sc.RequestTimeout,
		}
		if err := o.SetMCPServer(desc); err != nil {
			return nil, fmt.Errorf("orchestratord: register mcp server %q: %w", sc.ServerID, err)
		}
	}

	for _, ac := range cfg.Agents {
		if _, err := o.RegisterAgent(ac.ToDescriptor()); err != nil {
			return nil, fmt.Errorf("orchestratord: register agent %q: %w", ac.Name, err)
		}
	}

	return o, nil
}

func buildModels(cfg config.ModelsConfig) (map[string]llm.ChatModel, error) {
	clients := make(map[string]llm.ChatModel)
	if cfg.Anthropic != nil {
		m, err := llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			DefaultModel: cfg.Anthropic.DefaultModel,
			MaxRetries:   cfg.Anthropic.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestratord: anthropic client: %w", err)
		}
		clients["anthropic"] = m
	}
	if cfg.OpenAI != nil {
		m, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.DefaultModel,
			MaxRetries:   cfg.OpenAI.MaxRetries,
			RetryDelay:   cfg.OpenAI.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestratord: openai client: %w", err)
		}
		clients["openai"] = m
	}
	return clients, nil
}

func buildEmbedder(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		p, err := embeddingsopenai.New(embeddingsopenai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
		if err != nil {
			return nil, fmt.Errorf("orchestratord: openai embedder: %w", err)
		}
		return p, nil
	case "ollama":
		p, err := embeddingsollama.New(embeddingsollama.Config{BaseURL: cfg.BaseURL, Model: cfg.Model})
		if err != nil {
			return nil, fmt.Errorf("orchestratord: ollama embedder: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("orchestratord: unknown embeddings provider %q", cfg.Provider)
	}
}

func buildLongTermStore(cfg config.LongTermConfig) (backend.Store, error) {
	switch cfg.Backend {
	case "pgvector":
		store, err := pgvector.New(pgvector.Config{DSN: cfg.DSN, Dimension: cfg.Dimension, RunMigrations: true})
		if err != nil {
			return nil, fmt.Errorf("orchestratord: pgvector backend: %w", err)
		}
		return store, nil
	case "sqlitevec":
		store, err := sqlitevec.New(sqlitevec.Config{Path: cfg.Path, Dimension: cfg.Dimension})
		if err != nil {
			return nil, fmt.Errorf("orchestratord: sqlitevec backend: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("orchestratord: unknown long-term backend %q", cfg.Backend)
	}
}

func buildKnowledgeSources(ctx context.Context, cfgs []config.KnowledgeConfig, embedder embeddings.Provider) (map[string]*knowledge.Source, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	if embedder == nil {
		return nil, fmt.Errorf("orchestratord: knowledge sources configured without memory.embeddings.provider")
	}
	sources := make(map[string]*knowledge.Source, len(cfgs))
	for _, kc := range cfgs {
		src, err := knowledge.Load(ctx, kc.SourceID, kc.Paths, embedder, knowledge.Config{
			ChunkSize:    kc.ChunkSize,
			ChunkOverlap: kc.ChunkOverlap,
			CacheDir:     kc.CacheDir,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestratord: load knowledge source %q: %w", kc.SourceID, err)
		}
		sources[kc.SourceID] = src
	}
	return sources, nil
}
