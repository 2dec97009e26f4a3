// Package orchestrator owns every shared subsystem — MCP Service, Buffer
// and Long-Term memory, Memobase, the Routing Engine, and the Memory
// Extractor — and exposes the handful of operations the rest of the
// process calls through: register_agent, remove_agent, chat,
// search_memory, add_user_context, get_user_context, set_mcp_server,
// remove_mcp_server. Grounded on the teacher's gateway.Server for the
// "one struct owns every subsystem, guarded by one registry mutex" shape.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/internal/agent"
	"github.com/agentmesh/orchestrator/internal/extractor"
	"github.com/agentmesh/orchestrator/internal/knowledge"
	"github.com/agentmesh/orchestrator/internal/llm"
	"github.com/agentmesh/orchestrator/internal/mcp"
	"github.com/agentmesh/orchestrator/internal/memory/buffer"
	"github.com/agentmesh/orchestrator/internal/memory/embeddings"
	"github.com/agentmesh/orchestrator/internal/memory/longterm"
	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend"
	"github.com/agentmesh/orchestrator/internal/memory/memobase"
	"github.com/agentmesh/orchestrator/internal/routing"
	"github.com/agentmesh/orchestrator/pkg/models"
)

// ErrNoSuchAgent is returned by operations naming an unregistered agent id.
var ErrNoSuchAgent = errors.New("orchestrator: no such agent")

// ErrAgentRemoving is returned by chat calls naming an agent that is in
// the middle of being removed: new turns are rejected, in-flight ones
// are left to finish.
var ErrAgentRemoving = errors.New("orchestrator: agent is being removed")

// ErrUnknownScope is returned by search_memory for an unrecognized scope.
var ErrUnknownScope = errors.New("orchestrator: unknown memory search scope")

// MemoryScope selects where search_memory looks.
type MemoryScope string

const (
	ScopeBuffer   MemoryScope = "buffer"
	ScopeLongTerm MemoryScope = "long_term"
	ScopeBoth     MemoryScope = "both"
)

// Config constructs an Orchestrator. Models maps an AgentDescriptor's
// ModelHandle.Provider ("anthropic", "openai", ...) to the concrete
// client that serves it; every agent registered with an unrecognized
// provider fails registration rather than fail at first chat.
type Config struct {
	Logger             *slog.Logger
	MCP                *mcp.Service
	LongTerm           *longterm.Manager
	Memobase           *memobase.Store
	RoutingModel       llm.ChatModel
	ExtractionModel    llm.ChatModel
	Models             map[string]llm.ChatModel
	Knowledge          map[string]*knowledge.Source
	Embedder           embeddings.Provider
	ContextWindow      int
	BufferMultiplier   int
	AutoExtract        bool
	ExtractionInterval int
	ExtractionThreshold float64
	RoutingTTL         time.Duration
}

// Orchestrator is the process-wide coordinator. The zero value is not
// usable; construct with New.
type Orchestrator struct {
	logger   *slog.Logger
	mcp      *mcp.Service
	longTerm *longterm.Manager
	memobase *memobase.Store
	models   map[string]llm.ChatModel
	knowledge map[string]*knowledge.Source
	embedder embeddings.Provider

	bufferCfg          bufferConfig
	autoExtract        bool
	extractionInterval int

	extractor *extractor.Extractor
	routing   *routing.Engine

	mu     sync.RWMutex
	agents map[string]*agentEntry
	order  []string // agent ids in registration order, for routing tie-breaks

	convMu        sync.Mutex
	conversations map[string]*conversationState
}

type bufferConfig struct {
	contextWindow    int
	bufferMultiplier int
}

type agentEntry struct {
	agent    *agent.Agent
	removing bool
	wg       sync.WaitGroup
}

type conversationState struct {
	mu        sync.Mutex
	buffer    *buffer.Buffer
	turnCount int64
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")

	o := &Orchestrator{
		logger:             logger,
		mcp:                cfg.MCP,
		longTerm:           cfg.LongTerm,
		memobase:           cfg.Memobase,
		models:             cfg.Models,
		knowledge:          cfg.Knowledge,
		embedder:           cfg.Embedder,
		bufferCfg:          bufferConfig{contextWindow: cfg.ContextWindow, bufferMultiplier: cfg.BufferMultiplier},
		autoExtract:        cfg.AutoExtract,
		extractionInterval: cfg.ExtractionInterval,
		agents:             make(map[string]*agentEntry),
		conversations:      make(map[string]*conversationState),
	}

	if cfg.Memobase != nil && cfg.ExtractionModel != nil {
		o.extractor = extractor.New(extractor.Config{
			Model:     cfg.ExtractionModel,
			Store:     cfg.Memobase,
			Threshold: cfg.ExtractionThreshold,
			Logger:    logger,
		})
	}

	o.routing = routing.NewEngine(routing.Config{
		Model:  cfg.RoutingModel,
		Source: o,
		TTL:    cfg.RoutingTTL,
		Logger: logger,
	})

	return o
}

// Agents implements routing.AgentSource: the routable roster, in
// registration order (the order the routing engine's default-agent
// tie-break relies on), excluding agents currently being removed.
func (o *Orchestrator) Agents() []models.AgentDescriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.AgentDescriptor, 0, len(o.order))
	for _, id := range o.order {
		e, ok := o.agents[id]
		if ok && !e.removing {
			out = append(out, e.agent.Descriptor)
		}
	}
	return out
}

// RegisterAgent builds a runtime Agent from desc and adds it to the
// routable roster, assigning an id if desc.AgentID is empty.
func (o *Orchestrator) RegisterAgent(desc models.AgentDescriptor) (string, error) {
	model, ok := o.models[desc.ModelHandle.Provider]
	if !ok {
		return "", fmt.Errorf("orchestrator: no model client registered for provider %q", desc.ModelHandle.Provider)
	}
	if desc.AgentID == "" {
		desc.AgentID = uuid.NewString()
	}

	runtimeAgent := agent.New(desc, model, o.knowledge, o.logger)

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.agents[desc.AgentID]; exists {
		return "", fmt.Errorf("orchestrator: agent_id %q already registered", desc.AgentID)
	}
	o.agents[desc.AgentID] = &agentEntry{agent: runtimeAgent}
	o.order = append(o.order, desc.AgentID)
	return desc.AgentID, nil
}

// RemoveAgent rejects new turns for agentID immediately, waits for
// in-flight turns to drain, then releases it.
func (o *Orchestrator) RemoveAgent(agentID string) error {
	o.mu.Lock()
	entry, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return ErrNoSuchAgent
	}
	entry.removing = true
	o.mu.Unlock()

	o.routing.Invalidate(agentID)
	entry.wg.Wait()

	o.mu.Lock()
	delete(o.agents, agentID)
	for i, id := range o.order {
		if id == agentID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	return nil
}

// ChatOptions configures one chat call.
type ChatOptions struct {
	UserID         int64
	AgentID        string // explicit override; empty triggers routing
	ConversationID string // empty generates a new one
	StreamSink     chan<- agent.OutputChunk
}

// ChatResult reports the outcome of one completed turn.
type ChatResult struct {
	TraceID        string
	AgentID        string
	ConversationID string
	Reply          string
}

// Chat is the orchestrator's entry point: routes to an agent (unless one
// is named explicitly), composes and streams a turn, and updates memory.
// It does not block on MCP reconnects — tool availability is resolved
// from the Service's current catalog snapshot only.
func (o *Orchestrator) Chat(ctx context.Context, message string, opts ChatOptions) (ChatResult, error) {
	traceID := uuid.NewString()
	logger := o.logger.With("trace_id", traceID)

	agentID := opts.AgentID
	if agentID == "" {
		var err error
		agentID, err = o.routing.SelectAgent(ctx, message)
		if err != nil {
			return ChatResult{}, err
		}
	}

	entry, err := o.acquireAgent(agentID)
	if err != nil {
		return ChatResult{}, err
	}
	defer entry.wg.Done()

	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	conv := o.conversationFor(conversationID)

	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.turnCount++

	internalSink := opts.StreamSink
	var owned chan agent.OutputChunk
	if internalSink == nil {
		owned = make(chan agent.OutputChunk, 32)
		internalSink = owned
	}

	var reply string
	var drainDone chan struct{}
	if owned != nil {
		drainDone = make(chan struct{})
		go func() {
			defer close(drainDone)
			for c := range owned {
				reply += c.Text
			}
		}()
	}

	deps := agent.Deps{
		MCP:                o.mcp,
		Buffer:             conv.buffer,
		LongTerm:           o.longTerm,
		Memobase:           o.memobase,
		Extractor:          o.extractor,
		AutoExtract:        o.autoExtract,
		ExtractionInterval: o.extractionInterval,
		TurnCount:          conv.turnCount,
	}

	runErr := entry.agent.RunTurn(ctx, agent.TurnInput{
		Message:        message,
		UserID:         opts.UserID,
		ConversationID: conversationID,
	}, deps, internalSink)

	if owned != nil {
		close(owned)
		<-drainDone
	}

	if runErr != nil {
		logger.Warn("chat turn failed", "agent_id", agentID, "conversation_id", conversationID, "error", runErr)
		return ChatResult{TraceID: traceID, AgentID: agentID, ConversationID: conversationID}, runErr
	}

	return ChatResult{TraceID: traceID, AgentID: agentID, ConversationID: conversationID, Reply: reply}, nil
}

func (o *Orchestrator) acquireAgent(agentID string) (*agentEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.agents[agentID]
	if !ok {
		return nil, ErrNoSuchAgent
	}
	if entry.removing {
		return nil, ErrAgentRemoving
	}
	entry.wg.Add(1)
	return entry, nil
}

func (o *Orchestrator) conversationFor(conversationID string) *conversationState {
	o.convMu.Lock()
	defer o.convMu.Unlock()
	conv, ok := o.conversations[conversationID]
	if !ok {
		conv = &conversationState{
			buffer: buffer.New(buffer.Config{
				ContextWindow:    o.bufferCfg.contextWindow,
				BufferMultiplier: o.bufferCfg.bufferMultiplier,
				Embedder:         o.embedder,
			}),
		}
		o.conversations[conversationID] = conv
	}
	return conv
}

// SearchMemoryOptions narrows a search_memory call.
type SearchMemoryOptions struct {
	Scope       MemoryScope
	Limit       int
	RecencyBias float64
	Filter      func(models.Metadata) bool
}

// SearchMemory queries buffer and/or long-term memory for a conversation
// and user, per scope.
func (o *Orchestrator) SearchMemory(ctx context.Context, conversationID string, userID int64, query string, opts SearchMemoryOptions) ([]models.RetrievedItem, error) {
	if opts.Scope == "" {
		opts.Scope = ScopeBoth
	}

	if opts.Scope != ScopeBuffer && opts.Scope != ScopeLongTerm && opts.Scope != ScopeBoth {
		return nil, ErrUnknownScope
	}

	var items []models.RetrievedItem
	if opts.Scope == ScopeBuffer || opts.Scope == ScopeBoth {
		conv := o.conversationFor(conversationID)
		items = append(items, conv.buffer.Search(ctx, query, buffer.SearchOptions{
			Limit:       opts.Limit,
			RecencyBias: opts.RecencyBias,
			Filter:      opts.Filter,
		})...)
	}
	if opts.Scope == ScopeLongTerm || opts.Scope == ScopeBoth {
		if o.longTerm != nil && userID != models.AnonymousUser {
			records, err := o.longTerm.Search(ctx, userID, query, backend.SearchOptions{Limit: opts.Limit})
			if err != nil {
				return items, fmt.Errorf("orchestrator: long-term search: %w", err)
			}
			for _, r := range records {
				items = append(items, models.RetrievedItem{Content: r.Content, Score: r.Score, Source: "long_term"})
			}
		}
	}
	return items, nil
}

// AddUserContext writes one structured fact, subject to Memobase's
// importance gate.
func (o *Orchestrator) AddUserContext(userID int64, key string, value any, importance float64, source models.ContextSource) error {
	if o.memobase == nil {
		return errors.New("orchestrator: memobase not configured")
	}
	return o.memobase.Put(userID, key, value, importance, source)
}

// GetUserContext reads every fact stored for a user, sorted by
// importance descending.
func (o *Orchestrator) GetUserContext(userID int64) []models.UserContextEntry {
	if o.memobase == nil {
		return nil
	}
	return o.memobase.Get(userID)
}

// SetMCPServer registers (or re-registers, after a RemoveMCPServer) an
// MCP server connection.
func (o *Orchestrator) SetMCPServer(desc mcp.ServerDescriptor) error {
	if o.mcp == nil {
		return errors.New("orchestrator: mcp service not configured")
	}
	return o.mcp.Register(desc)
}

// RemoveMCPServer tears down a server connection. Agents holding a stale
// tool reference observe it vanish from the next ListTools snapshot.
func (o *Orchestrator) RemoveMCPServer(serverID string) error {
	if o.mcp == nil {
		return errors.New("orchestrator: mcp service not configured")
	}
	return o.mcp.RemoveServer(serverID)
}

// Close tears down every MCP connection and waits, with best-effort
// grace, for detached extraction tasks to finish.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.extractor != nil {
		done := make(chan struct{})
		go func() {
			o.extractor.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			o.logger.Warn("shutdown: extractor tasks did not drain before deadline")
		}
	}
	if o.mcp != nil {
		return o.mcp.CloseAll()
	}
	return nil
}
