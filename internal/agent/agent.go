// Package agent implements the per-turn state machine: prompt composition
// from buffer, long-term, and structured user-context memory plus any
// attached knowledge sources; streaming model invocation; and the
// tool-call interpretation loop against the MCP Service. Grounded on the
// teacher's provider Complete/stream-chunk shape (internal/agent/providers)
// and its gateway tool-dispatch loop for the round-and-retry structure.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/internal/extractor"
	"github.com/agentmesh/orchestrator/internal/knowledge"
	"github.com/agentmesh/orchestrator/internal/llm"
	"github.com/agentmesh/orchestrator/internal/mcp"
	"github.com/agentmesh/orchestrator/internal/memory/buffer"
	"github.com/agentmesh/orchestrator/internal/memory/longterm"
	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend"
	"github.com/agentmesh/orchestrator/internal/memory/memobase"
	"github.com/agentmesh/orchestrator/pkg/models"
)

// ErrToolLoopExceeded is returned when a turn exhausts defaultMaxToolRounds
// model rounds without the model producing a final answer.
var ErrToolLoopExceeded = errors.New("agent: tool loop exceeded max rounds")

// ErrToolUnavailable is returned when an agent declares a tool mandatory
// and its owning MCP server is not currently ready.
var ErrToolUnavailable = errors.New("agent: mandatory tool unavailable")

// ErrModelFailed wraps a streaming failure from the underlying ChatModel.
var ErrModelFailed = errors.New("agent: model failed")

const (
	defaultMaxToolRounds  = 6
	defaultRequestTimeout = 60 * time.Second
	userContextBudget     = 2000 // characters
)

// OutputChunk is one unit forwarded to a turn's stream sink.
type OutputChunk struct {
	Text  string
	Done  bool
	Error error
}

// Agent is a registered, immutable-after-construction persona: a system
// prompt, a model handle resolved to a concrete llm.ChatModel, and the
// knowledge sources and MCP tool scope it may draw on.
type Agent struct {
	Descriptor models.AgentDescriptor

	model     llm.ChatModel
	knowledge map[string]*knowledge.Source // keyed by KnowledgeRef.SourceID
	logger    *slog.Logger
}

func New(desc models.AgentDescriptor, model llm.ChatModel, knowledgeSources map[string]*knowledge.Source, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		Descriptor: desc,
		model:      model,
		knowledge:  knowledgeSources,
		logger:     logger.With("component", "agent", "agent_id", desc.AgentID),
	}
}

// Deps bundles the shared subsystems a turn needs, injected by the
// Orchestrator so Agent itself stays free of global state.
type Deps struct {
	MCP       *mcp.Service
	Buffer    *buffer.Buffer // this conversation's buffer instance
	LongTerm  *longterm.Manager
	Memobase  *memobase.Store
	Extractor *extractor.Extractor

	AutoExtract        bool
	ExtractionInterval int
	TurnCount          int64 // this conversation's turn number, 1-based
}

// TurnInput is the Orchestrator's request to run one turn.
type TurnInput struct {
	Message        string
	UserID         int64
	ConversationID string
}

// RunTurn drives one turn's state machine to completion, forwarding
// streamed text to sink in emission order. It returns once the turn has
// reached a terminal state; sink is never closed by RunTurn, matching the
// Orchestrator's ownership of the conversation's stream lifetime.
func (a *Agent) RunTurn(ctx context.Context, in TurnInput, deps Deps, sink chan<- OutputChunk) error {
	userMeta := models.Metadata{UserID: in.UserID, AgentID: a.Descriptor.AgentID, ConversationID: in.ConversationID}
	if deps.Buffer != nil {
		// Recorded up front so a cancelled turn still leaves the user's
		// message visible to future retrieval, per the cancellation contract.
		deps.Buffer.Add(ctx, in.Message, userMeta)
	}

	tools, err := a.resolveTools(deps.MCP)
	if err != nil {
		return err
	}

	messages, err := a.compose(ctx, in, deps)
	if err != nil {
		return err
	}

	maxRounds := defaultMaxToolRounds

	var finalText strings.Builder
	for round := 0; ; round++ {
		if round >= maxRounds {
			return ErrToolLoopExceeded
		}

		req := llm.CompletionRequest{
			Model:    a.Descriptor.ModelHandle.Model,
			System:   a.Descriptor.SystemPrompt,
			Messages: messages,
			Tools:    tools,
		}

		toolCalls, text, err := a.streamOnce(ctx, req, sink)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrModelFailed, err)
		}
		finalText.WriteString(text)

		if len(toolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{Role: "assistant", ToolCalls: toolCalls})
		results := a.dispatchTools(ctx, deps, toolCalls)
		for _, r := range results {
			messages = append(messages, llm.Message{Role: "tool", ToolCallID: r.ToolCallID, Content: r.Content})
		}
	}

	a.finalize(ctx, in, deps, finalText.String())

	if deps.AutoExtract && in.UserID != models.AnonymousUser && deps.Extractor != nil {
		interval := deps.ExtractionInterval
		if interval <= 0 {
			interval = 1
		}
		if deps.TurnCount%int64(interval) == 0 {
			deps.Extractor.Spawn(context.WithoutCancel(ctx), in.UserID, in.Message+"\n"+finalText.String())
		}
	}

	return nil
}

// resolveTools filters the agent's declared tool scope to the servers
// currently ready, failing the turn only if a mandatory tool is missing.
func (a *Agent) resolveTools(svc *mcp.Service) ([]llm.ToolSchema, error) {
	var available []*mcp.Tool
	if svc != nil {
		available = svc.ListTools(a.Descriptor.ToolScope)
	}

	byName := make(map[string]*mcp.Tool, len(available))
	for _, t := range available {
		byName[t.Name] = t
	}
	for _, mandatory := range a.Descriptor.MandatoryTools {
		if _, ok := byName[mandatory]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, mandatory)
		}
	}

	schemas := make([]llm.ToolSchema, 0, len(available))
	for _, t := range available {
		schemas = append(schemas, llm.ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.ParameterSchema})
	}
	return schemas, nil
}

// compose assembles the message list per the spec's composing step:
// user-context block, retrieval block (buffer ∪ long-term, deduplicated,
// oldest→newest), knowledge block, then the new user message last.
func (a *Agent) compose(ctx context.Context, in TurnInput, deps Deps) ([]llm.Message, error) {
	var messages []llm.Message

	if in.UserID != models.AnonymousUser && deps.Memobase != nil {
		if block := renderUserContext(deps.Memobase.Get(in.UserID)); block != "" {
			messages = append(messages, llm.Message{Role: "user", Content: block})
		}
	}

	if retrieval := a.retrieve(ctx, in, deps); retrieval != "" {
		messages = append(messages, llm.Message{Role: "user", Content: retrieval})
	}

	if kb := a.searchKnowledge(ctx, in.Message); kb != "" {
		messages = append(messages, llm.Message{Role: "user", Content: kb})
	}

	messages = append(messages, llm.Message{Role: "user", Content: in.Message})
	return messages, nil
}

func renderUserContext(entries []models.UserContextEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known facts about this user:\n")
	for _, e := range entries {
		line := fmt.Sprintf("%s: %v\n", e.Key, e.Value)
		if b.Len()+len(line) > userContextBudget {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func (a *Agent) retrieve(ctx context.Context, in TurnInput, deps Deps) string {
	var items []models.RetrievedItem

	if deps.Buffer != nil {
		items = append(items, deps.Buffer.Search(ctx, in.Message, buffer.SearchOptions{
			Limit:       8,
			RecencyBias: a.Descriptor.RecencyBias,
		})...)
	}

	if deps.LongTerm != nil && in.UserID != models.AnonymousUser {
		records, err := deps.LongTerm.Search(ctx, in.UserID, in.Message, backend.SearchOptions{Limit: 8})
		if err != nil {
			a.logger.Warn("long-term search degraded, continuing on buffer only", "error", err)
		}
		for _, r := range records {
			items = append(items, models.RetrievedItem{Content: r.Content, Score: r.Score, Source: "long_term"})
		}
	}

	items = dedupeByContent(items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })

	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant context from memory:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it.Content)
	}
	return b.String()
}

func dedupeByContent(items []models.RetrievedItem) []models.RetrievedItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]models.RetrievedItem, 0, len(items))
	for _, it := range items {
		sum := sha256.Sum256([]byte(it.Content))
		key := hex.EncodeToString(sum[:])
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

func (a *Agent) searchKnowledge(ctx context.Context, query string) string {
	if len(a.Descriptor.Knowledge) == 0 {
		return ""
	}
	var b strings.Builder
	found := false
	for _, ref := range a.Descriptor.Knowledge {
		src, ok := a.knowledge[ref.SourceID]
		if !ok {
			continue
		}
		hits, err := src.Search(ctx, query, ref.TopK, ref.Threshold)
		if err != nil {
			a.logger.Warn("knowledge search failed", "source_id", ref.SourceID, "error", err)
			continue
		}
		for _, h := range hits {
			if !found {
				b.WriteString("Knowledge base matches:\n")
				found = true
			}
			fmt.Fprintf(&b, "- (%s) %s\n", h.Source, h.Content)
		}
	}
	return b.String()
}

// streamOnce invokes the model once and forwards text chunks to sink in
// arrival order, accumulating any tool calls it emits.
func (a *Agent) streamOnce(ctx context.Context, req llm.CompletionRequest, sink chan<- OutputChunk) ([]llm.ToolCall, string, error) {
	chunks, err := a.model.Complete(ctx, req)
	if err != nil {
		return nil, "", err
	}

	var toolCalls []llm.ToolCall
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, "", chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			select {
			case sink <- OutputChunk{Text: chunk.Text}:
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			break
		}
	}
	return toolCalls, text.String(), nil
}

// dispatchTools runs every tool call from one model round concurrently —
// the spec places no ordering constraint within a round — and converts
// failures into tool-result messages rather than aborting the turn.
func (a *Agent) dispatchTools(ctx context.Context, deps Deps, calls []llm.ToolCall) []models.ToolResult {
	deadline := a.Descriptor.RequestTimeoutOverride
	if deadline <= 0 {
		deadline = defaultRequestTimeout
	}

	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = a.invokeOne(ctx, deps, deadline, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (a *Agent) invokeOne(ctx context.Context, deps Deps, deadline time.Duration, call llm.ToolCall) models.ToolResult {
	if deps.MCP == nil {
		return models.ToolResult{ToolCallID: call.ID, Content: "no MCP service configured", IsError: true}
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := deps.MCP.Invoke(callCtx, a.Descriptor.ToolScope, call.Name, call.Arguments)
	if err != nil {
		return models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}

	var b strings.Builder
	for _, c := range result.Content {
		b.WriteString(c.Text)
	}
	return models.ToolResult{ToolCallID: call.ID, Content: b.String(), IsError: result.IsError}
}

// finalize appends the assistant's reply to short-term and (for
// non-anonymous users) long-term memory.
func (a *Agent) finalize(ctx context.Context, in TurnInput, deps Deps, reply string) {
	meta := models.Metadata{UserID: in.UserID, AgentID: a.Descriptor.AgentID, ConversationID: in.ConversationID}

	if deps.Buffer != nil {
		deps.Buffer.Add(ctx, reply, meta)
	}
	if deps.LongTerm != nil && in.UserID != models.AnonymousUser {
		if _, err := deps.LongTerm.Add(ctx, in.UserID, a.Descriptor.AgentID, reply, nil, 0.5); err != nil {
			a.logger.Warn("long-term write failed", "error", err)
		}
	}
}
