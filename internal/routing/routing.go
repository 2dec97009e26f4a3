// Package routing selects which registered agent handles a message when
// the caller does not name one explicitly: a fingerprint cache in front of
// a deterministic LLM prompt, grounded on the mcp package's
// RWMutex-guarded-map shape for the cache and on llm.ChatModel for the
// routing call itself.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/internal/llm"
	"github.com/agentmesh/orchestrator/pkg/models"
)

// ErrNoAgents is returned when no agent is registered to route to.
var ErrNoAgents = errors.New("routing: no agents registered")

// ErrRoutingFailed is returned when neither the routing model's response
// nor the default-agent fallback (the IsDefault agent, else the first
// registered one) yields an agent.
var ErrRoutingFailed = errors.New("routing: could not resolve an agent and no default is declared")

var whitespace = regexp.MustCompile(`\s+`)

// Fingerprint normalizes message for cache lookup: lowercased, with
// internal whitespace runs collapsed to a single space.
func Fingerprint(message string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(message)), " ")
}

// AgentSource supplies the current agent roster in registration order —
// the Orchestrator implements this over its own agent registry.
type AgentSource interface {
	Agents() []models.AgentDescriptor
}

// Engine selects an agent id for an incoming message, caching decisions by
// message fingerprint with a wall-clock TTL.
type Engine struct {
	logger *slog.Logger
	model  llm.ChatModel
	source AgentSource
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]models.RoutingCacheEntry
}

type Config struct {
	Model  llm.ChatModel
	Source AgentSource
	TTL    time.Duration
	Logger *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger.With("component", "routing"),
		model:  cfg.Model,
		source: cfg.Source,
		ttl:    cfg.TTL,
		cache:  make(map[string]models.RoutingCacheEntry),
	}
}

// SelectAgent resolves message to an agent id. A cache hit within its TTL
// is returned without consulting the model. On a cache miss the model is
// asked to pick one of the currently registered agents by id; a parse
// failure or low-confidence answer falls back to the declared default
// agent, tie-breaking to the first-registered agent when none is marked
// default.
func (e *Engine) SelectAgent(ctx context.Context, message string) (string, error) {
	agents := e.source.Agents()
	if len(agents) == 0 {
		return "", ErrNoAgents
	}

	fp := Fingerprint(message)
	if agentID, ok := e.lookupFresh(fp); ok {
		return agentID, nil
	}

	agentID, err := e.route(ctx, message, agents)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.cache[fp] = models.RoutingCacheEntry{
		Fingerprint: fp,
		AgentID:     agentID,
		ExpiresAt:   time.Now().Add(e.ttl),
	}
	e.mu.Unlock()

	return agentID, nil
}

func (e *Engine) lookupFresh(fingerprint string) (string, bool) {
	e.mu.RLock()
	entry, ok := e.cache[fingerprint]
	e.mu.RUnlock()
	if !ok || time.Now().After(entry.ExpiresAt) {
		return "", false
	}
	return entry.AgentID, true
}

func (e *Engine) route(ctx context.Context, message string, agents []models.AgentDescriptor) (string, error) {
	if e.model == nil {
		if id, ok := defaultAgent(agents); ok {
			return id, nil
		}
		return "", ErrRoutingFailed
	}

	prompt := buildRoutingPrompt(agents, message)
	chunks, err := e.model.Complete(ctx, llm.CompletionRequest{
		System:    routingSystemPrompt,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: 32,
	})
	if err != nil {
		e.logger.Warn("routing model call failed, falling back to default agent", "error", err)
		if id, ok := defaultAgent(agents); ok {
			return id, nil
		}
		return "", ErrRoutingFailed
	}

	var reply strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			e.logger.Warn("routing model stream error, falling back to default agent", "error", chunk.Error)
			if id, ok := defaultAgent(agents); ok {
				return id, nil
			}
			return "", ErrRoutingFailed
		}
		reply.WriteString(chunk.Text)
	}

	if id, ok := resolveAgentID(reply.String(), agents); ok {
		return id, nil
	}
	if id, ok := defaultAgent(agents); ok {
		e.logger.Warn("routing model answer unresolved, falling back to default agent", "reply", reply.String())
		return id, nil
	}
	return "", ErrRoutingFailed
}

const routingSystemPrompt = "You are a routing function. Given a user message and a list of " +
	"candidate agents, respond with exactly one agent id and nothing else."

func buildRoutingPrompt(agents []models.AgentDescriptor, message string) string {
	var b strings.Builder
	b.WriteString("Candidates:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s: %s\n", a.AgentID, a.Description)
	}
	b.WriteString("\nMessage: ")
	b.WriteString(message)
	b.WriteString("\n\nRespond with only the agent id.")
	return b.String()
}

// resolveAgentID matches the model's free-text reply against known agent
// ids, tolerating surrounding punctuation/whitespace from the model.
func resolveAgentID(reply string, agents []models.AgentDescriptor) (string, bool) {
	trimmed := strings.TrimSpace(reply)
	for _, a := range agents {
		if trimmed == a.AgentID {
			return a.AgentID, true
		}
	}
	for _, a := range agents {
		if strings.Contains(trimmed, a.AgentID) {
			return a.AgentID, true
		}
	}
	return "", false
}

// defaultAgent returns the agent marked IsDefault, or the first-registered
// agent if none is marked, per the tie-break rule.
func defaultAgent(agents []models.AgentDescriptor) (string, bool) {
	for _, a := range agents {
		if a.IsDefault {
			return a.AgentID, true
		}
	}
	if len(agents) > 0 {
		return agents[0].AgentID, true
	}
	return "", false
}

// Invalidate drops a cached decision, used when an agent is removed so
// stale routes are not served past the agent's lifetime.
func (e *Engine) Invalidate(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for fp, entry := range e.cache {
		if entry.AgentID == agentID {
			delete(e.cache, fp)
		}
	}
}
