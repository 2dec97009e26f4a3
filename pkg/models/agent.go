package models

import "time"

// ModelHandle identifies which provider and model a chat completion call
// should target.
type ModelHandle struct {
	Provider string // "anthropic" | "openai"
	Model    string
}

// KnowledgeRef names a knowledge source attached to an agent.
type KnowledgeRef struct {
	SourceID string
	TopK     int
	Threshold float64
}

// AgentDescriptor is the registration-time configuration for an Agent.
// The Orchestrator assigns AgentID on registration if it is empty.
type AgentDescriptor struct {
	AgentID                string
	Name                   string
	Description            string
	SystemPrompt           string
	ModelHandle            ModelHandle
	Knowledge              []KnowledgeRef
	ToolScope              []string // MCP server_ids this agent may use
	MandatoryTools         []string // tool names that must be available or the turn fails
	RequestTimeoutOverride time.Duration
	RecencyBias            float64
	IsDefault              bool
}

// RoutingCacheEntry caches the outcome of one routing decision.
type RoutingCacheEntry struct {
	Fingerprint string
	AgentID     string
	ExpiresAt   time.Time
}
