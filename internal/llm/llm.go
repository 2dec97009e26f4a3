// Package llm adapts external chat-completion APIs behind a small interface
// so the Agent, Routing Engine, and Memory Extractor never depend on a
// specific provider's SDK shapes. Embeddings are a separate concern, served
// by internal/memory/embeddings.Provider.
package llm

import "context"

// Message is one entry in a chat completion request.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string

	// ToolCallID is set on a "tool" role message carrying a tool's result
	// back to the model.
	ToolCallID string

	// ToolCalls is set on an "assistant" role message that is replaying a
	// prior tool-call turn back into context.
	ToolCalls []ToolCall
}

// ToolCall is a single invocation the model asked for.
type ToolCall struct {
	ID        string
	Name      string
	Arguments []byte // raw JSON object
}

// ToolSchema describes one callable tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  []byte // JSON Schema
}

// CompletionRequest is a provider-agnostic chat completion request.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Chunk is one unit of a streamed completion. Exactly one of Text,
// ToolCall, Error is meaningful on any given chunk; Done marks stream end.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Error    error
	Done     bool
}

// ChatModel streams a completion for req. The returned channel is closed
// after a chunk with Done=true (or an error chunk) has been sent.
type ChatModel interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
