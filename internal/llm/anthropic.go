package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentmesh/orchestrator/internal/retry"
)

// AnthropicModel implements ChatModel against the Claude Messages API.
type AnthropicModel struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
}

type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
}

func NewAnthropic(cfg AnthropicConfig) (*AnthropicModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic api key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicModel{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
	}, nil
}

func (m *AnthropicModel) Name() string { return "anthropic" }

// Complete streams a completion, retrying stream-creation failures with
// jittered backoff (429 and 5xx API errors only) before surfacing
// to the caller as a single error chunk.
func (m *AnthropicModel) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = m.defaultModel
	}

	convertedMessages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
		Messages:  convertedMessages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	chunks := make(chan Chunk, 16)

	go func() {
		defer close(chunks)

		stream, err := m.newStreamWithRetry(ctx, params)
		if err != nil {
			chunks <- Chunk{Error: fmt.Errorf("llm: anthropic stream: %w", err), Done: true}
			return
		}
		drainAnthropicStream(stream, chunks)
	}()

	return chunks, nil
}

// newStreamWithRetry opens the SSE stream, retrying transient failures
// (429/5xx) with jittered backoff. The Anthropic SDK surfaces connection
// failures synchronously on NewStreaming's first read, so the retry loop
// lives here rather than inside the drain loop.
func (m *AnthropicModel) newStreamWithRetry(ctx context.Context, params anthropic.MessageNewParams) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		stream := m.client.Messages.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			lastErr = err
			if !isRetryable(err) || attempt == m.maxRetries {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retry.WithJitter(retry.Backoff(attempt, 500*time.Millisecond, 10*time.Second))):
			}
			continue
		}
		return stream, nil
	}
	return nil, lastErr
}

// maxEmptyStreamEvents bounds how many consecutive events may produce no
// chunk before the stream is considered malformed and aborted.
const maxEmptyStreamEvents = 50

// drainAnthropicStream consumes stream to completion, translating each SSE
// event into a Chunk. It accumulates tool-call input JSON across
// content_block_delta events and emits the finished tool call at
// content_block_stop, mirroring the Messages API's incremental tool-use
// framing.
func drainAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) {
	var currentToolCall *ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = []byte(currentToolInput.String())
				chunks <- Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_stop":
			chunks <- Chunk{Done: true}
			return

		case "error":
			chunks <- Chunk{Error: errors.New("llm: anthropic stream error"), Done: true}
			return
		}

		if processed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- Chunk{Error: fmt.Errorf("llm: anthropic stream malformed: %d consecutive empty events", emptyEventCount), Done: true}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Error: fmt.Errorf("llm: anthropic stream: %w", err), Done: true}
		return
	}
	chunks <- Chunk{Done: true}
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

// convertMessages replays internal messages into Anthropic's content-block
// form. An "assistant" message's ToolCalls become tool_use blocks so a
// following "tool" message's tool_result block always has the preceding
// tool_use block the Messages API requires.
func convertMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var content []anthropic.ContentBlockParamUnion

		if m.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		} else if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}

		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call arguments for %q: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		switch m.Role {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(content...))
		case "user", "tool":
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
			},
		})
	}
	return out
}

func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
