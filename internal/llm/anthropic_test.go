package llm

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewAnthropicRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Fatal("NewAnthropic() error = nil, want error for empty API key")
	}
}

func TestNewAnthropicAppliesDefaults(t *testing.T) {
	m, err := NewAnthropic(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropic() error = %v", err)
	}
	if m.defaultModel == "" {
		t.Error("defaultModel not defaulted")
	}
	if m.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", m.maxRetries)
	}
	if m.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", m.Name())
	}
}

func TestMaxTokensOrDefault(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 4096},
		{-5, 4096},
		{128, 128},
	}
	for _, c := range cases {
		if got := maxTokensOrDefault(c.in); got != c.want {
			t.Errorf("maxTokensOrDefault(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestConvertMessagesRoundTrip(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "tool", ToolCallID: "tc1", Content: "42"},
	}
	out, err := convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("convertMessages() returned %d messages, want 3", len(out))
	}
}

// TestConvertMessagesReplaysToolUse verifies that an "assistant" message
// carrying ToolCalls produces a tool_use block before the following "tool"
// message's tool_result block, which the Messages API requires in history.
func TestConvertMessagesReplaysToolUse(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "what's the weather?"},
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"nyc"}`)},
		}},
		{Role: "tool", ToolCallID: "call_1", Content: "68F and sunny"},
	}

	out, err := convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("convertMessages() returned %d messages, want 3", len(out))
	}

	assistantMsg := out[1]
	if len(assistantMsg.Content) != 1 || assistantMsg.Content[0].OfToolUse == nil {
		t.Fatalf("assistant message content = %+v, want a single tool_use block", assistantMsg.Content)
	}
	toolUse := assistantMsg.Content[0].OfToolUse
	if toolUse.ID != "call_1" || toolUse.Name != "get_weather" {
		t.Errorf("tool_use block = %+v, want id=call_1 name=get_weather", toolUse)
	}

	toolMsg := out[2]
	if len(toolMsg.Content) != 1 || toolMsg.Content[0].OfToolResult == nil {
		t.Fatalf("tool message content = %+v, want a single tool_result block", toolMsg.Content)
	}
	if toolMsg.Content[0].OfToolResult.ToolUseID != "call_1" {
		t.Errorf("tool_result ToolUseID = %q, want call_1", toolMsg.Content[0].OfToolResult.ToolUseID)
	}
}

func TestConvertMessagesRejectsInvalidToolCallArguments(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "broken", Arguments: json.RawMessage(`not json`)},
		}},
	}
	if _, err := convertMessages(msgs); err == nil {
		t.Fatal("convertMessages() error = nil, want error for malformed tool call arguments")
	}
}

func TestConvertToolsParsesSchema(t *testing.T) {
	tools := []ToolSchema{
		{Name: "search", Description: "search the web", Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
	}
	out := convertTools(tools)
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("convertTools() = %+v, want one tool", out)
	}
	if out[0].OfTool.Name != "search" {
		t.Errorf("tool name = %q, want search", out[0].OfTool.Name)
	}
}

func TestIsRetryableAnthropic(t *testing.T) {
	if isRetryable(nil) {
		t.Error("isRetryable(nil) = true, want false")
	}
	rateLimited := &anthropic.Error{StatusCode: 429}
	if !isRetryable(rateLimited) {
		t.Error("isRetryable(429) = false, want true")
	}
	serverErr := &anthropic.Error{StatusCode: 503}
	if !isRetryable(serverErr) {
		t.Error("isRetryable(503) = false, want true")
	}
	badRequest := &anthropic.Error{StatusCode: 400}
	if isRetryable(badRequest) {
		t.Error("isRetryable(400) = true, want false")
	}
}
