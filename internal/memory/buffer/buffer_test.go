package buffer

import (
	"context"
	"testing"

	"github.com/agentmesh/orchestrator/pkg/models"
)

func TestAddThenSearchRecencyRoundTrip(t *testing.T) {
	b := New(Config{ContextWindow: 10, BufferMultiplier: 2})
	b.Add(context.Background(), "hello world", models.Metadata{UserID: 7})

	results := b.Search(context.Background(), "hello world", SearchOptions{Limit: 1, RecencyBias: 1})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Content != "hello world" {
		t.Errorf("content = %q, want %q", results[0].Content, "hello world")
	}
}

func TestCapacityEviction(t *testing.T) {
	b := New(Config{ContextWindow: 2, BufferMultiplier: 1}) // capacity 2
	for i := 0; i < 5; i++ {
		b.Add(context.Background(), "item", models.Metadata{UserID: 1})
	}
	if got := b.Len(); got > 2 {
		t.Errorf("Len() = %d, want <= 2", got)
	}
}

func TestSearchFallsBackToRecencyWithoutEmbedder(t *testing.T) {
	b := New(Config{ContextWindow: 10, BufferMultiplier: 2})
	b.Add(context.Background(), "first", models.Metadata{})
	b.Add(context.Background(), "second", models.Metadata{})

	results := b.Search(context.Background(), "anything", SearchOptions{Limit: 1})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Content != "second" {
		t.Errorf("expected most recent item first, got %q", results[0].Content)
	}
}

func TestSearchAppliesFilter(t *testing.T) {
	b := New(Config{ContextWindow: 10, BufferMultiplier: 2})
	b.Add(context.Background(), "user seven", models.Metadata{UserID: 7})
	b.Add(context.Background(), "user nine", models.Metadata{UserID: 9})

	results := b.Search(context.Background(), "x", SearchOptions{
		Limit:  10,
		Filter: func(m models.Metadata) bool { return m.UserID == 7 },
	})
	if len(results) != 1 || results[0].Content != "user seven" {
		t.Errorf("filter did not isolate by user_id, got %+v", results)
	}
}
