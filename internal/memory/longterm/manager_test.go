package longterm

import (
	"context"
	"strings"
	"testing"

	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend"
	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend/sqlitevec"
)

// stubEmbedder is a deterministic embeddings.Provider test double: it
// derives a fixed-dimension vector from a text's length so tests don't
// depend on any real embedding model.
type stubEmbedder struct {
	dimension int
}

func (s stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dimension)
	v[0] = float32(len(text)%7) + 1
	return v, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := s.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (s stubEmbedder) Name() string      { return "stub" }
func (s stubEmbedder) Dimension() int    { return s.dimension }
func (s stubEmbedder) MaxBatchSize() int { return 32 }

func TestNewManagerRejectsDimensionMismatch(t *testing.T) {
	store, err := sqlitevec.New(sqlitevec.Config{Dimension: 4})
	if err != nil {
		t.Fatalf("sqlitevec.New() error = %v", err)
	}
	defer store.Close()

	_, err = NewManager(store, stubEmbedder{dimension: 8})
	if err == nil {
		t.Fatal("NewManager() error = nil, want error for embedder/store dimension mismatch")
	}
	if !strings.Contains(err.Error(), "dimension mismatch") {
		t.Errorf("NewManager() error = %q, want it to mention dimension mismatch", err.Error())
	}
}

func TestManagerSearchScopesToUser(t *testing.T) {
	store, err := sqlitevec.New(sqlitevec.Config{Dimension: 4})
	if err != nil {
		t.Fatalf("sqlitevec.New() error = %v", err)
	}
	defer store.Close()

	mgr, err := NewManager(store, stubEmbedder{dimension: 4})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx := context.Background()
	const userA, userB int64 = 1, 2

	if _, err := mgr.Add(ctx, userA, "researcher", "userA likes coffee", nil, 0); err != nil {
		t.Fatalf("Add(userA) error = %v", err)
	}
	if _, err := mgr.Add(ctx, userB, "researcher", "userB likes tea", nil, 0); err != nil {
		t.Fatalf("Add(userB) error = %v", err)
	}

	results, err := mgr.Search(ctx, userA, "what does this user like?", backend.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Search(userA) error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search(userA) returned %d records, want 1", len(results))
	}
	if results[0].Content != "userA likes coffee" {
		t.Fatalf("Search(userA) returned %q, want only userA's record", results[0].Content)
	}
	for _, r := range results {
		if strings.Contains(r.Content, "userB") {
			t.Fatalf("Search(userA) leaked userB's record: %+v", r)
		}
	}
}

func TestManagerAddRejectsAnonymousUser(t *testing.T) {
	store, err := sqlitevec.New(sqlitevec.Config{Dimension: 4})
	if err != nil {
		t.Fatalf("sqlitevec.New() error = %v", err)
	}
	defer store.Close()

	mgr, err := NewManager(store, stubEmbedder{dimension: 4})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if _, err := mgr.Add(context.Background(), 0, "researcher", "anonymous content", nil, 0); err == nil {
		t.Fatal("Add() error = nil for anonymous user, want error")
	}
}
