package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator/internal/llm"
	"github.com/agentmesh/orchestrator/internal/memory/memobase"
	"github.com/agentmesh/orchestrator/pkg/models"
)

type stubModel struct {
	reply string
	err   error
}

func (s *stubModel) Name() string { return "stub" }

func (s *stubModel) Complete(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: s.reply}
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func TestParseFactsStrictJSON(t *testing.T) {
	facts := parseFacts(`{"extracted_info":[{"key":"favorite_color","value":"blue","confidence":0.9,"importance":0.4}]}`)
	if len(facts) != 1 || facts[0].Key != "favorite_color" {
		t.Fatalf("parseFacts() = %+v", facts)
	}
}

func TestParseFactsStripsCodeFence(t *testing.T) {
	facts := parseFacts("```json\n{\"extracted_info\":[{\"key\":\"k\",\"value\":\"v\",\"confidence\":0.8,\"importance\":0.5}]}\n```")
	if len(facts) != 1 {
		t.Fatalf("parseFacts() = %+v, want one fact", facts)
	}
}

func TestParseFactsFallbackLineParser(t *testing.T) {
	text := "key: timezone\nvalue: PST\nconfidence: 0.7\nimportance: 0.3\n\nkey: name\nvalue: Sam\nconfidence: 0.95\nimportance: 0.6"
	facts := parseFacts(text)
	if len(facts) != 2 {
		t.Fatalf("parseFacts() fallback = %+v, want 2 facts", facts)
	}
	if facts[0].Key != "timezone" || facts[0].Confidence != 0.7 {
		t.Errorf("first fact = %+v", facts[0])
	}
	if facts[1].Key != "name" || facts[1].Importance != 0.6 {
		t.Errorf("second fact = %+v", facts[1])
	}
}

func TestSpawnSkipsAnonymousUser(t *testing.T) {
	e := New(Config{Model: &stubModel{reply: `{"extracted_info":[{"key":"k","value":"v","confidence":1,"importance":1}]}`}, Store: memobase.New()})
	e.Spawn(context.Background(), models.AnonymousUser, "hello")
	e.Wait()
	if len(e.store.Get(models.AnonymousUser)) != 0 {
		t.Error("extraction ran for anonymous user")
	}
}

func TestSpawnFiltersBelowConfidenceThreshold(t *testing.T) {
	store := memobase.New()
	e := New(Config{
		Model:     &stubModel{reply: `{"extracted_info":[{"key":"low","value":"v","confidence":0.2,"importance":0.9},{"key":"high","value":"v2","confidence":0.9,"importance":0.5}]}`},
		Store:     store,
		Threshold: 0.5,
	})
	e.Spawn(context.Background(), 42, "some turn text")
	e.Wait()

	entries := store.Get(42)
	if len(entries) != 1 || entries[0].Key != "high" {
		t.Fatalf("Get() = %+v, want only the high-confidence fact", entries)
	}
}

func TestSpawnLogsAndSwallowsModelError(t *testing.T) {
	e := New(Config{Model: &stubModel{err: context.DeadlineExceeded}, Store: memobase.New()})
	done := make(chan struct{})
	go func() {
		e.Spawn(context.Background(), 42, "hello")
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Spawn/Wait did not complete after model error")
	}
}
