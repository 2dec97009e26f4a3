package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		p, err := New(Config{})
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		if p.baseURL != "http://localhost:11434" {
			t.Errorf("baseURL = %q, want default", p.baseURL)
		}
		if p.model != "nomic-embed-text" {
			t.Errorf("model = %q, want default", p.model)
		}
	})

	t.Run("custom config", func(t *testing.T) {
		p, err := New(Config{BaseURL: "http://custom:8080", Model: "mxbai-embed-large"})
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		if p.baseURL != "http://custom:8080" {
			t.Errorf("baseURL = %q, want custom", p.baseURL)
		}
	})
}

func TestProviderDimension(t *testing.T) {
	tests := []struct {
		model    string
		expected int
	}{
		{"nomic-embed-text", 768},
		{"mxbai-embed-large", 1024},
		{"all-minilm", 384},
		{"unknown-model", 768},
	}
	for _, tt := range tests {
		p, _ := New(Config{Model: tt.model})
		if dim := p.Dimension(); dim != tt.expected {
			t.Errorf("Dimension() for %q = %d, want %d", tt.model, dim, tt.expected)
		}
	}
}

func TestProviderEmbed(t *testing.T) {
	t.Run("successful embed", func(t *testing.T) {
		expected := []float32{0.1, 0.2, 0.3}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/embeddings" {
				t.Errorf("path = %s, want /api/embeddings", r.URL.Path)
			}
			var req embeddingRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Prompt != "test text" {
				t.Errorf("prompt = %q, want %q", req.Prompt, "test text")
			}
			json.NewEncoder(w).Encode(embeddingResponse{Embedding: expected})
		}))
		defer server.Close()

		p, _ := New(Config{BaseURL: server.URL})
		got, err := p.Embed(context.Background(), "test text")
		if err != nil {
			t.Fatalf("Embed error: %v", err)
		}
		if len(got) != len(expected) {
			t.Fatalf("embedding length = %d, want %d", len(got), len(expected))
		}
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		p, _ := New(Config{BaseURL: server.URL})
		if _, err := p.Embed(context.Background(), "test"); err == nil {
			t.Error("expected error for server error")
		}
	})
}

func TestProviderEmbedBatch(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float32{float32(callCount) * 0.1}})
	}))
	defer server.Close()

	p, _ := New(Config{BaseURL: server.URL})
	results, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results length = %d, want 3", len(results))
	}
	if callCount != 3 {
		t.Errorf("callCount = %d, want 3", callCount)
	}
}
