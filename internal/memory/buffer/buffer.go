// Package buffer implements the Hybrid Buffer Memory: a bounded,
// vector-indexed ring of recent conversation content blending semantic
// similarity with recency, the short-term counterpart to long-term
// memory. Structure and eviction mirror the teacher's in-process vector
// index, generalized from a single flat slice to a fixed-capacity ring
// that never grows past N.
package buffer

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/internal/memory/embeddings"
	"github.com/agentmesh/orchestrator/pkg/models"
)

// Buffer is one conversation's short-term memory ring. It is safe for
// concurrent use; writes to a single Buffer are serialized by its own
// mutex, satisfying the per-conversation write ordering the orchestrator
// requires.
type Buffer struct {
	mu       sync.RWMutex
	items    []models.BufferItem
	capacity int
	embedder embeddings.Provider
}

// Config configures a Buffer's capacity, following the spec's
// context_window × buffer_multiplier formula.
type Config struct {
	ContextWindow    int
	BufferMultiplier int
	Embedder         embeddings.Provider // optional; nil disables semantic search
}

func New(cfg Config) *Buffer {
	n := cfg.ContextWindow * cfg.BufferMultiplier
	if n <= 0 {
		n = 200
	}
	return &Buffer{
		items:    make([]models.BufferItem, 0, n),
		capacity: n,
		embedder: cfg.Embedder,
	}
}

// Add appends content to the ring, embedding it if an embedder is
// configured. An embedding failure never drops the item — it remains
// searchable by recency alone, per spec's boundary behavior for this case.
func (b *Buffer) Add(ctx context.Context, content string, metadata models.Metadata) {
	item := models.BufferItem{Content: content, Timestamp: time.Now(), Metadata: metadata}
	if b.embedder != nil {
		if vec, err := b.embedder.Embed(ctx, content); err == nil {
			item.Embedding = vec
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, item)
	if len(b.items) > b.capacity {
		// Evict the oldest in place; readers holding the RLock see either
		// the full pre-eviction slice or the post-eviction one, never a
		// half-shifted view, because the mutation happens under the write lock.
		b.items = append(b.items[:0], b.items[1:]...)
	}
}

// SearchOptions narrows a Search call.
type SearchOptions struct {
	Limit       int
	RecencyBias float64 // [0,1]; 1 = pure recency
	Filter      func(models.Metadata) bool
}

// Search blends semantic similarity with recency per the spec's scoring
// formula. When no embedder is configured, or the query itself fails to
// embed, it falls back to pure recency ordering.
func (b *Buffer) Search(ctx context.Context, query string, opts SearchOptions) []models.RetrievedItem {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	b.mu.RLock()
	items := make([]models.BufferItem, len(b.items))
	copy(items, b.items)
	b.mu.RUnlock()

	if b.embedder == nil {
		return recencyOnly(items, opts)
	}
	queryVec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return recencyOnly(items, opts)
	}

	type scored struct {
		item  models.BufferItem
		score float64
	}

	n := len(items)
	candidateLimit := opts.Limit * 2
	candidates := make([]scored, 0, n)
	for i, it := range items {
		if opts.Filter != nil && !opts.Filter(it.Metadata) {
			continue
		}
		distance := 1 - float64(cosineSimilarity(queryVec, it.Embedding))
		semantic := 1.0 / (1.0 + distance)
		recency := 1.0 - float64(n-1-i)/float64(max(n, 1))
		score := (1-opts.RecencyBias)*semantic + opts.RecencyBias*recency
		candidates = append(candidates, scored{item: it, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > candidateLimit {
		candidates = candidates[:candidateLimit]
	}
	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	results := make([]models.RetrievedItem, len(candidates))
	for i, c := range candidates {
		results[i] = models.RetrievedItem{Content: c.item.Content, Timestamp: c.item.Timestamp, Score: c.score, Source: "buffer"}
	}
	return results
}

func recencyOnly(items []models.BufferItem, opts SearchOptions) []models.RetrievedItem {
	var matched []models.BufferItem
	for _, it := range items {
		if opts.Filter != nil && !opts.Filter(it.Metadata) {
			continue
		}
		matched = append(matched, it)
	}
	// newest first
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	results := make([]models.RetrievedItem, len(matched))
	for i, it := range matched {
		results[i] = models.RetrievedItem{Content: it.Content, Timestamp: it.Timestamp, Score: 0, Source: "buffer"}
	}
	return results
}

// Len reports the current number of items in the ring.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(normA))*math.Sqrt(float64(normB)))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
