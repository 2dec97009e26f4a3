// Package knowledge loads a file-backed, chunked, embedded corpus per
// agent and serves nearest-neighbor search over it. Chunking is grounded
// on the teacher's internal/rag/chunker recursive splitter, narrowed from
// a structure-aware document pipeline to flat text files; embeddings are
// disk-cached keyed by content hash plus dimension, grounded on the same
// cache-invalidation idea the teacher's RAG store applies to re-indexing
// on content change.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentmesh/orchestrator/internal/memory/embeddings"
)

// Hit is one knowledge match surfaced to prompt composition, carrying the
// source file for provenance.
type Hit struct {
	Content   string
	Source    string
	Relevance float64
}

// Chunk is a slice of a source document after splitting.
type Chunk struct {
	Content   string
	Source    string
	Embedding []float32
}

// Config configures one Source's chunking and caching behavior.
type Config struct {
	// ChunkSize and ChunkOverlap are measured in characters.
	ChunkSize    int
	ChunkOverlap int
	CacheDir     string
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = 200
	}
	if c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 5
	}
}

// Source is one agent's corpus: every file under Paths, split into
// overlapping chunks and embedded once, then searchable by cosine
// similarity.
type Source struct {
	id       string
	cfg      Config
	embedder embeddings.Provider
	chunks   []Chunk
}

// Load reads every file in paths, splits it, and embeds each chunk —
// reusing a cached embedding from cfg.CacheDir when the chunk's content
// hash and the embedder's dimension both still match.
func Load(ctx context.Context, id string, paths []string, embedder embeddings.Provider, cfg Config) (*Source, error) {
	cfg.applyDefaults()
	s := &Source{id: id, cfg: cfg, embedder: embedder}

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
		}
		pieces := splitText(string(raw), cfg.ChunkSize, cfg.ChunkOverlap)
		for _, piece := range pieces {
			vec, err := s.embedWithCache(ctx, path, piece)
			if err != nil {
				return nil, fmt.Errorf("knowledge: embed chunk of %s: %w", path, err)
			}
			s.chunks = append(s.chunks, Chunk{Content: piece, Source: path, Embedding: vec})
		}
	}
	return s, nil
}

// Search returns the topK chunks most similar to query, limited to those
// at or above threshold.
func (s *Source) Search(ctx context.Context, query string, topK int, threshold float64) ([]Hit, error) {
	if len(s.chunks) == 0 {
		return nil, nil
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	hits := make([]Hit, 0, len(s.chunks))
	for _, c := range s.chunks {
		sim := cosineSimilarity(qv, c.Embedding)
		if sim < threshold {
			continue
		}
		hits = append(hits, Hit{Content: c.Content, Source: c.Source, Relevance: sim})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// cacheEntry is the on-disk shape of one cached embedding.
type cacheEntry struct {
	Hash      string    `json:"hash"`
	Dimension int       `json:"dimension"`
	Embedding []float32 `json:"embedding"`
}

func (s *Source) embedWithCache(ctx context.Context, path, content string) ([]float32, error) {
	hash := contentHash(content)
	dim := s.embedder.Dimension()

	if s.cfg.CacheDir != "" {
		if entry, ok := readCacheEntry(s.cacheFilePath(path, hash)); ok && entry.Hash == hash && entry.Dimension == dim {
			return entry.Embedding, nil
		}
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	if s.cfg.CacheDir != "" {
		_ = writeCacheEntry(s.cacheFilePath(path, hash), cacheEntry{Hash: hash, Dimension: dim, Embedding: vec})
	}
	return vec, nil
}

func (s *Source) cacheFilePath(path, hash string) string {
	base := filepath.Base(path)
	return filepath.Join(s.cfg.CacheDir, fmt.Sprintf("%s-%s-%s.json", s.id, base, hash[:16]))
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func readCacheEntry(path string) (cacheEntry, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return cacheEntry{}, false
	}
	return entry, true
}

func writeCacheEntry(path string, entry cacheEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// separators mirrors the teacher's default separator hierarchy: splits are
// attempted on the largest semantic unit first, falling back to smaller
// ones only where a chunk still exceeds size.
var separators = []string{"\n\n", "\n", ". ", "? ", "! ", " "}

// splitText greedily packs text into chunks no larger than size,
// preferring to break on a separator, and re-seeds every next chunk with
// the trailing overlap characters of the previous one.
func splitText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= size {
			chunks = append(chunks, strings.TrimSpace(text))
			break
		}

		cut := bestCut(text, size)
		chunk := strings.TrimSpace(text[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - overlap
		if next <= 0 || next >= cut {
			next = cut
		}
		text = text[next:]
	}
	return chunks
}

// bestCut finds the rightmost separator boundary at or before limit,
// falling back to a hard cut at limit if none of the separators appear.
func bestCut(text string, limit int) int {
	if limit >= len(text) {
		return len(text)
	}
	window := text[:limit]
	for _, sep := range separators {
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return idx + len(sep)
		}
	}
	return limit
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
