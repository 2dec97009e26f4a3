package models

import "time"

// BufferItem is a short-term memory entry held only in the buffer ring.
type BufferItem struct {
	Content   string
	Embedding []float32
	Timestamp time.Time
	Metadata  Metadata
}

// LongTermRecord is a persistent, user-partitioned vector memory entry.
// Records are append-only: they are never mutated in place, only inserted
// or deleted.
type LongTermRecord struct {
	ID         string
	UserID     int64
	AgentID    string
	Content    string
	Embedding  []float32
	Metadata   map[string]any
	Importance float64
	CreatedAt  time.Time
}

// ScoredRecord pairs a LongTermRecord with its similarity score for a query.
type ScoredRecord struct {
	Content  string
	Metadata map[string]any
	Score    float64
}

// ContextSource distinguishes manually supplied user facts from ones
// harvested by the background extractor.
type ContextSource string

const (
	SourceManual    ContextSource = "manual"
	SourceExtracted ContextSource = "extraction"
)

// UserContextEntry is a single structured fact about a user, unique by
// (UserID, Key). Overwrites are gated by Importance: a new entry replaces
// an existing one iff its importance is greater than or equal, except that
// an extracted entry does not replace a manual one of equal importance.
type UserContextEntry struct {
	UserID     int64
	Key        string
	Value      any
	Importance float64
	Source     ContextSource
	UpdatedAt  time.Time
}

// RetrievedItem is a deduplicated, ordered hit surfaced to prompt
// composition from either buffer or long-term memory.
type RetrievedItem struct {
	Content   string
	Timestamp time.Time
	Score     float64
	Source    string // "buffer" | "long_term" | "knowledge"
}
