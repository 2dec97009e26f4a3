// Package sqlitevec stores long-term records in a SQLite file (or
// in-memory database) via the pure-Go modernc.org/sqlite driver, scoring
// similarity with an in-process cosine scan. It trades index-assisted
// search for zero external dependencies, matching the teacher's sqlite-vec
// backend's own tradeoff note about the vec0 extension not being loaded.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend"
	"github.com/agentmesh/orchestrator/pkg/models"
)

type Backend struct {
	db        *sql.DB
	dimension int
}

type Config struct {
	Path      string
	Dimension int
}

func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: open database: %w", err)
	}

	b := &Backend{db: db, dimension: cfg.Dimension}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS longterm_records (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			agent_id TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB,
			importance REAL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("sqlitevec: create table: %w", err)
	}
	_, err = b.db.Exec("CREATE INDEX IF NOT EXISTS idx_longterm_user ON longterm_records(user_id)")
	return err
}

func (b *Backend) Dimension() int { return b.dimension }

func (b *Backend) Add(ctx context.Context, record *models.LongTermRecord) error {
	if len(record.Embedding) != b.dimension {
		return fmt.Errorf("%w: got %d want %d", backend.ErrDimensionMismatch, len(record.Embedding), b.dimension)
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitevec: marshal metadata: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO longterm_records
			(id, user_id, agent_id, content, metadata, embedding, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.UserID, record.AgentID, record.Content, string(metadata),
		encodeEmbedding(record.Embedding), record.Importance, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlitevec: insert record: %w", err)
	}
	return nil
}

func (b *Backend) Search(ctx context.Context, userID int64, embedding []float32, opts backend.SearchOptions) ([]models.ScoredRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	query := "SELECT content, metadata, embedding FROM longterm_records WHERE user_id = ?"
	args := []any{userID}
	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: query: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredRecord
	for rows.Next() {
		var content, metadataJSON string
		var embBlob []byte
		if err := rows.Scan(&content, &metadataJSON, &embBlob); err != nil {
			return nil, fmt.Errorf("sqlitevec: scan row: %w", err)
		}
		score := float64(cosineSimilarity(embedding, decodeEmbedding(embBlob)))
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		var metadata map[string]any
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &metadata)
		}
		results = append(results, models.ScoredRecord{Content: content, Metadata: metadata, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (b *Backend) Delete(ctx context.Context, userID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "DELETE FROM longterm_records WHERE id = ? AND user_id = ?")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlitevec: prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, userID); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlitevec: delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (b *Backend) Close() error { return b.db.Close() }

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
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
