// Package pgvector stores long-term records in PostgreSQL using the
// pgvector extension for nearest-neighbor search, migrated with a small
// embedded up-only migration runner in the teacher's style.
package pgvector

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	pq "github.com/lib/pq"

	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend"
	"github.com/agentmesh/orchestrator/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Backend struct {
	db        *sql.DB
	dimension int
	ownsDB    bool
}

type Config struct {
	DSN           string
	DB            *sql.DB
	Dimension     int
	RunMigrations bool
}

func New(cfg Config) (*Backend, error) {
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}

	var db *sql.DB
	var ownsDB bool
	var err error

	switch {
	case cfg.DB != nil:
		db = cfg.DB
	case cfg.DSN != "":
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("pgvector: open database: %w", err)
		}
		ownsDB = true
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pgvector: ping database: %w", err)
		}
	default:
		return nil, fmt.Errorf("pgvector: either DSN or DB must be provided")
	}

	b := &Backend{db: db, dimension: cfg.Dimension, ownsDB: ownsDB}
	if cfg.RunMigrations {
		if err := b.runMigrations(context.Background()); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("pgvector: run migrations: %w", err)
		}
	}
	return b, nil
}

func (b *Backend) Dimension() int { return b.dimension }

func (b *Backend) runMigrations(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS longterm_schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	paths, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, "SELECT id FROM longterm_schema_migrations")
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()

	for _, path := range paths {
		id := strings.TrimSuffix(strings.TrimPrefix(path, "migrations/"), ".up.sql")
		if applied[id] {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", id, err)
		}

		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			rollback(tx)
			return fmt.Errorf("apply migration %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO longterm_schema_migrations (id) VALUES ($1)", id); err != nil {
			rollback(tx)
			return fmt.Errorf("record migration %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", id, err)
		}
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}

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
		return fmt.Errorf("pgvector: marshal metadata: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO longterm_records (id, user_id, agent_id, content, metadata, embedding, importance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			importance = EXCLUDED.importance
	`, record.ID, record.UserID, nullString(record.AgentID), record.Content, string(metadata),
		encodeEmbedding(record.Embedding), record.Importance, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgvector: insert record: %w", err)
	}
	return nil
}

func (b *Backend) Search(ctx context.Context, userID int64, embedding []float32, opts backend.SearchOptions) ([]models.ScoredRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	queryVec := encodeEmbedding(embedding)

	query := `
		SELECT content, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM longterm_records
		WHERE user_id = $2 AND embedding IS NOT NULL
	`
	args := []any{queryVec, userID}
	argNum := 3

	if opts.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argNum)
		args = append(args, opts.AgentID)
		argNum++
	}
	if opts.Threshold > 0 {
		query += fmt.Sprintf(" AND (1 - (embedding <=> $1::vector)) >= $%d", argNum)
		args = append(args, opts.Threshold)
		argNum++
	}
	query += " ORDER BY embedding <=> $1::vector ASC"
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, opts.Limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search query: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredRecord
	for rows.Next() {
		var content, metadataJSON string
		var score float64
		if err := rows.Scan(&content, &metadataJSON, &score); err != nil {
			return nil, fmt.Errorf("pgvector: scan row: %w", err)
		}
		var metadata map[string]any
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &metadata)
		}
		results = append(results, models.ScoredRecord{Content: content, Metadata: metadata, Score: score})
	}
	return results, rows.Err()
}

func (b *Backend) Delete(ctx context.Context, userID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM longterm_records WHERE user_id = $1 AND id = ANY($2)",
		userID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("pgvector: delete records: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// encodeEmbedding renders an embedding in pgvector's text input format:
// "[0.1,0.2,...]".
func encodeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, f := range embedding {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
