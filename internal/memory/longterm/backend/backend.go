// Package backend defines the storage contract long-term memory is built
// on, and is implemented by pgvector and sqlite-vec.
package backend

import (
	"context"
	"errors"

	"github.com/agentmesh/orchestrator/pkg/models"
)

// ErrDimensionMismatch is returned when a record's embedding length does
// not match the backend's configured dimension.
var ErrDimensionMismatch = errors.New("longterm: embedding dimension mismatch")

// Store is the contract every long-term memory backend satisfies. Every
// operation is scoped by user_id: no query can observe another user's
// records, regardless of backend.
type Store interface {
	Add(ctx context.Context, record *models.LongTermRecord) error
	Search(ctx context.Context, userID int64, embedding []float32, opts SearchOptions) ([]models.ScoredRecord, error)
	Delete(ctx context.Context, userID int64, ids []string) error
	Dimension() int
	Close() error
}

// SearchOptions narrows a Search call.
type SearchOptions struct {
	AgentID   string // optional: restrict to one agent's records
	Limit     int
	Threshold float64
}
