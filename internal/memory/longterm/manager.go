// Package longterm wires a storage backend.Store to an embeddings.Provider
// behind the operations the spec names for long-term memory: add, search,
// delete, all user_id-scoped. Grounded on the teacher's memory.Manager,
// trimmed to one backend interface instead of three and to user_id
// filtering instead of session/channel scoping.
package longterm

import (
	"context"
	"fmt"

	"github.com/agentmesh/orchestrator/internal/memory/embeddings"
	"github.com/agentmesh/orchestrator/internal/memory/longterm/backend"
	"github.com/agentmesh/orchestrator/pkg/models"
)

type Manager struct {
	store    backend.Store
	embedder embeddings.Provider
}

func NewManager(store backend.Store, embedder embeddings.Provider) (*Manager, error) {
	if embedder.Dimension() != store.Dimension() {
		return nil, fmt.Errorf("%w: store=%d embedder=%d", backend.ErrDimensionMismatch, store.Dimension(), embedder.Dimension())
	}
	return &Manager{store: store, embedder: embedder}, nil
}

// Add embeds content and stores it. user_id = 0 is rejected: anonymous
// turns never produce long-term records.
func (m *Manager) Add(ctx context.Context, userID int64, agentID, content string, metadata map[string]any, importance float64) (string, error) {
	if userID == models.AnonymousUser {
		return "", fmt.Errorf("longterm: refusing to persist for anonymous user")
	}
	vec, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("longterm: embed content: %w", err)
	}
	record := &models.LongTermRecord{
		UserID:     userID,
		AgentID:    agentID,
		Content:    content,
		Embedding:  vec,
		Metadata:   metadata,
		Importance: importance,
	}
	if err := m.store.Add(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// Search embeds queryText and searches within the given user's partition.
func (m *Manager) Search(ctx context.Context, userID int64, queryText string, opts backend.SearchOptions) ([]models.ScoredRecord, error) {
	if userID == models.AnonymousUser {
		return nil, nil
	}
	vec, err := m.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("longterm: embed query: %w", err)
	}
	return m.store.Search(ctx, userID, vec, opts)
}

func (m *Manager) Delete(ctx context.Context, userID int64, ids []string) error {
	return m.store.Delete(ctx, userID, ids)
}

func (m *Manager) Close() error { return m.store.Close() }
