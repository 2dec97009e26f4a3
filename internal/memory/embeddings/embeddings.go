// Package embeddings defines the provider contract the long-term and
// buffer memory subsystems embed content through, plugged in behind a
// single interface so the backend choice and the embedding provider vary
// independently.
package embeddings

import "context"

// Provider generates vector embeddings for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
	MaxBatchSize() int
}
