// Package vectorstore stores the embeddings extensions compute for
// images and texts. Two drivers ship: embedded (in-memory brute-force
// cosine search, dev and tests) and pgvector (user-provided PostgreSQL).
package vectorstore

import (
	"context"

	"github.com/picteus/picteus/internal/config"
	"github.com/picteus/picteus/pkg/models"
)

// Store is the embedding store the orchestrator reconciles against.
type Store interface {
	Kind() string
	Upsert(ctx context.Context, embeddings []models.Embedding) error
	Search(ctx context.Context, vector []float64, topK int, extensionID string) ([]models.EmbeddingMatch, error)
	// DeleteByExtension removes every embedding the extension owns. Part
	// of the uninstall cleanup path.
	DeleteByExtension(ctx context.Context, extensionID string) error
	CountByExtension(ctx context.Context, extensionID string) (int, error)
	HealthCheck(ctx context.Context) error
	Close()
}

// Open selects the driver from configuration: pgvector when a database
// URL is configured, the embedded store otherwise.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	if cfg.URL != "" {
		return NewPgvectorStore(ctx, cfg.URL, cfg.EmbeddingDims)
	}
	return NewEmbeddedStore(), nil
}
