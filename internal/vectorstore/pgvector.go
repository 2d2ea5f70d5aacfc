package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/picteus/picteus/pkg/models"
)

// PgvectorStore implements Store using PostgreSQL with the pgvector
// extension. Users must provide their own PostgreSQL instance with
// pgvector installed.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore creates a pgvector-backed embedding store. It creates
// the required table and indexes if they don't exist.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector embedding store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS pt_embeddings (
			id           TEXT PRIMARY KEY,
			extension_id TEXT NOT NULL,
			image_id     TEXT NOT NULL DEFAULT '',
			metadata     JSONB NOT NULL DEFAULT '{}',
			vector       vector(%d) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_pt_embeddings_ext ON pt_embeddings (extension_id);
		CREATE INDEX IF NOT EXISTS idx_pt_embeddings_img ON pt_embeddings (image_id);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

func (s *PgvectorStore) Upsert(ctx context.Context, embeddings []models.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO pt_embeddings (id, extension_id, image_id, metadata, vector, created_at)
		VALUES `)

	args := make([]interface{}, 0, len(embeddings)*6)
	for i, e := range embeddings {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*6 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5))
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		metadata := e.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		args = append(args, id, e.ExtensionID, e.ImageID, metadata, pgvectorArray(e.Vector), created)
	}

	sb.WriteString(` ON CONFLICT (id) DO UPDATE SET
		extension_id = EXCLUDED.extension_id,
		image_id = EXCLUDED.image_id,
		metadata = EXCLUDED.metadata,
		vector = EXCLUDED.vector`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PgvectorStore) Search(ctx context.Context, vector []float64, topK int, extensionID string) ([]models.EmbeddingMatch, error) {
	query := `SELECT id, extension_id, image_id, metadata, created_at,
		1 - (vector <=> $1) AS score
		FROM pt_embeddings`

	args := []interface{}{pgvectorArray(vector)}
	if extensionID != "" {
		query += " WHERE extension_id = $2"
		args = append(args, extensionID)
	}
	query += fmt.Sprintf(" ORDER BY vector <=> $1 LIMIT $%d", len(args)+1)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []models.EmbeddingMatch
	for rows.Next() {
		var e models.Embedding
		var score float64
		if err := rows.Scan(&e.ID, &e.ExtensionID, &e.ImageID, &e.Metadata, &e.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		results = append(results, models.EmbeddingMatch{Embedding: e, Score: score})
	}
	return results, rows.Err()
}

func (s *PgvectorStore) DeleteByExtension(ctx context.Context, extensionID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM pt_embeddings WHERE extension_id = $1", extensionID)
	return err
}

func (s *PgvectorStore) CountByExtension(ctx context.Context, extensionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pt_embeddings WHERE extension_id = $1", extensionID).Scan(&count)
	return count, err
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
