package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/picteus/picteus/pkg/models"
)

// DefaultMaxVectors is the default cap for the embedded store (50K).
const DefaultMaxVectors = 50_000

// EmbeddedStore is a lightweight in-memory vector store using brute-force
// cosine similarity search. Suitable for development and small libraries;
// use pgvector for production repositories.
type EmbeddedStore struct {
	mu         sync.RWMutex
	embeddings map[string]*models.Embedding // key: id
	maxVectors int
}

// EmbeddedOption configures the embedded store.
type EmbeddedOption func(*EmbeddedStore)

// WithMaxVectors sets the maximum number of vectors (default 50K).
func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxVectors = max }
}

// NewEmbeddedStore creates an in-memory vector store.
func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		embeddings: make(map[string]*models.Embedding),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("Embedded vector store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

func (s *EmbeddedStore) Upsert(_ context.Context, embeddings []models.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCount := 0
	for _, e := range embeddings {
		if _, exists := s.embeddings[e.ID]; !exists {
			newCount++
		}
	}
	if total := len(s.embeddings) + newCount; total > s.maxVectors {
		return fmt.Errorf("embedded vector store capacity exceeded: %d > %d (consider pgvector)", total, s.maxVectors)
	}

	now := time.Now()
	for _, e := range embeddings {
		cp := e
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		s.embeddings[cp.ID] = &cp
	}
	return nil
}

func (s *EmbeddedStore) Search(_ context.Context, vector []float64, topK int, extensionID string) ([]models.EmbeddingMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []models.EmbeddingMatch
	for _, e := range s.embeddings {
		if extensionID != "" && e.ExtensionID != extensionID {
			continue
		}
		if len(e.Vector) != len(vector) {
			continue
		}
		candidates = append(candidates, models.EmbeddingMatch{
			Embedding: *e,
			Score:     cosineSimilarity(vector, e.Vector),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if topK > len(candidates) {
		topK = len(candidates)
	}
	return candidates[:topK], nil
}

func (s *EmbeddedStore) DeleteByExtension(_ context.Context, extensionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.embeddings {
		if e.ExtensionID == extensionID {
			delete(s.embeddings, id)
		}
	}
	return nil
}

func (s *EmbeddedStore) CountByExtension(_ context.Context, extensionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.embeddings {
		if e.ExtensionID == extensionID {
			count++
		}
	}
	return count, nil
}

func (s *EmbeddedStore) HealthCheck(_ context.Context) error {
	return nil // in-memory, always healthy
}

func (s *EmbeddedStore) Close() {}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
