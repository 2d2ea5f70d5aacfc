// In-memory Store implementation.
// Used when no relational backend is configured (local dev, tests).
package store

import (
	"context"
	"sync"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu           sync.RWMutex
	repositories []models.Repository
	images       map[string]*models.Image          // key: image id
	imagesByRepo map[string][]string               // key: repository id → image ids, insertion order
	tags         map[string][]models.Tag           // key: extension id
	features     map[string][]models.Feature       // key: extension id
	attachments  map[string][]models.Attachment    // key: extension id
	settings     map[string]map[string]interface{} // key: extension id
	secrets      map[string]models.Secret          // key: secret value
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images:       make(map[string]*models.Image),
		imagesByRepo: make(map[string][]string),
		tags:         make(map[string][]models.Tag),
		features:     make(map[string][]models.Feature),
		attachments:  make(map[string][]models.Attachment),
		settings:     make(map[string]map[string]interface{}),
		secrets:      make(map[string]models.Secret),
	}
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// ── Images ───────────────────────────────────────────────────

// AddRepository registers a repository. Not part of the Store interface;
// used by dev mode and tests to seed the catalogue.
func (s *MemoryStore) AddRepository(repo models.Repository) {
	s.mu.Lock()
	s.repositories = append(s.repositories, repo)
	s.mu.Unlock()
}

// AddImage registers an image under its repository.
func (s *MemoryStore) AddImage(img models.Image) {
	s.mu.Lock()
	cp := img
	s.images[img.ID] = &cp
	s.imagesByRepo[img.RepositoryID] = append(s.imagesByRepo[img.RepositoryID], img.ID)
	s.mu.Unlock()
}

func (s *MemoryStore) ListRepositories(_ context.Context) ([]models.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Repository, len(s.repositories))
	copy(out, s.repositories)
	return out, nil
}

func (s *MemoryStore) ListImages(_ context.Context, repositoryID string) ([]models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.imagesByRepo[repositoryID]
	out := make([]models.Image, 0, len(ids))
	for _, id := range ids {
		if img, ok := s.images[id]; ok {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetImage(_ context.Context, id string) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return nil, nil
	}
	cp := *img
	return &cp, nil
}

// ── Tags ─────────────────────────────────────────────────────

func (s *MemoryStore) AddTag(_ context.Context, tag models.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tags[tag.ExtensionID] {
		if t.ImageID == tag.ImageID && t.Name == tag.Name {
			return nil // already present
		}
	}
	s.tags[tag.ExtensionID] = append(s.tags[tag.ExtensionID], tag)
	return nil
}

func (s *MemoryStore) ListTagsByExtension(_ context.Context, extensionID string) ([]models.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Tag, len(s.tags[extensionID]))
	copy(out, s.tags[extensionID])
	return out, nil
}

func (s *MemoryStore) ImageHasTags(_ context.Context, imageID, extensionID string, names []string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	have := map[string]bool{}
	for _, t := range s.tags[extensionID] {
		if t.ImageID == imageID {
			have[t.Name] = true
		}
	}
	for _, name := range names {
		if !have[name] {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) DeleteTagsByExtension(_ context.Context, extensionID string) error {
	s.mu.Lock()
	delete(s.tags, extensionID)
	s.mu.Unlock()
	return nil
}

// ── Features & attachments ───────────────────────────────────

func (s *MemoryStore) PutFeature(_ context.Context, f models.Feature) error {
	s.mu.Lock()
	s.features[f.ExtensionID] = append(s.features[f.ExtensionID], f)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListFeaturesByExtension(_ context.Context, extensionID string) ([]models.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Feature, len(s.features[extensionID]))
	copy(out, s.features[extensionID])
	return out, nil
}

func (s *MemoryStore) PutAttachment(_ context.Context, a models.Attachment) error {
	if len(a.Data) > models.MaxAttachmentBytes {
		return apperr.BadRequest("attachment %q exceeds the %d byte limit", a.Name, models.MaxAttachmentBytes)
	}
	s.mu.Lock()
	s.attachments[a.ExtensionID] = append(s.attachments[a.ExtensionID], a)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListAttachmentsByExtension(_ context.Context, extensionID string) ([]models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Attachment, len(s.attachments[extensionID]))
	copy(out, s.attachments[extensionID])
	return out, nil
}

func (s *MemoryStore) DeleteFeaturesByExtension(_ context.Context, extensionID string) error {
	s.mu.Lock()
	delete(s.features, extensionID)
	delete(s.attachments, extensionID)
	s.mu.Unlock()
	return nil
}

// ── Settings ─────────────────────────────────────────────────

func (s *MemoryStore) GetSettings(_ context.Context, extensionID string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.settings[extensionID]
	if !ok {
		return nil, apperr.BadRequest("extension %q has no settings", extensionID)
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SetSettings(_ context.Context, extensionID string, values map[string]interface{}) error {
	cp := make(map[string]interface{}, len(values))
	for k, v := range values {
		cp[k] = v
	}
	s.mu.Lock()
	s.settings[extensionID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteSettings(_ context.Context, extensionID string) error {
	s.mu.Lock()
	delete(s.settings, extensionID)
	s.mu.Unlock()
	return nil
}

// ── Secrets ──────────────────────────────────────────────────

func (s *MemoryStore) LookupSecret(_ context.Context, value string) (*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[value]
	if !ok {
		return nil, nil
	}
	cp := secret
	return &cp, nil
}

func (s *MemoryStore) PutSecret(_ context.Context, secret models.Secret) error {
	s.mu.Lock()
	s.secrets[secret.Value] = secret
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, value string) error {
	s.mu.Lock()
	delete(s.secrets, value)
	s.mu.Unlock()
	return nil
}
