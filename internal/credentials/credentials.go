// Package credentials issues and validates the API keys of the extension
// host: the privileged master key, one key per installed extension, and
// persisted secrets resolved through the secret repository.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/pkg/models"
)

// ScopeAll is the master scope covering every operation.
const ScopeAll = "all"

// ExtensionScopes is the fixed scope set assigned to every extension key.
var ExtensionScopes = []string{
	"extension:chrome:install",
	"extension:run",
	"extension:settings:read",
	"extension:settings:write",
	"image:attachment:write",
	"image:embeddings:write",
	"image:feature:write",
	"image:read",
	"image:tag:write",
	"repository:ensure",
	"repository:read",
	"repository:image:store",
}

// Access is the result of resolving an API key.
type Access struct {
	Scopes      []string
	ExtensionID string
}

// IsMaster reports whether the access carries the master scope.
func (a Access) IsMaster() bool {
	for _, s := range a.Scopes {
		if s == ScopeAll {
			return true
		}
	}
	return false
}

// SecretResolver looks up persisted secrets by value. Implemented by the
// relational store's secret repository.
type SecretResolver interface {
	LookupSecret(ctx context.Context, value string) (*models.Secret, error)
}

type extensionKey struct {
	id  string
	key string
}

type cachedAccess struct {
	access    Access
	expiresAt *time.Time
}

// Store is the process-wide API key table plus a cache over persisted
// secrets. Single-writer per mutation, many-reader.
type Store struct {
	secrets SecretResolver

	mu        sync.RWMutex
	masterKey string
	byExt     map[string]extensionKey // extensionId → key entry
	byKey     map[string]string       // key value → extensionId
	cache     map[string]cachedAccess // persisted-secret value → access
}

// New creates an empty credential store. secrets may be nil when no
// persisted-secret backend is configured.
func New(secrets SecretResolver) *Store {
	return &Store{
		secrets: secrets,
		byExt:   make(map[string]extensionKey),
		byKey:   make(map[string]string),
		cache:   make(map[string]cachedAccess),
	}
}

// GenerateKey returns a 36-character lowercase alphabetic key.
func GenerateKey() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, 36)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform RNG is broken.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

// SetMasterKey records the privileged master key.
func (s *Store) SetMasterKey(value string) {
	s.mu.Lock()
	s.masterKey = value
	s.mu.Unlock()
}

// RegisterExtensionKey issues a fresh key for extensionID, replacing any
// prior one, and returns the entry id and the key value.
func (s *Store) RegisterExtensionKey(extensionID string) (id, key string) {
	id = uuid.NewString()
	key = GenerateKey()

	s.mu.Lock()
	if prior, ok := s.byExt[extensionID]; ok {
		delete(s.byKey, prior.key)
	}
	s.byExt[extensionID] = extensionKey{id: id, key: key}
	s.byKey[key] = extensionID
	s.mu.Unlock()

	log.Debug().Str("extension", extensionID).Msg("Issued extension API key")
	return id, key
}

// Unregister removes the key of extensionID, if any.
func (s *Store) Unregister(extensionID string) {
	s.mu.Lock()
	if prior, ok := s.byExt[extensionID]; ok {
		delete(s.byKey, prior.key)
		delete(s.byExt, extensionID)
	}
	s.mu.Unlock()
}

// ExtensionKey returns the current key value for extensionID.
func (s *Store) ExtensionKey(extensionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byExt[extensionID]
	return e.key, ok
}

// ExtensionKeys returns a snapshot of every extension's current key.
func (s *Store) ExtensionKeys() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.byExt))
	for id, e := range s.byExt {
		out[id] = e.key
	}
	return out
}

// Resolve maps a key value to its access, consulting in order: master
// equality, the extension key table, the persisted-secret backend.
// Unknown or expired keys resolve Unauthorized.
func (s *Store) Resolve(ctx context.Context, key string) (Access, error) {
	if key == "" {
		return Access{}, apperr.Unauthorized("missing API key")
	}

	s.mu.RLock()
	master := s.masterKey
	extID, isExt := s.byKey[key]
	cached, isCached := s.cache[key]
	s.mu.RUnlock()

	if master != "" && subtle.ConstantTimeCompare([]byte(key), []byte(master)) == 1 {
		return Access{Scopes: []string{ScopeAll}}, nil
	}
	if isExt {
		return Access{Scopes: ExtensionScopes, ExtensionID: extID}, nil
	}
	if isCached {
		if cached.expiresAt != nil && time.Now().After(*cached.expiresAt) {
			s.Forget(key)
			return Access{}, apperr.Unauthorized("expired API key")
		}
		return cached.access, nil
	}

	if s.secrets != nil {
		secret, err := s.secrets.LookupSecret(ctx, key)
		if err == nil && secret != nil {
			if secret.ExpiresAt != nil && time.Now().After(*secret.ExpiresAt) {
				return Access{}, apperr.Unauthorized("expired API key")
			}
			access := Access{Scopes: secret.Scopes}
			s.mu.Lock()
			s.cache[key] = cachedAccess{access: access, expiresAt: secret.ExpiresAt}
			s.mu.Unlock()
			return access, nil
		}
	}

	return Access{}, apperr.Unauthorized("unknown API key")
}

// Forget drops the cache entry for a persisted-secret value. Called when
// a secret is revoked or rotated.
func (s *Store) Forget(value string) {
	s.mu.Lock()
	delete(s.cache, value)
	s.mu.Unlock()
}
