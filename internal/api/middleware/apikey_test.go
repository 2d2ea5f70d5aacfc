package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/picteus/picteus/internal/api/middleware"
	"github.com/picteus/picteus/internal/credentials"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newStore(t *testing.T) *credentials.Store {
	t.Helper()
	creds := credentials.New(nil)
	creds.SetMasterKey("master-secret")
	return creds
}

func TestAPIKeyAuthDevMode(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(newStore(t), false)

	var access credentials.Access
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, _ = middleware.GetAccess(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extensions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, access.IsMaster(), "unauthenticated dev-mode requests get master access")
}

func TestAPIKeyAuthMissingKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(newStore(t), true)
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extensions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "X-API-KEY")
}

func TestAPIKeyAuthMasterKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(newStore(t), true)

	var access credentials.Access
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, _ = middleware.GetAccess(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extensions", nil)
	req.Header.Set("X-API-KEY", "master-secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, access.IsMaster())
}

func TestAPIKeyAuthExtensionKey(t *testing.T) {
	creds := newStore(t)
	_, key := creds.RegisterExtensionKey("image-tagger")
	auth := middleware.NewAPIKeyAuth(creds, true)

	var access credentials.Access
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, _ = middleware.GetAccess(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extensions", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image-tagger", access.ExtensionID)
	assert.False(t, access.IsMaster())
}

func TestAPIKeyAuthUnknownKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(newStore(t), true)
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extensions", nil)
	req.Header.Set("X-API-KEY", "bogus")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuthPublicPaths(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(newStore(t), true)
	handler := auth.Middleware(okHandler())

	for _, path := range []string{"/health", "/version", "/ws"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestRequireMaster(t *testing.T) {
	creds := newStore(t)
	_, key := creds.RegisterExtensionKey("image-tagger")
	auth := middleware.NewAPIKeyAuth(creds, true)

	handler := auth.Middleware(middleware.RequireMaster(okHandler()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extensions", nil)
	req.Header.Set("X-API-KEY", key)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/extensions", nil)
	req.Header.Set("X-API-KEY", "master-secret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
