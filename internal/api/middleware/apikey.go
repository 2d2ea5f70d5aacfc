package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/credentials"
)

type accessKeyType struct{}

var accessKey accessKeyType

// APIKeyAuth validates the X-API-KEY header (or Bearer token) against the
// credential store and attaches the resolved access to the request
// context. With required=false (development mode) unauthenticated
// requests pass through with master access.
type APIKeyAuth struct {
	creds    *credentials.Store
	required bool
}

func NewAPIKeyAuth(creds *credentials.Store, required bool) *APIKeyAuth {
	return &APIKeyAuth{creds: creds, required: required}
}

// Middleware enforces API key auth on every non-public route.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			if !a.required {
				ctx := context.WithValue(r.Context(), accessKey, credentials.Access{Scopes: []string{credentials.ScopeAll}})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			apperr.WriteJSON(w, apperr.Unauthorized("missing API key; set the X-API-KEY header"))
			return
		}

		access, err := a.creds.Resolve(r.Context(), key)
		if err != nil {
			apperr.WriteJSON(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), accessKey, access)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAccess returns the access resolved for the request, if any.
func GetAccess(ctx context.Context) (credentials.Access, bool) {
	access, ok := ctx.Value(accessKey).(credentials.Access)
	return access, ok
}

// RequireMaster guards routes only the master client may call.
func RequireMaster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, ok := GetAccess(r.Context())
		if !ok || !access.IsMaster() {
			apperr.WriteJSON(w, apperr.Forbidden("master API key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-KEY"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Websocket upgrades cannot carry headers from browser clients.
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}

// isPublicPath lists the routes that never need a key. The websocket
// endpoint authenticates itself through its connection frame.
func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/ws":
		return true
	}
	return false
}
