package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gwasflow/internal/api/response"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefixLen   = 8
	touchKeyTimeout = 5 * time.Second
)

// KeyLookup is the part of the store the auth middleware reads.
type KeyLookup interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth authenticates bearer API keys and enforces scopes.
type Auth struct {
	keys KeyLookup
}

func NewAuth(keys KeyLookup) *Auth {
	return &Auth{keys: keys}
}

// Authenticate resolves the bearer token to an active API key and stores it
// in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			unauthorized(w, "Missing or invalid Authorization header")
			return
		}
		if !strings.HasPrefix(raw, keyMarker) || len(raw) <= keyPrefixLen {
			unauthorized(w, "Invalid API key format")
			return
		}

		key, err := a.match(r.Context(), raw)
		if err != nil {
			slog.Error("api key lookup failed", "key_prefix", raw[:keyPrefixLen], "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}
		if key == nil {
			unauthorized(w, "Invalid API key")
			return
		}

		go a.touch(key.ID)
		next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
	})
}

// match returns the active key whose hash matches raw, or nil.
func (a *Auth) match(ctx context.Context, raw string) (*models.APIKey, error) {
	candidates, err := a.keys.GetAPIKeyByPrefix(ctx, raw[:keyPrefixLen])
	if err != nil {
		return nil, err
	}
	for _, key := range candidates {
		if key.Revoked() {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil {
			return key, nil
		}
	}
	return nil, nil
}

func (a *Auth) touch(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), touchKeyTimeout)
	defer cancel()
	if err := a.keys.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		slog.Warn("updating api key last use failed", "key_id", id, "error", err)
	}
}

// RequireScope rejects requests whose key does not grant scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := APIKeyFrom(r)
			if !ok || !key.Grants(scope) {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", fmt.Sprintf("API key lacks the %s scope", scope), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="gwasflow"`)
	response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", msg, nil)
}

func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
