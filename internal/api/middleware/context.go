package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

type contextKey struct{ name string }

var apiKeyCtxKey = &contextKey{"api_key"}

// APIKeyFrom returns the key that authenticated r.
func APIKeyFrom(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(apiKeyCtxKey).(*models.APIKey)
	return key, ok && key != nil
}

// GetKeyPrefix returns the prefix of the API key that authenticated r.
func GetKeyPrefix(r *http.Request) (string, bool) {
	key, ok := APIKeyFrom(r)
	if !ok {
		return "", false
	}
	return key.KeyPrefix, true
}

// WithAPIKey returns ctx carrying key as the authenticated caller.
func WithAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey, key)
}
