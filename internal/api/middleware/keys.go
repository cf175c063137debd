package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyMarker = "gw_"

// Known scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// NewAPIKey generates a raw key and the record to persist for it. The raw key
// is returned once and never stored.
func NewAPIKey(name string, scopes []string) (string, *models.APIKey, error) {
	if name == "" {
		return "", nil, fmt.Errorf("api key name is required")
	}
	for _, s := range scopes {
		switch s {
		case ScopeRead, ScopeWrite, ScopeAdmin:
		default:
			return "", nil, fmt.Errorf("unknown scope %q", s)
		}
	}

	secret := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	raw := keyMarker + secret
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:keyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
