package models

import (
	"time"

	"github.com/google/uuid"
)

const adminScope = "admin"

// APIKey is a credential for the HTTP API. Only the bcrypt hash of the raw
// key is stored; the raw key is shown once when the key is created.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// Grants reports whether the key may act with scope. admin grants every scope.
func (k *APIKey) Grants(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == adminScope {
			return true
		}
	}
	return false
}

// Revoked reports whether the key was soft-deleted.
func (k *APIKey) Revoked() bool {
	return k.DeletedAt != nil
}
