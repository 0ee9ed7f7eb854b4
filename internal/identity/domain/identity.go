package domain

import (
	"errors"
	"time"
)

// Identity is the local mirror of an identity issued by the external identity provider.
// ID is the provider's opaque subject; it is referenced, never generated here.
type Identity struct {
	ID              string
	Provider        IdentityProvider
	Email           string
	Name            string
	Status          IdentityStatus
	SourceUpdatedAt time.Time
	SyncedAt        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type IdentityProvider string

const (
	IdentityProviderClerk IdentityProvider = "clerk"
	IdentityProviderOIDC  IdentityProvider = "oidc"
)

type IdentityStatus string

const (
	IdentityStatusActive  IdentityStatus = "active"
	IdentityStatusDeleted IdentityStatus = "deleted"
)

// Validate validates the identity for persistence. Returns an error describing the first validation failure.
func (i *Identity) Validate() error {
	if i.ID == "" {
		return errors.New("id is required")
	}
	if i.Status == "" {
		i.Status = IdentityStatusActive
	}
	if i.Provider == "" {
		i.Provider = IdentityProviderClerk
	}
	return nil
}

// Scrub clears contact fields and marks the identity deleted at t.
func (i *Identity) Scrub(t time.Time) {
	i.Status = IdentityStatusDeleted
	i.Email = ""
	i.Name = ""
	i.UpdatedAt = t
}

// SameState reports whether i and other carry the same contact fields and status.
func (i *Identity) SameState(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.Email == other.Email && i.Name == other.Name && i.Status == other.Status
}
