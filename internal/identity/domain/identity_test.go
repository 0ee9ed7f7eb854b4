package domain

import (
	"testing"
	"time"
)

func TestIdentity_ValidateDefaults(t *testing.T) {
	i := &Identity{ID: "user_2abc"}
	if err := i.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if i.Status != IdentityStatusActive {
		t.Errorf("Status = %q, want active", i.Status)
	}
	if i.Provider != IdentityProviderClerk {
		t.Errorf("Provider = %q, want clerk", i.Provider)
	}
	if err := (&Identity{}).Validate(); err == nil {
		t.Error("Validate without id should fail")
	}
}

func TestIdentity_Scrub(t *testing.T) {
	i := &Identity{ID: "user_1", Email: "a@example.com", Name: "Ann", Status: IdentityStatusActive}
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	i.Scrub(at)
	if i.Email != "" || i.Name != "" {
		t.Errorf("Scrub left contact data: %+v", i)
	}
	if i.Status != IdentityStatusDeleted {
		t.Errorf("Status = %q, want deleted", i.Status)
	}
	if !i.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", i.UpdatedAt, at)
	}
}
