package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Org represents an organization/tenant.
type Org struct {
	ID     string
	Name   string
	Slug   string
	Status OrgStatus
	// BillingStatus is owned by the billing collaborator and is read-only here.
	BillingStatus   string
	SourceUpdatedAt time.Time
	SyncedAt        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusDeleted   OrgStatus = "deleted"
)

// IsActive reports whether the organization grants access to its members.
func (o *Org) IsActive() bool {
	return o != nil && o.Status == OrgStatusActive
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe slug from name.
func Slugify(name string) string {
	s := slugUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-")
}

// Validate validates the organization for persistence. Returns an error describing the first validation failure.
func (o *Org) Validate() error {
	if o.ID == "" {
		return errors.New("id is required")
	}
	if o.Name == "" {
		return errors.New("name is required")
	}
	if o.Slug == "" {
		o.Slug = Slugify(o.Name)
	}
	if o.Status == "" {
		o.Status = OrgStatusActive
	}
	switch o.Status {
	case OrgStatusActive, OrgStatusSuspended, OrgStatusDeleted:
	default:
		return errors.New("invalid status")
	}
	return nil
}

// SameState reports whether o and other carry the same name, slug and status.
func (o *Org) SameState(other *Org) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.Name == other.Name && o.Slug == other.Slug && o.Status == other.Status
}
