package domain

import "time"

// Record is one append-only audit entry. Records are never updated or deleted.
type Record struct {
	ID         string
	EventType  string
	EntityType string
	EntityID   string
	// Actor is the identity or system job that caused the event (e.g. "user_2abc", "system:identity-sync").
	Actor string
	// OrgID is the organization the event concerns, or SentinelOrgID when none.
	OrgID         string
	PayloadDigest string
	Success       bool
	Reason        string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// SentinelOrgID is the org_id used for records that concern no organization (e.g. rejected webhooks).
const SentinelOrgID = "_system"
