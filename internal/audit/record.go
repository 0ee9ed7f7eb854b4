// Package audit records enforcement decisions, synchronization outcomes and bypass use as
// append-only records written through an injected Sink.
package audit

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"tenant-control-plane/internal/audit/domain"
)

// Entity types.
const (
	EntityMembership     = "membership"
	EntityOrganization   = "organization"
	EntityIdentity       = "identity"
	EntityEvent          = "identity_event"
	EntityStorageSession = "storage_session"
	EntityRequest        = "request"
)

// Event types written by this core.
const (
	EventAccessDecision = "access_decision"
	EventSyncOutcome    = "sync_outcome"
	EventSyncRejected   = "sync_rejected"
	EventBypassSession  = "bypass_session"
	EventBypassMisuse   = "bypass_misuse"
	EventAdminOverride  = "admin_override"
	EventReconcile      = "reconcile_outcome"
)

// New returns a record with a fresh id and the current UTC time. orgID "" is stored as the sentinel.
func New(eventType, entityType, entityID, orgID string) *domain.Record {
	if orgID == "" {
		orgID = domain.SentinelOrgID
	}
	return &domain.Record{
		ID:         uuid.New().String(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		OrgID:      orgID,
		Metadata:   map[string]string{},
		CreatedAt:  time.Now().UTC(),
	}
}

// Digest returns the hex BLAKE3-256 digest of payload. Records carry the digest, never the payload.
func Digest(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
