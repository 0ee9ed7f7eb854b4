// Package idpsync mirrors identity-provider lifecycle events (identities, organizations, memberships)
// into local storage. Events are verified, decoded into one of a closed set of variants, and applied
// idempotently under the system bypass with bounded retries. Each applied event yields one audit record.
package idpsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	orgdomain "tenant-control-plane/internal/organization/domain"
)

// Category groups event types by the entity they concern.
type Category string

const (
	CategoryIdentity     Category = "identity"
	CategoryOrganization Category = "organization"
	CategoryMembership   Category = "membership"
)

// Event is one decoded lifecycle event. The set of variants is closed; Synchronizer handles each
// with a type switch.
type Event interface {
	Category() Category
	// SubjectID is the id of the entity the event concerns.
	SubjectID() string
	// Org is the organization the event concerns, or "" for identity events.
	Org() string
	// OccurredAt orders events for the same entity.
	OccurredAt() time.Time
	isEvent()
}

// IdentityUpserted carries the current state of an identity (created or updated).
type IdentityUpserted struct {
	IdentityID string
	Email      string
	Name       string
	UpdatedAt  time.Time
}

// IdentityDeleted removes an identity and every membership it holds.
type IdentityDeleted struct {
	IdentityID string
	At         time.Time
}

// OrganizationUpserted carries the current state of an organization (created or updated).
type OrganizationUpserted struct {
	OrgID     string
	Name      string
	Slug      string
	Status    orgdomain.OrgStatus
	UpdatedAt time.Time
}

// OrganizationDeleted marks an organization deleted.
type OrganizationDeleted struct {
	OrgID string
	At    time.Time
}

// MembershipUpserted carries the current state of one (identity, organization) membership.
type MembershipUpserted struct {
	IdentityID string
	OrgID      string
	// OrgName and OrgSlug describe the organization when the payload embeds it.
	OrgName string
	OrgSlug string
	// ProviderRole is the provider's role key, e.g. "org:admin".
	ProviderRole string
	// Suspended is set when the provider reports the membership as suspended.
	Suspended bool
	Email     string
	UpdatedAt time.Time
}

// MembershipDeleted removes one membership.
type MembershipDeleted struct {
	IdentityID string
	OrgID      string
	At         time.Time
}

func (IdentityUpserted) Category() Category { return CategoryIdentity }
func (IdentityDeleted) Category() Category { return CategoryIdentity }
func (OrganizationUpserted) Category() Category { return CategoryOrganization }
func (OrganizationDeleted) Category() Category { return CategoryOrganization }
func (MembershipUpserted) Category() Category { return CategoryMembership }
func (MembershipDeleted) Category() Category { return CategoryMembership }
func (e IdentityUpserted) SubjectID() string { return e.IdentityID }
func (e IdentityDeleted) SubjectID() string { return e.IdentityID }
func (e OrganizationUpserted) SubjectID() string { return e.OrgID }
func (e OrganizationDeleted) SubjectID() string { return e.OrgID }
func (e MembershipUpserted) SubjectID() string { return e.IdentityID }
func (e MembershipDeleted) SubjectID() string { return e.IdentityID }
func (IdentityUpserted) Org() string { return "" }
func (IdentityDeleted) Org() string { return "" }
func (e OrganizationUpserted) Org() string { return e.OrgID }
func (e OrganizationDeleted) Org() string { return e.OrgID }
func (e MembershipUpserted) Org() string { return e.OrgID }
func (e MembershipDeleted) Org() string { return e.OrgID }
func (e IdentityUpserted) OccurredAt() time.Time { return e.UpdatedAt }
func (e IdentityDeleted) OccurredAt() time.Time { return e.At }
func (e OrganizationUpserted) OccurredAt() time.Time { return e.UpdatedAt }
func (e OrganizationDeleted) OccurredAt() time.Time { return e.At }
func (e MembershipUpserted) OccurredAt() time.Time { return e.UpdatedAt }
func (e MembershipDeleted) OccurredAt() time.Time { return e.At }
func (IdentityUpserted) isEvent() {}
func (IdentityDeleted) isEvent() {}
func (OrganizationUpserted) isEvent() {}
func (OrganizationDeleted) isEvent() {}
func (MembershipUpserted) isEvent() {}
func (MembershipDeleted) isEvent() {}

// ErrUnknownEventType is returned by Decode for event types outside the vocabulary.
var ErrUnknownEventType = errors.New("idpsync: event type not handled")

// ErrMalformedEvent is returned by Decode when a known event type carries an unusable payload.
var ErrMalformedEvent = errors.New("idpsync: malformed event")

// Envelope is the delivery wrapper: {"type": ..., "data": {...}}. Timestamp (unix millis) is optional
// and used to order deletions, whose payloads carry no update time.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp millis          `json:"timestamp"`
}

type decodeFunc func(data json.RawMessage, fallback time.Time) (Event, error)

// decoders maps every accepted event type, including identity-provider aliases, to its variant decoder.
var decoders = map[string]decodeFunc{
	"identity.created":               decodeIdentityUpserted,
	"identity.updated":               decodeIdentityUpserted,
	"identity.deleted":               decodeIdentityDeleted,
	"user.created":                   decodeIdentityUpserted,
	"user.updated":                   decodeIdentityUpserted,
	"user.deleted":                   decodeIdentityDeleted,
	"organization.created":           decodeOrganizationUpserted,
	"organization.updated":           decodeOrganizationUpserted,
	"organization.deleted":           decodeOrganizationDeleted,
	"membership.created":             decodeMembershipUpserted,
	"membership.updated":             decodeMembershipUpserted,
	"membership.deleted":             decodeMembershipDeleted,
	"organizationMembership.created": decodeMembershipUpserted,
	"organizationMembership.updated": decodeMembershipUpserted,
	"organizationMembership.deleted": decodeMembershipDeleted,
}

// Decode parses body into its envelope and event. received orders events that carry neither an update
// time nor an envelope timestamp. Unknown types return the envelope with ErrUnknownEventType.
func Decode(body []byte, received time.Time) (Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return env, nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return env, nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return env, nil, fmt.Errorf("%w: %s: missing data", ErrMalformedEvent, env.Type)
	}
	fallback := received.UTC()
	if !env.Timestamp.Time().IsZero() {
		fallback = env.Timestamp.Time()
	}
	ev, err := decode(env.Data, fallback)
	if err != nil {
		return env, nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	return env, ev, nil
}

type emailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type identityData struct {
	ID                    string         `json:"id"`
	Email                 string         `json:"email"`
	EmailAddresses        []emailAddress `json:"email_addresses"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	Name                  string         `json:"name"`
	FirstName             string         `json:"first_name"`
	LastName              string         `json:"last_name"`
	UpdatedAt             millis         `json:"updated_at"`
}

func (d identityData) primaryEmail() string {
	if d.Email != "" {
		return d.Email
	}
	for _, e := range d.EmailAddresses {
		if e.ID == d.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(d.EmailAddresses) > 0 {
		return d.EmailAddresses[0].EmailAddress
	}
	return ""
}

func (d identityData) displayName() string {
	if d.Name != "" {
		return d.Name
	}
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}

func decodeIdentityUpserted(raw json.RawMessage, fallback time.Time) (Event, error) {
	var d identityData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		return nil, errors.New("identity id is required")
	}
	return IdentityUpserted{
		IdentityID: d.ID,
		Email:      d.primaryEmail(),
		Name:       d.displayName(),
		UpdatedAt:  d.UpdatedAt.Or(fallback),
	}, nil
}

func decodeIdentityDeleted(raw json.RawMessage, fallback time.Time) (Event, error) {
	var d identityData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		return nil, errors.New("identity id is required")
	}
	return IdentityDeleted{IdentityID: d.ID, At: d.UpdatedAt.Or(fallback)}, nil
}

type organizationData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Status    string `json:"status"`
	UpdatedAt millis `json:"updated_at"`
}

func decodeOrganizationUpserted(raw json.RawMessage, fallback time.Time) (Event, error) {
	var d organizationData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		return nil, errors.New("organization id is required")
	}
	status := orgdomain.OrgStatusActive
	switch orgdomain.OrgStatus(strings.ToLower(d.Status)) {
	case "", orgdomain.OrgStatusActive:
	case orgdomain.OrgStatusSuspended:
		status = orgdomain.OrgStatusSuspended
	case orgdomain.OrgStatusDeleted:
		status = orgdomain.OrgStatusDeleted
	default:
		return nil, fmt.Errorf("unknown organization status %q", d.Status)
	}
	return OrganizationUpserted{
		OrgID:     d.ID,
		Name:      d.Name,
		Slug:      d.Slug,
		Status:    status,
		UpdatedAt: d.UpdatedAt.Or(fallback),
	}, nil
}

func decodeOrganizationDeleted(raw json.RawMessage, fallback time.Time) (Event, error) {
	var d organizationData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		return nil, errors.New("organization id is required")
	}
	return OrganizationDeleted{OrgID: d.ID, At: d.UpdatedAt.Or(fallback)}, nil
}

// membershipData accepts both the flat form ({identity_id, org_id, role}) and the provider's nested form
// ({organization: {...}, public_user_data: {user_id, identifier}, role}).
type membershipData struct {
	IdentityID   string           `json:"identity_id"`
	OrgID        string           `json:"org_id"`
	Role         string           `json:"role"`
	Status       string           `json:"status"`
	Email        string           `json:"email"`
	Organization organizationData `json:"organization"`
	PublicUser   struct {
		UserID     string `json:"user_id"`
		Identifier string `json:"identifier"`
	} `json:"public_user_data"`
	UpdatedAt millis `json:"updated_at"`
}

func (d membershipData) keys() (identityID, orgID string, err error) {
	identityID, orgID = d.IdentityID, d.OrgID
	if identityID == "" {
		identityID = d.PublicUser.UserID
	}
	if orgID == "" {
		orgID = d.Organization.ID
	}
	if identityID == "" || orgID == "" {
		return "", "", errors.New("identity and organization ids are required")
	}
	return identityID, orgID, nil
}

func decodeMembershipUpserted(raw json.RawMessage, fallback time.Time) (Event, error) {
	var d membershipData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	identityID, orgID, err := d.keys()
	if err != nil {
		return nil, err
	}
	email := d.Email
	if email == "" {
		email = d.PublicUser.Identifier
	}
	return MembershipUpserted{
		IdentityID:   identityID,
		OrgID:        orgID,
		OrgName:      d.Organization.Name,
		OrgSlug:      d.Organization.Slug,
		ProviderRole: d.Role,
		Suspended:    strings.EqualFold(d.Status, "suspended"),
		Email:        email,
		UpdatedAt:    d.UpdatedAt.Or(fallback),
	}, nil
}

func decodeMembershipDeleted(raw json.RawMessage, fallback time.Time) (Event, error) {
	var d membershipData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	identityID, orgID, err := d.keys()
	if err != nil {
		return nil, err
	}
	return MembershipDeleted{IdentityID: identityID, OrgID: orgID, At: d.UpdatedAt.Or(fallback)}, nil
}

// millis is a timestamp encoded as unix milliseconds, or as an RFC 3339 string.
type millis struct{ t time.Time }

func (m *millis) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` || s == "0" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, unq)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", unq, err)
		}
		m.t = t.UTC()
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", s, err)
	}
	m.t = time.UnixMilli(ms).UTC()
	return nil
}

func (m millis) Time() time.Time { return m.t }

// Or returns the timestamp, or fallback when absent.
func (m millis) Or(fallback time.Time) time.Time {
	if m.t.IsZero() {
		return fallback
	}
	return m.t
}
