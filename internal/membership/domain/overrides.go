package domain

import (
	"encoding/json"
	"fmt"
)

// PermissionOverrides adjusts a role's default permissions for one membership.
// Stored as JSONB; an empty value is encoded as {}.
type PermissionOverrides struct {
	Grant  []Permission `json:"grant,omitempty"`
	Revoke []Permission `json:"revoke,omitempty"`
}

// IsZero reports whether o changes nothing.
func (o PermissionOverrides) IsZero() bool {
	return len(o.Grant) == 0 && len(o.Revoke) == 0
}

// Validate returns an error for the first unknown permission in Grant or Revoke.
func (o PermissionOverrides) Validate() error {
	for _, p := range o.Grant {
		if !p.Valid() {
			return fmt.Errorf("overrides: unknown grant %q", p)
		}
	}
	for _, p := range o.Revoke {
		if !p.Valid() {
			return fmt.Errorf("overrides: unknown revoke %q", p)
		}
	}
	return nil
}

// ResolvePermissions returns defaults(role) ∪ Grant minus Revoke. A permission both granted and revoked is revoked.
func ResolvePermissions(role Role, o PermissionOverrides) PermissionSet {
	set := DefaultPermissions(role)
	if !role.Valid() {
		return set
	}
	for _, p := range o.Grant {
		if p.Valid() {
			set[p] = struct{}{}
		}
	}
	for _, p := range o.Revoke {
		delete(set, p)
	}
	return set
}

// Equal reports whether o and other grant and revoke the same permissions, ignoring order.
func (o PermissionOverrides) Equal(other PermissionOverrides) bool {
	return sameSet(o.Grant, other.Grant) && sameSet(o.Revoke, other.Revoke)
}

func sameSet(a, b []Permission) bool {
	sa, sb := NewPermissionSet(a...), NewPermissionSet(b...)
	if len(sa) != len(sb) {
		return false
	}
	for p := range sa {
		if !sb.Has(p) {
			return false
		}
	}
	return true
}

// MarshalOverrides encodes o for the permission_overrides column after validating it.
func MarshalOverrides(o PermissionOverrides) ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(o)
}

// UnmarshalOverrides decodes the permission_overrides column. Empty or null input is the zero value.
func UnmarshalOverrides(b []byte) (PermissionOverrides, error) {
	var o PermissionOverrides
	if len(b) == 0 || string(b) == "null" {
		return o, nil
	}
	if err := json.Unmarshal(b, &o); err != nil {
		return PermissionOverrides{}, fmt.Errorf("overrides: %w", err)
	}
	if err := o.Validate(); err != nil {
		return PermissionOverrides{}, err
	}
	return o, nil
}
