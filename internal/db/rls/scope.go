package rls

import (
	"errors"
)

// Connection-local settings consulted by the policies in internal/db/migrations.
const (
	settingIdentity = "app.current_identity"
	settingOrg      = "app.current_org"
	settingBypass   = "app.bypass_rls"
)

// Scope is the set of markers bound to one borrowed connection.
// Exactly one kind is bound per borrow: identity-only, identity with organization, or bypass.
type Scope struct {
	IdentityID string
	OrgID      string
	bypass     bool
}

// Bypass reports whether the scope disables row filtering. Only SystemBinder produces such scopes.
func (s Scope) Bypass() bool { return s.bypass }

// Scoped is implemented by values that carry a resolved caller scope, such as an organization context.
type Scoped interface {
	StorageScope() Scope
}

var errIncompleteScope = errors.New("rls: scope requires identity and organization")

func (s Scope) markers() (identity, org, bypass string) {
	if s.bypass {
		return "", "", "on"
	}
	return s.IdentityID, s.OrgID, ""
}
