// Package errs defines the authorization and synchronization error taxonomy.
// Messages are generic: they never carry organization ids or names.
package errs

import "errors"

var (
	// ErrUnauthenticated means no verifiable identity was presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoTenant means the identity is valid but holds no active membership.
	ErrNoTenant = errors.New("no active organization membership")
	// ErrForbidden means the membership lacks the required role or permission.
	ErrForbidden = errors.New("not permitted")
	// ErrTenantInactive means the membership is valid but its organization is suspended or deleted.
	ErrTenantInactive = errors.New("organization is not active")
	// ErrSyncConflict is transient storage contention during an idempotent apply. It is retried.
	ErrSyncConflict = errors.New("sync conflict")
	// ErrSyncRejected means an inbound event failed signature or origin verification. Never retried.
	ErrSyncRejected = errors.New("sync event rejected")
	// ErrBypassMisuse means the elevated storage marker was requested from a disallowed entry point.
	ErrBypassMisuse = errors.New("system bypass requested from a request path")
	// ErrNotFound means the addressed member or organization is not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument means the request carried an unknown role, status or permission.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Code returns the stable wire code for err ("unauthenticated", "no_tenant", "forbidden",
// "tenant_inactive", ...), or "internal" when err is outside the taxonomy.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNoTenant):
		return "no_tenant"
	case errors.Is(err, ErrTenantInactive):
		return "tenant_inactive"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrSyncConflict):
		return "sync_conflict"
	case errors.Is(err, ErrSyncRejected):
		return "sync_rejected"
	case errors.Is(err, ErrBypassMisuse):
		return "bypass_misuse"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// Message returns the client-safe message for err. Unknown errors collapse to a generic text.
func Message(err error) string {
	switch Code(err) {
	case "unauthenticated":
		return ErrUnauthenticated.Error()
	case "no_tenant":
		return ErrNoTenant.Error()
	case "tenant_inactive":
		return ErrTenantInactive.Error()
	case "forbidden":
		return ErrForbidden.Error()
	case "not_found":
		return ErrNotFound.Error()
	case "invalid_argument":
		return ErrInvalidArgument.Error()
	case "":
		return ""
	default:
		return "internal error"
	}
}
