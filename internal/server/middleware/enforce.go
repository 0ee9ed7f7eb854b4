// Package middleware enforces authentication, organization resolution and permissions on the
// HTTP API. Handlers mounted behind it read the caller from tenancy.FromContext.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/platform/origin"
	"tenant-control-plane/internal/platform/rbac"
	"tenant-control-plane/internal/security"
	"tenant-control-plane/internal/tenancy"
)

// OrganizationHeader names the caller's preferred organization.
const OrganizationHeader = "X-Organization-ID"

// TokenVerifier is implemented by *security.Verifier.
type TokenVerifier interface {
	Verify(token string) (security.Subject, error)
}

// OrgResolver is implemented by *tenancy.Resolver.
type OrgResolver interface {
	Resolve(ctx context.Context, identityID, preferredOrg string) (tenancy.OrganizationContext, error)
}

// Enforcer builds the enforcement middleware chain.
type Enforcer struct {
	verifier  TokenVerifier
	resolver  OrgResolver
	decisions *audit.DecisionLogger
	log       *zap.Logger
}

// NewEnforcer returns an Enforcer. decisions may be nil to disable decision auditing.
func NewEnforcer(verifier TokenVerifier, resolver OrgResolver, decisions *audit.DecisionLogger, log *zap.Logger) *Enforcer {
	return &Enforcer{verifier: verifier, resolver: resolver, decisions: decisions, log: logger.OrNop(log)}
}

type hintKey struct{}

type ipKey struct{}

// Authenticate verifies the bearer token and attaches the caller. The request context is marked as
// an end-user request from here on.
func (e *Enforcer) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := origin.MarkEndUser(r.Context())
		ctx = context.WithValue(ctx, ipKey{}, remoteIP(r))
		token := bearer(r.Header.Get("Authorization"))
		if token == "" {
			e.deny(ctx, r, "", "", errs.ErrUnauthenticated)
			WriteError(w, e.log, errs.ErrUnauthenticated)
			return
		}
		sub, err := e.verifier.Verify(token)
		if err != nil {
			e.deny(ctx, r, "", "", errs.ErrUnauthenticated)
			WriteError(w, e.log, errs.ErrUnauthenticated)
			return
		}
		ctx = tenancy.WithCaller(ctx, tenancy.Caller{IdentityID: sub.IdentityID, SessionID: sub.SessionID})
		if sub.OrgHint != "" {
			ctx = context.WithValue(ctx, hintKey{}, sub.OrgHint)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ResolveOrganization resolves the authenticated caller into one organization. The
// X-Organization-ID header takes precedence over the token's organization hint.
func (e *Enforcer) ResolveOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller, ok := tenancy.CallerFrom(ctx)
		if !ok {
			WriteError(w, e.log, errs.ErrUnauthenticated)
			return
		}
		preferred := strings.TrimSpace(r.Header.Get(OrganizationHeader))
		if preferred == "" {
			preferred, _ = ctx.Value(hintKey{}).(string)
		}
		oc, err := e.resolver.Resolve(ctx, caller.IdentityID, preferred)
		if err != nil {
			e.deny(ctx, r, caller.IdentityID, "", err)
			WriteError(w, e.log, err)
			return
		}
		ctx = tenancy.WithOrganization(ctx, oc.WithSession(caller.SessionID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Require rejects requests whose organization context does not satisfy req.
func (e *Enforcer) Require(req rbac.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			oc, err := rbac.Require(ctx, req)
			caller, _ := tenancy.CallerFrom(ctx)
			orgID := ""
			if cur, ok := tenancy.FromContext(ctx); ok {
				orgID = cur.OrgID()
			}
			e.decisions.LogDecision(ctx, audit.Decision{
				Actor:    caller.IdentityID,
				OrgID:    orgID,
				Action:   r.Method,
				Resource: resource(r),
				Required: req.String(),
				Allowed:  err == nil,
				Reason:   errs.Code(err),
			})
			if err != nil {
				WriteError(w, e.log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenancy.WithOrganization(ctx, oc)))
		})
	}
}

func (e *Enforcer) deny(ctx context.Context, r *http.Request, actor, orgID string, err error) {
	e.decisions.LogDecision(ctx, audit.Decision{
		Actor:    actor,
		OrgID:    orgID,
		Action:   r.Method,
		Resource: resource(r),
		Reason:   errs.Code(err),
	})
}

// ClientIP returns the remote address recorded by Authenticate, or "" outside an HTTP request.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey{}).(string)
	return ip
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// resource prefers the matched route pattern so audit records group by endpoint, not by id.
func resource(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

const bearerPrefix = "bearer "

func bearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
