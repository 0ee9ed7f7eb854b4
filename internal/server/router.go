package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	audithandler "tenant-control-plane/internal/audit/handler"
	healthhandler "tenant-control-plane/internal/health/handler"
	"tenant-control-plane/internal/membership/domain"
	membershiphandler "tenant-control-plane/internal/membership/handler"
	"tenant-control-plane/internal/platform/rbac"
	"tenant-control-plane/internal/server/middleware"
	tenancyhandler "tenant-control-plane/internal/tenancy/handler"
)

// HTTPDeps holds the handlers mounted by NewRouter. Nil handlers are not mounted.
type HTTPDeps struct {
	Enforcer *middleware.Enforcer
	Health   *healthhandler.Checker
	Members  *membershiphandler.Handler
	Audit    *audithandler.Handler
	Me       *tenancyhandler.Me
	// Webhook receives identity provider events. It sits outside the end-user chain so the
	// synchronizer may use system bypass.
	Webhook http.Handler
	Log     *zap.Logger
}

// NewRouter returns the HTTP API:
//
//	GET  /healthz, /readyz
//	POST /webhooks/identity
//	GET  /v1/me
//	     /v1/members
//	GET  /v1/audit
func NewRouter(d HTTPDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	if d.Log != nil {
		r.Use(requestLogger(d.Log))
	}

	r.Get("/healthz", healthhandler.Liveness)
	if d.Health != nil {
		r.Get("/readyz", d.Health.Readiness)
	}
	if d.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/identity", d.Webhook)
	}

	if d.Enforcer == nil {
		return r
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(d.Enforcer.Authenticate, d.Enforcer.ResolveOrganization)
		if d.Me != nil {
			r.With(d.Enforcer.Require(rbac.AtLeast(domain.RoleViewer))).Method(http.MethodGet, "/me", d.Me)
		}
		if d.Members != nil {
			r.Mount("/members", d.Members.Routes(d.Enforcer))
		}
		if d.Audit != nil {
			r.With(d.Enforcer.Require(rbac.AllOf(domain.PermAuditRead))).Method(http.MethodGet, "/audit", d.Audit)
		}
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
				return
			}
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
