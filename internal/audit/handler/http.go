// Package handler serves the caller organization's audit trail.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/audit/domain"
	"tenant-control-plane/internal/audit/repository"
	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/server/middleware"
	"tenant-control-plane/internal/tenancy"
)

// Lister returns the audit records of oc's organization, newest first.
type Lister func(ctx context.Context, oc tenancy.OrganizationContext, limit, offset int) ([]*domain.Record, error)

// BinderLister reads records through a session bound to the caller's organization.
func BinderLister(b *rls.Binder) Lister {
	return func(ctx context.Context, oc tenancy.OrganizationContext, limit, offset int) ([]*domain.Record, error) {
		var out []*domain.Record
		err := b.WithContext(ctx, oc, func(ctx context.Context, s *rls.Session) error {
			var err error
			out, err = repository.ListByOrg(ctx, s, oc.OrgID(), limit, offset)
			return err
		})
		return out, err
	}
}

// Handler serves GET /v1/audit. It must be mounted behind an audit:read requirement.
type Handler struct {
	list Lister
	log  *zap.Logger
}

func NewHandler(list Lister, log *zap.Logger) *Handler {
	return &Handler{list: list, log: logger.OrNop(log)}
}

// Entry is the API view of a record.
type Entry struct {
	ID            string            `json:"id"`
	EventType     string            `json:"event_type"`
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	Actor         string            `json:"actor,omitempty"`
	PayloadDigest string            `json:"payload_digest,omitempty"`
	Success       bool              `json:"success"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	oc, ok := tenancy.FromContext(r.Context())
	if !ok {
		middleware.WriteError(w, h.log, errs.ErrNoTenant)
		return
	}
	limit, err1 := intParam(r, "limit", 50)
	offset, err2 := intParam(r, "offset", 0)
	if err1 != nil || err2 != nil || offset < 0 {
		middleware.WriteError(w, h.log, errs.ErrInvalidArgument)
		return
	}
	recs, err := h.list(r.Context(), oc, limit, offset)
	if err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Entry{
			ID: rec.ID, EventType: rec.EventType, EntityType: rec.EntityType, EntityID: rec.EntityID,
			Actor: rec.Actor, PayloadDigest: rec.PayloadDigest, Success: rec.Success, Reason: rec.Reason,
			Metadata: rec.Metadata, CreatedAt: rec.CreatedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"records": out, "limit": limit, "offset": offset})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
