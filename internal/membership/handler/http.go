// Package handler serves the administrative member API of the caller's organization.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/membership/service"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/platform/rbac"
	"tenant-control-plane/internal/server/middleware"
	"tenant-control-plane/internal/tenancy"
)

const maxBulkItems = 100

// MemberService is implemented by *service.Service.
type MemberService interface {
	List(ctx context.Context, actor service.Actor) ([]*domain.Membership, error)
	Update(ctx context.Context, actor service.Actor, identityID string, p service.Patch) (*domain.Membership, error)
	Remove(ctx context.Context, actor service.Actor, identityID string) error
	Bulk(ctx context.Context, actor service.Actor, items []service.BulkItem) []service.BulkResult
}

// Guard wraps handlers with a permission requirement. *middleware.Enforcer implements it.
type Guard interface {
	Require(req rbac.Requirement) func(http.Handler) http.Handler
}

// Handler serves /v1/members.
type Handler struct {
	svc MemberService
	log *zap.Logger
}

// NewHandler returns a Handler over svc.
func NewHandler(svc MemberService, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrNop(log)}
}

// Routes returns the member routes. Reads need members:read, writes need members:manage.
func (h *Handler) Routes(g Guard) chi.Router {
	r := chi.NewRouter()
	read := g.Require(rbac.AllOf(domain.PermMembersRead))
	manage := g.Require(rbac.AllOf(domain.PermMembersManage))
	r.With(read).Get("/", h.list)
	r.With(manage).Post("/bulk", h.bulk)
	r.With(manage).Patch("/{identityID}", h.update)
	r.With(manage).Delete("/{identityID}", h.remove)
	return r
}

// Member is the API view of a membership.
type Member struct {
	ID           string                     `json:"id"`
	IdentityID   string                     `json:"identity_id"`
	OrgID        string                     `json:"org_id"`
	Role         domain.Role                `json:"role"`
	Status       domain.Status              `json:"status"`
	Permissions  []domain.Permission        `json:"permissions"`
	Overrides    domain.PermissionOverrides `json:"overrides"`
	LastActiveAt *time.Time                 `json:"last_active_at,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

func toMember(m *domain.Membership) *Member {
	if m == nil {
		return nil
	}
	return &Member{
		ID:           m.ID,
		IdentityID:   m.IdentityID,
		OrgID:        m.OrgID,
		Role:         m.Role,
		Status:       m.Status,
		Permissions:  m.Permissions().Sorted(),
		Overrides:    m.Overrides,
		LastActiveAt: m.LastActiveAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// PatchRequest is the body of PATCH /v1/members/{identityID}.
type PatchRequest struct {
	Role      domain.Role                 `json:"role,omitempty"`
	Status    domain.Status               `json:"status,omitempty"`
	Overrides *domain.PermissionOverrides `json:"overrides,omitempty"`
}

func (p PatchRequest) patch() service.Patch {
	return service.Patch{Role: p.Role, Status: p.Status, Overrides: p.Overrides}
}

// BulkRequest is the body of POST /v1/members/bulk.
type BulkRequest struct {
	Items []BulkItem `json:"items"`
}

// BulkItem is one entry of a BulkRequest. Remove cannot be combined with other fields.
type BulkItem struct {
	IdentityID string `json:"identity_id"`
	PatchRequest
	Remove bool `json:"remove,omitempty"`
}

// BulkItemResult is one entry of the bulk response.
type BulkItemResult struct {
	IdentityID string  `json:"identity_id"`
	Member     *Member `json:"member,omitempty"`
	Error      string  `json:"error,omitempty"`
	Message    string  `json:"message,omitempty"`
}

func actorFrom(r *http.Request) (service.Actor, error) {
	oc, ok := tenancy.FromContext(r.Context())
	if !ok {
		return service.Actor{}, errs.ErrNoTenant
	}
	return service.MemberActor(oc), nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	ms, err := h.svc.List(r.Context(), actor)
	if err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	out := make([]*Member, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMember(m))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"members": out})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	var req PatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	m, err := h.svc.Update(r.Context(), actor, chi.URLParam(r, "identityID"), req.patch())
	if err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toMember(m))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.Remove(r.Context(), actor, chi.URLParam(r, "identityID")); err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	var req BulkRequest
	if err := decodeBody(w, r, &req); err != nil {
		middleware.WriteError(w, h.log, err)
		return
	}
	if len(req.Items) == 0 || len(req.Items) > maxBulkItems {
		middleware.WriteError(w, h.log, fmt.Errorf("%w: between 1 and %d items", errs.ErrInvalidArgument, maxBulkItems))
		return
	}
	items := make([]service.BulkItem, 0, len(req.Items))
	for _, it := range req.Items {
		p := it.patch()
		p.Remove = it.Remove
		items = append(items, service.BulkItem{IdentityID: it.IdentityID, Patch: p})
	}
	results := h.svc.Bulk(r.Context(), actor, items)
	out := make([]BulkItemResult, 0, len(results))
	for _, res := range results {
		item := BulkItemResult{IdentityID: res.IdentityID, Member: toMember(res.Membership)}
		if res.Err != nil {
			item.Error, item.Message = errs.Code(res.Err), errs.Message(res.Err)
			item.Member = nil
		}
		out = append(out, item)
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"results": out})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body", errs.ErrInvalidArgument)
	}
	return nil
}
