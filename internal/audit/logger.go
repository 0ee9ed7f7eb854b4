package audit

import (
	"context"

	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
)

// IPExtractor returns the client IP from the request context (e.g. gRPC metadata, peer, or HTTP remote address).
type IPExtractor func(context.Context) string

// Decision is one enforcement outcome of the permission middleware.
type Decision struct {
	Actor    string
	OrgID    string
	Action   string
	Resource string
	// Required describes what was checked, e.g. "all:billing:read,data:export" or "role>=admin".
	Required string
	Allowed  bool
	// Reason is the error code for denials ("forbidden", "no_tenant", "tenant_inactive", "unauthenticated").
	Reason string
}

// DecisionLogger writes enforcement decisions. Denials are always recorded; allows only when logAllowed.
// Writes are asynchronous and best-effort: failures are logged and never affect the request.
type DecisionLogger struct {
	sink        Sink
	log         *zap.Logger
	logAllowed  bool
	ipExtractor IPExtractor
}

// NewDecisionLogger returns a DecisionLogger over sink. log and ipExtractor may be nil.
func NewDecisionLogger(sink Sink, log *zap.Logger, logAllowed bool, ipExtractor IPExtractor) *DecisionLogger {
	return &DecisionLogger{sink: sink, log: logger.OrNop(log), logAllowed: logAllowed, ipExtractor: ipExtractor}
}

// LogDecision records d unless it is an allow and allows are not being recorded.
func (l *DecisionLogger) LogDecision(ctx context.Context, d Decision) {
	if l == nil || l.sink == nil {
		return
	}
	if d.Allowed && !l.logAllowed {
		return
	}
	rec := New(EventAccessDecision, EntityRequest, d.Resource, d.OrgID)
	rec.Actor = d.Actor
	rec.Success = d.Allowed
	rec.Reason = d.Reason
	rec.Metadata["action"] = d.Action
	if d.Required != "" {
		rec.Metadata["required"] = d.Required
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		ip = l.ipExtractor(ctx)
	}
	rec.Metadata["ip"] = ip
	AppendAsync(ctx, l.log, l.sink, rec)
}
