package otel

import (
	"context"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/audit/domain"
)

const auditScope = "tenant-control-plane/audit"

// logEmitter is the subset of otellog.Logger the sink needs.
type logEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// AuditSink mirrors audit records as OTel log records. Emit is non-blocking; the batch processor exports.
type AuditSink struct {
	logger logEmitter
}

// NewAuditSink returns a sink writing through provider, or a sink that drops records when provider is nil.
func NewAuditSink(provider *sdklog.LoggerProvider) audit.Sink {
	if provider == nil {
		return audit.SinkFunc(func(context.Context, *domain.Record) error { return nil })
	}
	return &AuditSink{logger: provider.Logger(auditScope)}
}

func newAuditSinkWithLogger(l logEmitter) *AuditSink { return &AuditSink{logger: l} }

// Append converts rec to a log record: the event type is the body, identifying fields become attributes.
// Payloads are never attached, only their digest.
func (s *AuditSink) Append(ctx context.Context, rec *domain.Record) error {
	if rec == nil {
		return nil
	}
	var r otellog.Record
	r.SetTimestamp(rec.CreatedAt)
	r.SetBody(otellog.StringValue(rec.EventType))
	sev := otellog.SeverityInfo
	if !rec.Success {
		sev = otellog.SeverityWarn
	}
	r.SetSeverity(sev)
	r.AddAttributes(
		otellog.String("audit.id", rec.ID),
		otellog.String("audit.entity_type", rec.EntityType),
		otellog.String("audit.entity_id", rec.EntityID),
		otellog.String("audit.org_id", rec.OrgID),
		otellog.Bool("audit.success", rec.Success),
	)
	if rec.Actor != "" {
		r.AddAttributes(otellog.String("audit.actor", rec.Actor))
	}
	if rec.Reason != "" {
		r.AddAttributes(otellog.String("audit.reason", rec.Reason))
	}
	if rec.PayloadDigest != "" {
		r.AddAttributes(otellog.String("audit.payload_digest", rec.PayloadDigest))
	}
	for k, v := range rec.Metadata {
		r.AddAttributes(otellog.String("audit.meta."+k, v))
	}
	s.logger.Emit(ctx, r)
	return nil
}
