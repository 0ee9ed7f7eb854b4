package rls

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/platform/origin"
)

// SystemBinder runs operations with row filtering disabled. It is constructed only by system entry
// points (identity-sync worker and webhook receiver, reconciliation cron, admin CLI, bootstrap seed)
// and is never handed to request-serving code. As a second line, it refuses contexts marked as
// end-user requests.
type SystemBinder struct {
	binder *Binder
	job    string
	sink   audit.Sink
}

// NewSystemBinder returns a SystemBinder whose sessions are attributed to job.
func NewSystemBinder(b *Binder, job string, sink audit.Sink) *SystemBinder {
	return &SystemBinder{binder: b, job: job, sink: sink}
}

// Job returns the job name bypass sessions are attributed to.
func (s *SystemBinder) Job() string { return s.job }

// WithSystemBypass runs op with the bypass marker bound.
//
// Every use is audited: inside an audit.Scope the job is noted on the scope and lands in the caller's
// single record; otherwise a bypass_session record is written before op runs, and op does not run if
// that write fails. A context marked by origin.MarkEndUser is refused with errs.ErrBypassMisuse after
// writing a bypass_misuse record.
func (s *SystemBinder) WithSystemBypass(ctx context.Context, op Op) error {
	if origin.IsEndUser(ctx) {
		rec := audit.New(audit.EventBypassMisuse, audit.EntityStorageSession, s.job, "")
		rec.Actor = "system:" + s.job
		rec.Success = false
		rec.Reason = "end-user request context"
		if err := s.sink.Append(context.WithoutCancel(ctx), rec); err != nil {
			s.binder.log.Error("rls: audit bypass misuse", zap.String("job", s.job), zap.Error(err))
		}
		s.binder.log.Error("rls: bypass refused for end-user request", zap.String("job", s.job))
		return errs.ErrBypassMisuse
	}

	if sc := audit.ScopeFrom(ctx); sc != nil {
		sc.NoteBypass(s.job)
	} else {
		rec := audit.New(audit.EventBypassSession, audit.EntityStorageSession, s.job, "")
		rec.Actor = "system:" + s.job
		rec.Success = true
		if err := s.sink.Append(ctx, rec); err != nil {
			return fmt.Errorf("rls: audit bypass: %w", err)
		}
	}
	return s.binder.run(ctx, Scope{bypass: true}, op)
}
