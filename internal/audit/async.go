package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/audit/domain"
)

// appendTimeout is the max time allowed for a single async append.
const appendTimeout = 5 * time.Second

// ShutdownDrainDuration is how long entry points wait after stopping their servers so in-flight
// async appends can complete. Must be >= appendTimeout.
const ShutdownDrainDuration = appendTimeout

// AppendAsync runs Append in a goroutine with a short timeout so the caller is not blocked.
// Use from request paths for best-effort records; errors are logged.
//
// sink and rec may be nil; AppendAsync then returns immediately without starting a goroutine.
// The goroutine detaches from ctx cancellation so a finished request does not abort the write.
func AppendAsync(ctx context.Context, log *zap.Logger, sink Sink, rec *domain.Record) {
	if sink == nil || rec == nil {
		return
	}
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
		defer cancel()
		if err := sink.Append(actx, rec); err != nil && log != nil {
			log.Warn("audit: async append failed",
				zap.String("event_type", rec.EventType), zap.String("entity_id", rec.EntityID), zap.Error(err))
		}
	}()
}
