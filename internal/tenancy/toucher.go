package tenancy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
)

const (
	touchTimeout     = 2 * time.Second
	maxPendingWrites = 32
)

// Toucher refreshes last_active_at in the background, at most once per interval per
// (identity, organization). Touch never blocks and never fails the caller; when too many writes are
// in flight new ones are dropped.
type Toucher struct {
	rec      ActivityRecorder
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	last  map[string]time.Time
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewToucher returns a Toucher writing through rec.
func NewToucher(rec ActivityRecorder, interval time.Duration, log *zap.Logger) *Toucher {
	return &Toucher{
		rec:      rec,
		interval: interval,
		log:      logger.OrNop(log),
		now:      func() time.Time { return time.Now().UTC() },
		last:     make(map[string]time.Time),
		slots:    make(chan struct{}, maxPendingWrites),
	}
}

// Touch schedules an activity write for oc unless one happened within the interval.
func (t *Toucher) Touch(ctx context.Context, oc OrganizationContext) {
	now := t.now()
	key := oc.IdentityID() + "\x00" + oc.OrgID()

	t.mu.Lock()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last[key] = now
	t.pruneLocked(now)
	t.mu.Unlock()

	select {
	case t.slots <- struct{}{}:
	default:
		t.log.Debug("tenancy: activity touch dropped", zap.String("org_id", oc.OrgID()))
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() { <-t.slots }()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		if err := t.rec.RecordActivity(wctx, oc, now); err != nil {
			t.log.Warn("tenancy: activity touch failed", zap.String("org_id", oc.OrgID()), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight writes finish.
func (t *Toucher) Wait() { t.wg.Wait() }

func (t *Toucher) pruneLocked(now time.Time) {
	if len(t.last) < 4096 {
		return
	}
	for k, at := range t.last {
		if now.Sub(at) >= t.interval {
			delete(t.last, k)
		}
	}
}
