package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
)

// Scheduler runs the Reconciler on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	rec     *Reconciler
	log     *zap.Logger
	timeout time.Duration
}

// NewScheduler returns a Scheduler for spec ("@every 15m", "*/5 * * * *", ...).
func NewScheduler(spec string, rec *Reconciler, log *zap.Logger) (*Scheduler, error) {
	log = logger.OrNop(log)
	cl := cronLogger{log: log}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		rec:     rec,
		log:     log,
		timeout: 10 * time.Minute,
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("reconcile: schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("reconcile: scheduler started")
}

// Stop stops scheduling and waits for a running pass until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("reconcile: scheduler stopped")
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	rep, err := s.rec.Run(ctx)
	if err != nil {
		s.log.Error("reconcile: pass failed", zap.Error(err))
		return
	}
	s.log.Info("reconcile: pass complete",
		zap.Int("organizations", rep.Organizations),
		zap.Int64("memberships_deleted", rep.MembershipsDeleted),
		zap.Int("failed", rep.Failed),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, zap.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
