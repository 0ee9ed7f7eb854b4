package idpsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"tenant-control-plane/internal/audit"
	auditdomain "tenant-control-plane/internal/audit/domain"
	"tenant-control-plane/internal/db/rls"
	identityrepo "tenant-control-plane/internal/identity/repository"
	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/membership/service"
	orgrepo "tenant-control-plane/internal/organization/repository"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/telemetry/otel"
)

// Job is the system job name identity sync runs bypass sessions under.
const Job = "identity-sync"

// Actions reported in Result.Action and in audit metadata.
const (
	ActionIdentityCreated      = "identity_created"
	ActionIdentityUpdated      = "identity_updated"
	ActionIdentityDeleted      = "identity_deleted"
	ActionIdentityNotFound     = "identity_not_found"
	ActionOrganizationCreated  = "organization_created"
	ActionOrganizationUpdated  = "organization_updated"
	ActionOrganizationDeleted  = "organization_deleted"
	ActionOrganizationNotFound = "organization_not_found"
	ActionMembershipCreated    = "membership_created"
	ActionMembershipUpdated    = "membership_updated"
	ActionMembershipDeleted    = "membership_deleted"
	ActionMembershipNotFound   = "membership_not_found"
	ActionUnchanged            = "unchanged"
	ActionStale                = "stale_event"
	ActionDuplicateDelivery    = "duplicate_delivery"
	ActionNotHandled           = "not_handled"
	ActionMalformed            = "malformed_event"
	ActionRejected             = "rejected"
	ActionFailed               = "failed"
)

// Result is the terminal outcome of one event. Applied is false when the event was skipped.
type Result struct {
	Applied bool
	Action  string

	meta map[string]string
}

func skipped(action string) Result { return Result{Action: action} }

func applied(action string) Result { return Result{Applied: true, Action: action} }

func (r Result) with(k, v string) Result {
	if r.meta == nil {
		r.meta = map[string]string{}
	}
	r.meta[k] = v
	return r
}

// Delivery is one verified, decoded event.
type Delivery struct {
	// ID is the transport's delivery id; redeliveries of one envelope share it. May be empty.
	ID     string
	Type   string
	Event  Event
	Digest string
}

// Runner opens transactions with row filtering disabled. *rls.SystemBinder implements it.
type Runner interface {
	InTx(ctx context.Context, opts *sql.TxOptions, fn rls.TxFunc) error
}

// Stores builds the identity and organization repositories over a bound querier.
type Stores struct {
	Identities    func(q rls.Querier) identityrepo.Repository
	Organizations func(q rls.Querier) orgrepo.Repository
}

// PostgresStores returns the Stores used outside tests.
func PostgresStores() Stores {
	return Stores{
		Identities:    func(q rls.Querier) identityrepo.Repository { return identityrepo.NewPostgresRepository(q) },
		Organizations: func(q rls.Querier) orgrepo.Repository { return orgrepo.NewPostgresRepository(q) },
	}
}

// RetryConfig bounds in-process retries of transient conflicts.
type RetryConfig struct {
	MaxAttempts uint
	Initial     time.Duration
	Max         time.Duration
}

// DefaultRetry is three attempts: immediately, after 1s, after 2s.
var DefaultRetry = RetryConfig{MaxAttempts: 3, Initial: time.Second, Max: 4 * time.Second}

// DefaultEventTimeout bounds one event including retries.
const DefaultEventTimeout = 30 * time.Second

// Options configures a Synchronizer. Zero values select defaults; Deliveries and Metrics may be nil.
type Options struct {
	Retry        RetryConfig
	EventTimeout time.Duration
	Deliveries   DeliveryLog
	Metrics      *otel.SyncMetrics
	Log          *zap.Logger
}

// Synchronizer applies identity-provider events. It is safe for concurrent use; events for distinct
// (identity, organization) pairs proceed in parallel, and storage serializes the same pair.
type Synchronizer struct {
	verifier *Verifier
	runner   Runner
	applier  *service.Applier
	stores   Stores
	sink     audit.Sink
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// NewSynchronizer returns a Synchronizer. verifier may be nil only when callers use Handle directly.
func NewSynchronizer(verifier *Verifier, runner Runner, applier *service.Applier, stores Stores, sink audit.Sink, opts Options) *Synchronizer {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry.Initial = DefaultRetry.Initial
	}
	if opts.Retry.Max < opts.Retry.Initial {
		opts.Retry.Max = opts.Retry.Initial
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = DefaultEventTimeout
	}
	return &Synchronizer{
		verifier: verifier,
		runner:   runner,
		applier:  applier,
		stores:   stores,
		sink:     sink,
		opts:     opts,
		log:      logger.OrNop(opts.Log).With(zap.String("component", "idpsync")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Receive verifies and decodes one raw delivery, then handles it.
//
// A failed verification returns errs.ErrSyncRejected after writing a sync_rejected record; it must not
// be redelivered. Unknown event types are acknowledged as ActionNotHandled without an audit record.
// A verified but undecodable payload is acknowledged as ActionMalformed with a failure record, since
// redelivery cannot fix it.
func (s *Synchronizer) Receive(ctx context.Context, h http.Header, body []byte) (Result, error) {
	return s.receive(ctx, s.verifier, h, body)
}

// ReceiveRelayed is Receive for deliveries replayed from a durable log. The signature is verified but
// the delivery timestamp is not held to the webhook tolerance, so a backlog is applied, not rejected.
func (s *Synchronizer) ReceiveRelayed(ctx context.Context, h http.Header, body []byte) (Result, error) {
	return s.receive(ctx, s.verifier.Relayed(), h, body)
}

func (s *Synchronizer) receive(ctx context.Context, verifier *Verifier, h http.Header, body []byte) (Result, error) {
	start := time.Now()
	digest := audit.Digest(body)
	if verifier == nil {
		return s.reject(ctx, header(h, "id"), digest, start, fmt.Errorf("%w: no verifier configured", errs.ErrSyncRejected))
	}
	id, err := verifier.Verify(h, body)
	if err != nil {
		return s.reject(ctx, header(h, "id"), digest, start, err)
	}

	env, ev, err := Decode(body, s.now())
	switch {
	case errors.Is(err, ErrUnknownEventType):
		s.log.Info("event type not handled", zap.String("event_type", env.Type), zap.String("delivery_id", id))
		s.opts.Metrics.Observe(ctx, env.Type, ActionNotHandled, "skipped", time.Since(start))
		return skipped(ActionNotHandled), nil
	case err != nil:
		s.log.Warn("malformed event", zap.String("event_type", env.Type), zap.String("delivery_id", id), zap.Error(err))
		rec := audit.New(audit.EventSyncOutcome, audit.EntityEvent, id, "")
		rec.Actor = "system:" + Job
		rec.PayloadDigest = digest
		rec.Reason = ActionMalformed
		rec.Metadata["event_type"] = env.Type
		rec.Metadata["action"] = ActionMalformed
		s.write(ctx, rec)
		s.opts.Metrics.Observe(ctx, env.Type, ActionMalformed, "failed", time.Since(start))
		return skipped(ActionMalformed), nil
	}
	return s.Handle(ctx, Delivery{ID: id, Type: env.Type, Event: ev, Digest: digest})
}

func (s *Synchronizer) reject(ctx context.Context, id, digest string, start time.Time, cause error) (Result, error) {
	rec := audit.New(audit.EventSyncRejected, audit.EntityEvent, id, "")
	rec.Actor = "system:" + Job
	rec.PayloadDigest = digest
	rec.Reason = errs.Code(cause)
	rec.Metadata["detail"] = cause.Error()
	s.write(ctx, rec)
	s.log.Warn("event rejected", zap.String("delivery_id", id), zap.Error(cause))
	s.opts.Metrics.Observe(ctx, "", ActionRejected, "rejected", time.Since(start))
	return skipped(ActionRejected), cause
}

// Handle applies one verified event and writes exactly one audit record for it, whatever the number
// of attempts. Transient conflicts are retried with exponential backoff; the error returned after the
// last attempt, or when the per-event deadline passes, asks the transport to redeliver.
func (s *Synchronizer) Handle(ctx context.Context, d Delivery) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.EventTimeout)
	defer cancel()
	ctx, scope := audit.WithScope(ctx)

	if d.ID != "" && s.opts.Deliveries != nil {
		seen, err := s.opts.Deliveries.Seen(ctx, d.ID)
		switch {
		case err != nil:
			s.log.Warn("delivery log unavailable", zap.String("delivery_id", d.ID), zap.Error(err))
		case seen:
			res := skipped(ActionDuplicateDelivery)
			s.finish(ctx, scope, d, res, 0, nil, start)
			return res, nil
		}
	}

	// Attempts are bounded by count and by the per-event deadline on ctx.
	attempts := 0
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.opts.Retry.Initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.opts.Retry.Max,
	}
	res, err := backoff.Retry(ctx, func() (Result, error) {
		attempts++
		r, err := s.apply(ctx, d.Event)
		switch {
		case err == nil:
			return r, nil
		case errors.Is(err, errs.ErrSyncConflict):
			s.log.Info("transient conflict", zap.String("delivery_id", d.ID), zap.Int("attempt", attempts), zap.Error(err))
			return r, err
		default:
			return r, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.opts.Retry.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("idpsync: event abandoned at deadline: %w", errors.Join(err, ctx.Err()))
	}
	if err != nil {
		res = skipped(ActionFailed)
	} else if d.ID != "" && s.opts.Deliveries != nil {
		if merr := s.opts.Deliveries.Mark(context.WithoutCancel(ctx), d.ID); merr != nil {
			s.log.Warn("mark delivery handled", zap.String("delivery_id", d.ID), zap.Error(merr))
		}
	}
	s.finish(ctx, scope, d, res, attempts, err, start)
	if err != nil {
		return res, fmt.Errorf("idpsync: %s: %w", d.Type, err)
	}
	return res, nil
}

func (s *Synchronizer) finish(ctx context.Context, scope *audit.Scope, d Delivery, res Result, attempts int, err error, start time.Time) {
	rec := audit.New(audit.EventSyncOutcome, entityType(d.Event), subject(d.Event), org(d.Event))
	rec.Actor = "system:" + Job
	rec.PayloadDigest = d.Digest
	rec.Success = err == nil
	rec.Metadata["event_type"] = d.Type
	rec.Metadata["action"] = res.Action
	rec.Metadata["applied"] = strconv.FormatBool(res.Applied)
	if d.ID != "" {
		rec.Metadata["delivery_id"] = d.ID
	}
	if attempts > 0 {
		rec.Metadata["attempts"] = strconv.Itoa(attempts)
	}
	for k, v := range res.meta {
		rec.Metadata[k] = v
	}
	if err != nil {
		rec.Reason = errs.Code(err)
		if errors.Is(err, context.DeadlineExceeded) {
			rec.Reason = "deadline_exceeded"
		}
	}
	scope.Annotate(rec)
	s.write(ctx, rec)

	outcome := "skipped"
	switch {
	case err != nil:
		outcome = "failed"
	case res.Applied:
		outcome = "applied"
	}
	s.opts.Metrics.Observe(ctx, d.Type, res.Action, outcome, time.Since(start))
	fields := []zap.Field{
		zap.String("event_type", d.Type), zap.String("delivery_id", d.ID),
		zap.String("action", res.Action), zap.Int("attempts", attempts),
	}
	if err != nil {
		s.log.Error("event failed", append(fields, zap.Error(err))...)
		return
	}
	s.log.Info("event handled", fields...)
}

// write appends rec detached from ctx cancellation, so an abandoned event is still recorded.
func (s *Synchronizer) write(ctx context.Context, rec *auditdomain.Record) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.sink.Append(actx, rec); err != nil {
		s.log.Error("audit sync outcome", zap.String("event_type", rec.EventType), zap.String("entity_id", rec.EntityID), zap.Error(err))
	}
}

func entityType(ev Event) string {
	if ev == nil {
		return audit.EntityEvent
	}
	switch ev.Category() {
	case CategoryIdentity:
		return audit.EntityIdentity
	case CategoryOrganization:
		return audit.EntityOrganization
	default:
		return audit.EntityMembership
	}
}

func subject(ev Event) string {
	if ev == nil {
		return ""
	}
	if ev.Category() == CategoryMembership {
		return ev.SubjectID() + ":" + ev.Org()
	}
	return ev.SubjectID()
}

func org(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.Org()
}
