package rls

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
)

const (
	bindQuery = `SELECT set_config('app.current_identity', $1, false),
       set_config('app.current_org', $2, false),
       set_config('app.bypass_rls', $3, false)`
	clearQuery = `SELECT set_config('app.current_identity', '', false),
       set_config('app.current_org', '', false),
       set_config('app.bypass_rls', '', false)`
	probeQuery = `SELECT concat(current_setting('app.current_identity', true),
       current_setting('app.current_org', true),
       current_setting('app.bypass_rls', true))`
)

// defaultClearTimeout bounds the clear and probe statements, which run even after the caller's context is done.
const defaultClearTimeout = 2 * time.Second

// Op is a unit of work run under a bound scope.
type Op func(ctx context.Context, s *Session) error

// Binder runs operations on pooled connections with caller-scoped markers bound.
// It cannot bind the bypass marker; see SystemBinder.
type Binder struct {
	db           *sqlx.DB
	log          *zap.Logger
	clearTimeout time.Duration
	onDiscard    func(cause error)
}

// NewBinder returns a Binder over db. log may be nil.
func NewBinder(db *sqlx.DB, log *zap.Logger) *Binder {
	return &Binder{db: db, log: logger.OrNop(log), clearTimeout: defaultClearTimeout}
}

// OnDiscard registers fn to be called whenever a connection is discarded instead of pooled.
func (b *Binder) OnDiscard(fn func(cause error)) { b.onDiscard = fn }

// WithContext runs op with the identity and organization of sc bound to the connection.
func (b *Binder) WithContext(ctx context.Context, sc Scoped, op Op) error {
	if sc == nil {
		return errIncompleteScope
	}
	scope := sc.StorageScope()
	if scope.IdentityID == "" || scope.OrgID == "" || scope.bypass {
		return errIncompleteScope
	}
	return b.run(ctx, scope, op)
}

// WithIdentity runs op with only the caller identity bound. Policies then expose the caller's own
// memberships across organizations; it is used to resolve which organization a request runs in.
func (b *Binder) WithIdentity(ctx context.Context, identityID string, op Op) error {
	if identityID == "" {
		return errors.New("rls: identity is required")
	}
	return b.run(ctx, Scope{IdentityID: identityID}, op)
}

func (b *Binder) run(ctx context.Context, scope Scope, op Op) error {
	conn, err := b.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("rls: acquire: %w", err)
	}
	defer b.release(ctx, conn)

	identity, org, bypass := scope.markers()
	if _, err := conn.ExecContext(ctx, bindQuery, identity, org, bypass); err != nil {
		return fmt.Errorf("rls: bind: %w", err)
	}
	return op(ctx, &Session{conn: conn, scope: scope})
}

// release clears every marker and verifies the connection is clean before handing it back to the pool.
// Any failure discards the connection.
func (b *Binder) release(ctx context.Context, conn *sqlx.Conn) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.clearTimeout)
	defer cancel()

	if _, err := conn.ExecContext(cctx, clearQuery); err != nil {
		b.discard(conn, fmt.Errorf("clear: %w", err))
		return
	}
	var left string
	if err := conn.GetContext(cctx, &left, probeQuery); err != nil {
		b.discard(conn, fmt.Errorf("probe: %w", err))
		return
	}
	if left != "" {
		b.discard(conn, errors.New("probe: marker still bound"))
		return
	}
	_ = conn.Close()
}

func (b *Binder) discard(conn *sqlx.Conn, cause error) {
	b.log.Warn("rls: discarding connection", zap.Error(cause))
	// Returning ErrBadConn from Raw makes database/sql close the driver connection instead of pooling it.
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
	if b.onDiscard != nil {
		b.onDiscard(cause)
	}
}
