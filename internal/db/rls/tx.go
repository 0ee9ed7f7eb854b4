package rls

import (
	"context"
	"database/sql"
)

// TxFunc is a unit of work run inside one transaction on a bound session.
type TxFunc func(ctx context.Context, q Querier) error

// InTx binds the identity and organization of sc and runs fn in a transaction on that connection.
func (b *Binder) InTx(ctx context.Context, sc Scoped, opts *sql.TxOptions, fn TxFunc) error {
	return b.WithContext(ctx, sc, func(ctx context.Context, s *Session) error {
		return s.InTx(ctx, opts, fn)
	})
}

// InTx binds the bypass marker and runs fn in a transaction on that connection.
// Auditing and end-user refusal follow WithSystemBypass.
func (s *SystemBinder) InTx(ctx context.Context, opts *sql.TxOptions, fn TxFunc) error {
	return s.WithSystemBypass(ctx, func(ctx context.Context, sess *Session) error {
		return sess.InTx(ctx, opts, fn)
	})
}
