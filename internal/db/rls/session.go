package rls

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Querier is the query surface shared by a Session and a transaction opened on it.
// Repositories accept a Querier so they run unchanged inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

// Session is a connection borrowed under one Scope. It is valid only inside the operation it was passed to.
type Session struct {
	conn  *sqlx.Conn
	scope Scope
}

// Scope returns the markers bound to this session.
func (s *Session) Scope() Scope { return s.scope }

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *Session) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return s.conn.GetContext(ctx, dest, query, args...)
}

func (s *Session) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return s.conn.SelectContext(ctx, dest, query, args...)
}

func (s *Session) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	return s.conn.QueryRowxContext(ctx, query, args...)
}

// InTx runs fn in a transaction on the session's connection. The transaction is committed when fn
// returns nil and rolled back otherwise, including when fn panics.
func (s *Session) InTx(ctx context.Context, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := s.conn.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("rls: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rls: commit: %w", err)
	}
	committed = true
	return nil
}
