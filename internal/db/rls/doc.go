// Package rls binds a caller's security scope to a pooled Postgres connection for the lifetime of
// one logical operation, so row-level security policies filter every query the operation runs.
//
// A borrow goes through four steps on every exit path, including panics:
//
//	acquire connection -> set markers -> run operation -> clear markers and probe
//
// If clearing or the probe fails the connection is discarded from the pool instead of being
// returned. Callers never see the raw connection; they receive a Session scoped to the borrow
// and must not retain it after the operation returns, nor hold it across unrelated external calls.
package rls
