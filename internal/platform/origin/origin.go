// Package origin tags a context with the kind of entry point that created it.
// End-user transports (HTTP API, gRPC) mark their request contexts; system entry points
// (worker, cron, CLI, webhook receiver) never do. The storage binder refuses the elevated
// bypass marker for marked contexts.
package origin

import "context"

type contextKey struct{ name string }

var endUserKey = contextKey{"end_user_request"}

// MarkEndUser returns a copy of ctx flagged as serving an end-user request. The flag cannot be removed
// from ctx or any context derived from it.
func MarkEndUser(ctx context.Context) context.Context {
	return context.WithValue(ctx, endUserKey, true)
}

// IsEndUser reports whether ctx, or any parent of it, was marked by MarkEndUser.
func IsEndUser(ctx context.Context) bool {
	v, _ := ctx.Value(endUserKey).(bool)
	return v
}
