package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrUnauthenticated, "unauthenticated"},
		{fmt.Errorf("resolve: %w", ErrNoTenant), "no_tenant"},
		{fmt.Errorf("resolve: %w", ErrTenantInactive), "tenant_inactive"},
		{ErrForbidden, "forbidden"},
		{fmt.Errorf("apply: %w", ErrSyncConflict), "sync_conflict"},
		{ErrSyncRejected, "sync_rejected"},
		{ErrBypassMisuse, "bypass_misuse"},
		{fmt.Errorf("member u1: %w", ErrNotFound), "not_found"},
		{fmt.Errorf("role %q: %w", "root", ErrInvalidArgument), "invalid_argument"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestMessage_DoesNotLeakWrappedDetail(t *testing.T) {
	err := fmt.Errorf("org org-b-secret: %w", ErrForbidden)
	if got := Message(err); got != "not permitted" {
		t.Errorf("Message = %q, want %q", got, "not permitted")
	}
	if got := Message(errors.New("pq: relation org-b does not exist")); got != "internal error" {
		t.Errorf("Message = %q, want %q", got, "internal error")
	}
}
