package idpsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/db/rls"
	identityrepo "tenant-control-plane/internal/identity/repository"
	memberdomain "tenant-control-plane/internal/membership/domain"
	memberrepo "tenant-control-plane/internal/membership/repository"
	"tenant-control-plane/internal/membership/service"
	orgrepo "tenant-control-plane/internal/organization/repository"
	"tenant-control-plane/internal/policy/engine"
)

const testSecret = "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// serialRunner runs one transaction at a time against in-memory stores, failing the first
// len(failures) attempts with the queued errors.
type serialRunner struct {
	mu       sync.Mutex
	calls    int
	failures []error
}

func (r *serialRunner) InTx(ctx context.Context, _ *sql.TxOptions, fn rls.TxFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return err
	}
	return fn(ctx, nil)
}

// crashingRunner stands in for a process that dies inside the transaction.
type crashingRunner struct{}

func (crashingRunner) InTx(context.Context, *sql.TxOptions, rls.TxFunc) error {
	panic("worker killed")
}

type fixture struct {
	sync       *Synchronizer
	runner     *serialRunner
	members    *memberrepo.MemoryRepository
	orgs       *orgrepo.MemoryRepository
	identities *identityrepo.MemoryRepository
	sink       *audit.MemorySink
	verifier   *Verifier
	deliveries *MemoryDeliveryLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy, err := engine.NewOPAEvaluator(context.Background(), engine.BootstrapConfig{
		FirstMemberRole: memberdomain.RoleAdmin,
		DefaultRole:     memberdomain.RoleStaff,
		Sources:         []memberdomain.Source{memberdomain.SourceIdentityProvider},
	}, "", nil)
	require.NoError(t, err)
	verifier, err := NewVerifier(testSecret, time.Minute)
	require.NoError(t, err)

	f := &fixture{
		runner:     &serialRunner{},
		members:    memberrepo.NewMemoryRepository(),
		identities: identityrepo.NewMemoryRepository(),
		sink:       audit.NewMemorySink(),
		verifier:   verifier,
		deliveries: NewMemoryDeliveryLog(0),
	}
	f.orgs = orgrepo.NewMemoryRepository(f.members)
	applier := service.NewApplier(func(rls.Querier) memberrepo.Repository { return f.members }, policy)
	stores := Stores{
		Identities:    func(rls.Querier) identityrepo.Repository { return f.identities },
		Organizations: func(rls.Querier) orgrepo.Repository { return f.orgs },
	}
	f.sync = NewSynchronizer(verifier, f.runner, applier, stores, f.sink, Options{
		Retry:        RetryConfig{MaxAttempts: 3, Initial: time.Millisecond, Max: 4 * time.Millisecond},
		EventTimeout: 5 * time.Second,
		Deliveries:   f.deliveries,
	})
	return f
}

// envelope encodes an event envelope with data.
func envelope(t *testing.T, typ string, data map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "data": data, "object": "event"})
	require.NoError(t, err)
	return b
}

func nestedMembership(identity, org, role string, updated time.Time) map[string]any {
	return map[string]any{
		"id":               "orgmem_" + identity + "_" + org,
		"role":             role,
		"organization":     map[string]any{"id": org, "name": "Org " + org, "slug": org},
		"public_user_data": map[string]any{"user_id": identity, "identifier": identity + "@example.com"},
		"updated_at":       updated.UnixMilli(),
	}
}

// signed returns headers for a fresh delivery of body.
func (f *fixture) signed(id string, body []byte) http.Header {
	return f.verifier.SignedHeaders(id, time.Now(), body)
}

func (f *fixture) receive(t *testing.T, id string, body []byte) (Result, error) {
	t.Helper()
	return f.sync.Receive(context.Background(), f.signed(id, body), body)
}
