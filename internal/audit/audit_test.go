package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"tenant-control-plane/internal/audit/domain"
)

func TestNew_DefaultsSentinelOrg(t *testing.T) {
	rec := New(EventSyncRejected, EntityEvent, "msg_1", "")
	if rec.OrgID != domain.SentinelOrgID {
		t.Errorf("OrgID = %q, want %q", rec.OrgID, domain.SentinelOrgID)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Errorf("New should set id and time: %+v", rec)
	}
	if rec.Metadata == nil {
		t.Error("Metadata should be initialised")
	}
}

func TestDigest(t *testing.T) {
	a := Digest([]byte(`{"type":"membership.created"}`))
	b := Digest([]byte(`{"type":"membership.created"}`))
	c := Digest([]byte(`{"type":"membership.updated"}`))
	if a != b {
		t.Error("Digest must be deterministic")
	}
	if a == c {
		t.Error("Digest of different payloads should differ")
	}
	if len(a) != 64 {
		t.Errorf("len(Digest) = %d, want 64 hex chars", len(a))
	}
	if Digest(nil) != "" {
		t.Error("Digest(nil) should be empty")
	}
}

func TestFanout_MirrorFailureDoesNotFailPrimary(t *testing.T) {
	primary := NewMemorySink()
	broken := NewMemorySink()
	broken.FailWith(errors.New("loki down"))
	var mirrorErr error
	f := NewFanout(primary, func(err error) { mirrorErr = err }, broken)

	if err := f.Append(context.Background(), New(EventSyncOutcome, EntityMembership, "m1", "org_a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if primary.Count("") != 1 {
		t.Errorf("primary count = %d, want 1", primary.Count(""))
	}
	if mirrorErr == nil {
		t.Error("mirror error should be reported")
	}
}

func TestFanout_PrimaryFailureIsReturned(t *testing.T) {
	primary := NewMemorySink()
	primary.FailWith(errors.New("db down"))
	mirror := NewMemorySink()
	f := NewFanout(primary, nil, mirror)
	if err := f.Append(context.Background(), New(EventSyncOutcome, EntityMembership, "m1", "org_a")); err == nil {
		t.Fatal("Append should fail when primary fails")
	}
	if mirror.Count("") != 0 {
		t.Error("mirror must not receive records the primary rejected")
	}
}

func TestScope_AnnotatesBypassJobs(t *testing.T) {
	ctx, sc := WithScope(context.Background())
	if ScopeFrom(ctx) != sc {
		t.Fatal("ScopeFrom should return the scope")
	}
	sc.NoteBypass("identity-sync")
	sc.NoteBypass("identity-sync")
	sc.NoteBypass("bootstrap")
	rec := New(EventSyncOutcome, EntityMembership, "m1", "org_a")
	sc.Annotate(rec)
	if got := rec.Metadata["bypass_jobs"]; got != "bootstrap,identity-sync" {
		t.Errorf("bypass_jobs = %q, want %q", got, "bootstrap,identity-sync")
	}
	if ScopeFrom(context.Background()) != nil {
		t.Error("ScopeFrom without scope should be nil")
	}
}

func waitForCount(t *testing.T, sink *MemorySink, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Count("") == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink count = %d, want %d", sink.Count(""), want)
}

func TestDecisionLogger_DenialsAlwaysAllowsOptional(t *testing.T) {
	sink := NewMemorySink()
	l := NewDecisionLogger(sink, nil, false, func(context.Context) string { return "10.0.0.1" })
	ctx, cancel := context.WithCancel(context.Background())
	l.LogDecision(ctx, Decision{Actor: "u1", OrgID: "org_a", Action: "GET", Resource: "/v1/billing", Allowed: true})
	l.LogDecision(ctx, Decision{Actor: "u1", OrgID: "org_a", Action: "GET", Resource: "/v1/billing", Reason: "forbidden"})
	cancel()
	waitForCount(t, sink, 1)
	rec := sink.Records()[0]
	if rec.Success || rec.Reason != "forbidden" || rec.Metadata["ip"] != "10.0.0.1" {
		t.Errorf("unexpected record: %+v", rec)
	}

	all := NewMemorySink()
	l = NewDecisionLogger(all, nil, true, nil)
	l.LogDecision(context.Background(), Decision{Actor: "u1", OrgID: "org_a", Allowed: true})
	waitForCount(t, all, 1)
	if all.Records()[0].Metadata["ip"] != "unknown" {
		t.Error("ip should default to unknown")
	}
}

func TestAppendAsync_NilIsNoop(t *testing.T) {
	AppendAsync(context.Background(), nil, nil, New(EventSyncOutcome, EntityMembership, "m", "o"))
	AppendAsync(context.Background(), nil, NewMemorySink(), nil)
}
