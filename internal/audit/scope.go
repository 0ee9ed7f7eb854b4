package audit

import (
	"context"
	"sort"
	"strings"
	"sync"

	"tenant-control-plane/internal/audit/domain"
)

type scopeKey struct{}

// Scope collects facts about one unit of work (an event apply, an admin operation) so they land in the
// single record written for it instead of separate records. Bypass sessions opened inside a scope are
// noted here.
type Scope struct {
	mu         sync.Mutex
	bypassJobs map[string]int
}

// WithScope returns ctx carrying a new Scope.
func WithScope(ctx context.Context) (context.Context, *Scope) {
	s := &Scope{bypassJobs: map[string]int{}}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// ScopeFrom returns the Scope carried by ctx, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// NoteBypass records one bypass session opened for job.
func (s *Scope) NoteBypass(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bypassJobs[job]++
}

// BypassJobs returns the distinct jobs that opened bypass sessions, sorted.
func (s *Scope) BypassJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bypassJobs))
	for j := range s.bypassJobs {
		out = append(out, j)
	}
	sort.Strings(out)
	return out
}

// Annotate copies the scope's facts into rec.Metadata.
func (s *Scope) Annotate(rec *domain.Record) {
	if s == nil || rec == nil {
		return
	}
	jobs := s.BypassJobs()
	if len(jobs) == 0 {
		return
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	rec.Metadata["bypass_jobs"] = strings.Join(jobs, ",")
}
