package audit

import (
	"context"
	"errors"
	"sync"

	"tenant-control-plane/internal/audit/domain"
)

// Sink appends audit records. Implementations must never update or delete what they stored.
type Sink interface {
	Append(ctx context.Context, rec *domain.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *domain.Record) error

func (f SinkFunc) Append(ctx context.Context, rec *domain.Record) error { return f(ctx, rec) }

// Fanout writes each record to a primary sink and mirrors it to secondary sinks.
// Only the primary's error is returned; mirror failures are reported through onMirrorError.
type Fanout struct {
	primary       Sink
	mirrors       []Sink
	onMirrorError func(error)
}

// NewFanout returns a Fanout. onMirrorError may be nil.
func NewFanout(primary Sink, onMirrorError func(error), mirrors ...Sink) *Fanout {
	return &Fanout{primary: primary, mirrors: mirrors, onMirrorError: onMirrorError}
}

func (f *Fanout) Append(ctx context.Context, rec *domain.Record) error {
	if f.primary == nil {
		return errors.New("audit: no primary sink")
	}
	if err := f.primary.Append(ctx, rec); err != nil {
		return err
	}
	for _, m := range f.mirrors {
		if err := m.Append(ctx, rec); err != nil && f.onMirrorError != nil {
			f.onMirrorError(err)
		}
	}
	return nil
}

// MemorySink keeps records in memory. Used by tests and the CLI dry-run mode.
type MemorySink struct {
	mu      sync.Mutex
	records []domain.Record
	err     error
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, rec *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, *rec)
	return nil
}

// FailWith makes subsequent Append calls return err. Pass nil to recover.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Records returns a copy of the stored records in append order.
func (m *MemorySink) Records() []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Record(nil), m.records...)
}

// Count returns how many stored records have the given event type. Empty eventType counts all.
func (m *MemorySink) Count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if eventType == "" || r.EventType == eventType {
			n++
		}
	}
	return n
}
