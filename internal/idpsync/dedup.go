package idpsync

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is how long a delivery id is remembered. It exceeds the provider's retry horizon.
const DefaultDedupTTL = 72 * time.Hour

// DeliveryLog remembers delivery ids whose events reached a terminal outcome, so redelivered
// envelopes are skipped before touching storage. Ids are marked only after handling finishes; a
// delivery that dies mid-flight leaves nothing behind and its redelivery is processed again.
// Concurrent duplicates both pass Seen and converge through the idempotent apply.
type DeliveryLog interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// RedisDeliveryLog keeps handled ids in Redis with a TTL, shared by every replica.
type RedisDeliveryLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeliveryLog returns a log over client. ttl <= 0 selects DefaultDedupTTL.
func NewRedisDeliveryLog(client *redis.Client, ttl time.Duration) *RedisDeliveryLog {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeliveryLog{client: client, prefix: "idpsync:delivery:", ttl: ttl}
}

func (l *RedisDeliveryLog) Seen(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+id).Result()
	return n > 0, err
}

func (l *RedisDeliveryLog) Mark(ctx context.Context, id string) error {
	return l.client.Set(ctx, l.prefix+id, time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}

// MemoryDeliveryLog is a process-local DeliveryLog for single-replica deployments and tests.
type MemoryDeliveryLog struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

// NewMemoryDeliveryLog returns an empty log. ttl <= 0 selects DefaultDedupTTL.
func NewMemoryDeliveryLog(ttl time.Duration) *MemoryDeliveryLog {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeliveryLog{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (l *MemoryDeliveryLog) Seen(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.seen[id]
	return ok && l.now().Before(exp), nil
}

func (l *MemoryDeliveryLog) Mark(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.seen[id] = now.Add(l.ttl)
	if len(l.seen) > 10000 {
		for k, exp := range l.seen {
			if !now.Before(exp) {
				delete(l.seen, k)
			}
		}
	}
	return nil
}
