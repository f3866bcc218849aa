package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is how long a delivered fact id is remembered.
const DefaultDedupTTL = 7 * 24 * time.Hour

// DefaultLease bounds how long an in-flight claim blocks other senders. A
// sender that dies mid-delivery frees the id once the lease runs out.
const DefaultLease = time.Minute

// ErrInFlight is returned when another sender holds the claim for a fact.
// The caller should retry later rather than treat the fact as delivered.
var ErrInFlight = errors.New("notify: fact delivery in flight")

// ClaimState is the outcome of Deduper.Claim.
type ClaimState int

const (
	// Claimed means the caller now holds the in-flight lease.
	Claimed ClaimState = iota
	// Delivered means the fact was already sent.
	Delivered
	// InFlight means another sender holds an unexpired lease.
	InFlight
)

// Deduper tracks fact ids through claim, delivery and release.
type Deduper interface {
	// Claim takes a short lease on id unless it is leased or delivered.
	Claim(ctx context.Context, id string) (ClaimState, error)
	// Complete records id as delivered for the dedup TTL.
	Complete(ctx context.Context, id string) error
	// Release drops the lease so a failed delivery can be retried.
	Release(ctx context.Context, id string) error
}

// Deduplicating wraps a Notifier so each fact id is delivered once per TTL.
type Deduplicating struct {
	next    Notifier
	deduper Deduper
}

// NewDeduplicating wraps next with deduper.
func NewDeduplicating(next Notifier, deduper Deduper) *Deduplicating {
	return &Deduplicating{next: next, deduper: deduper}
}

// Notify only reports success for a fact that some sender actually
// delivered. Bookkeeping after the send ignores cancellation of ctx.
func (d *Deduplicating) Notify(ctx context.Context, f Fact) error {
	state, err := d.deduper.Claim(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("claim fact %s: %w", f.ID, err)
	}
	switch state {
	case Delivered:
		metrics.NotificationsTotal.WithLabelValues("duplicate").Inc()
		return nil
	case InFlight:
		return fmt.Errorf("fact %s: %w", f.ID, ErrInFlight)
	}

	bookkeeping := context.WithoutCancel(ctx)
	if err := d.next.Notify(ctx, f); err != nil {
		if rerr := d.deduper.Release(bookkeeping, f.ID); rerr != nil {
			return fmt.Errorf("%w (release: %v)", err, rerr)
		}
		return err
	}
	// The fact is out. If Complete fails the lease expires and a retry may
	// send it again, which at-least-once delivery allows.
	if err := d.deduper.Complete(bookkeeping, f.ID); err != nil {
		metrics.NotificationsTotal.WithLabelValues("complete_failed").Inc()
	}
	return nil
}

type dedupEntry struct {
	delivered bool
	expires   time.Time
}

// MemoryDeduper keeps fact ids in process memory. Only correct for a
// single replica.
type MemoryDeduper struct {
	mu        sync.Mutex
	entries   map[string]dedupEntry
	ttl       time.Duration
	lease     time.Duration
	sweepEach time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryDeduper creates a deduper that forgets delivered ids after ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduper{
		entries:   make(map[string]dedupEntry),
		ttl:       ttl,
		lease:     DefaultLease,
		sweepEach: time.Minute,
		now:       time.Now,
	}
}

// WithLease overrides the in-flight lease.
func (m *MemoryDeduper) WithLease(d time.Duration) *MemoryDeduper {
	if d > 0 {
		m.lease = d
	}
	return m
}

func (m *MemoryDeduper) Claim(_ context.Context, id string) (ClaimState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweep(now)
	if e, ok := m.entries[id]; ok && now.Before(e.expires) {
		if e.delivered {
			return Delivered, nil
		}
		return InFlight, nil
	}
	m.entries[id] = dedupEntry{expires: now.Add(m.lease)}
	return Claimed, nil
}

func (m *MemoryDeduper) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	m.entries[id] = dedupEntry{delivered: true, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryDeduper) Release(_ context.Context, id string) error {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok && !e.delivered {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	return nil
}

// maybeSweep drops expired entries at most once per sweepEach. Caller holds mu.
func (m *MemoryDeduper) maybeSweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.sweepEach {
		return
	}
	m.lastSweep = now
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

const (
	leaseValue     = "inflight"
	deliveredValue = "delivered"
)

// releaseScript deletes the key only while it still holds a lease, so a
// late Release cannot erase a delivered marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisDeduper shares claims across replicas. Leases are SET NX with a
// short expiry; delivered ids are overwritten with the full TTL.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	lease  time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, prefix: "arbiter:fact:", ttl: ttl, lease: DefaultLease}
}

func (r *RedisDeduper) Claim(ctx context.Context, id string) (ClaimState, error) {
	key := r.prefix + id
	ok, err := r.client.SetNX(ctx, key, leaseValue, r.lease).Result()
	if err != nil {
		return 0, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return Claimed, nil
	}
	val, err := r.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET; report in flight and let the caller retry.
		return InFlight, nil
	case err != nil:
		return 0, fmt.Errorf("redis get: %w", err)
	case val == deliveredValue:
		return Delivered, nil
	default:
		return InFlight, nil
	}
}

func (r *RedisDeduper) Complete(ctx context.Context, id string) error {
	if err := r.client.Set(ctx, r.prefix+id, deliveredValue, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisDeduper) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + id}, leaseValue).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
