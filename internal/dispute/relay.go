package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/arbiter/internal/leader"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/notify"
)

const relayLockKey = "arbiter:relay"

// Notifier receives lifecycle facts. It must tolerate duplicates.
type Notifier interface {
	Notify(ctx context.Context, f notify.Fact) error
}

// EventRelay publishes timeline events written by committed transitions.
// Events are marked delivered only after the notifier accepts them, so
// delivery is at least once.
type EventRelay struct {
	store     Store
	notifier  Notifier
	locker    leader.Locker
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewEventRelay creates a relay with a 10s interval.
func NewEventRelay(store Store, notifier Notifier, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		store:     store,
		notifier:  notifier,
		locker:    leader.NewLocalLocker(),
		interval:  10 * time.Second,
		batchSize: 100,
		now:       time.Now,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// WithInterval sets the flush interval.
func (r *EventRelay) WithInterval(d time.Duration) *EventRelay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithBatchSize caps the events read per flush.
func (r *EventRelay) WithBatchSize(n int) *EventRelay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithLocker makes the relay single-active across replicas.
func (r *EventRelay) WithLocker(l leader.Locker) *EventRelay {
	r.locker = l
	return r
}

// Running reports whether the relay loop is actively running.
func (r *EventRelay) Running() bool {
	return r.running.Load()
}

// Start begins the relay loop. Call in a goroutine.
func (r *EventRelay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeFlush(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *EventRelay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *EventRelay) safeFlush(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in event relay", "panic", fmt.Sprint(rec))
		}
	}()
	if _, err := r.Flush(ctx); err != nil {
		r.logger.Warn("event relay flush failed", "error", err)
	}
}

// Flush delivers one batch of undelivered events, oldest first, and returns
// how many were delivered. When an event fails, the remaining events of the
// same dispute wait for the next flush so facts stay in order per dispute.
func (r *EventRelay) Flush(ctx context.Context) (int, error) {
	unlock, ok, err := r.locker.TryLock(ctx, relayLockKey)
	if err != nil {
		return 0, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer unlock()

	events, err := r.store.ListUndeliveredEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list undelivered events: %w", err)
	}
	metrics.OutboxBacklog.Set(float64(len(events)))

	blocked := make(map[string]bool)
	delivered := 0
	for _, ev := range events {
		if blocked[ev.DisputeID] {
			continue
		}
		if err := r.notifier.Notify(ctx, factOf(ev)); err != nil {
			blocked[ev.DisputeID] = true
			r.logger.Warn("failed to deliver dispute fact",
				"event_id", ev.ID, "dispute_id", ev.DisputeID, "error", err)
			continue
		}
		if err := r.store.MarkEventDelivered(ctx, ev.ID, r.now().UTC()); err != nil {
			blocked[ev.DisputeID] = true
			r.logger.Warn("failed to mark fact delivered", "event_id", ev.ID, "error", err)
			continue
		}
		delivered++
	}
	metrics.OutboxBacklog.Set(float64(len(events) - delivered))
	return delivered, nil
}

func factOf(ev *Event) notify.Fact {
	return notify.Fact{
		ID:         ev.ID,
		Type:       string(ev.Type),
		DisputeID:  ev.DisputeID,
		ActorID:    ev.ActorID,
		Status:     string(ev.Status),
		OccurredAt: ev.CreatedAt,
	}
}
