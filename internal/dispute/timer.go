package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/leader"
	"github.com/mbd888/arbiter/internal/metrics"
)

const expiryLockKey = "arbiter:expiry"

// ExpiryTimer periodically forces the transitions whose deadlines passed:
// negotiations past their deadline are escalated and undecided arbitrations
// past their deadline are closed.
type ExpiryTimer struct {
	lifecycle *LifecycleService
	store     Store
	locker    leader.Locker
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewExpiryTimer creates a new expiry timer.
func NewExpiryTimer(lifecycle *LifecycleService, store Store, logger *slog.Logger) *ExpiryTimer {
	return &ExpiryTimer{
		lifecycle: lifecycle,
		store:     store,
		locker:    leader.NewLocalLocker(),
		interval:  5 * time.Minute,
		batchSize: 100,
		now:       time.Now,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// WithInterval sets the scan interval.
func (t *ExpiryTimer) WithInterval(d time.Duration) *ExpiryTimer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithBatchSize caps the number of disputes handled per scan.
func (t *ExpiryTimer) WithBatchSize(n int) *ExpiryTimer {
	if n > 0 {
		t.batchSize = n
	}
	return t
}

// WithLocker makes the timer single-active across replicas.
func (t *ExpiryTimer) WithLocker(l leader.Locker) *ExpiryTimer {
	t.locker = l
	return t
}

// WithClock replaces the time source. Used by tests.
func (t *ExpiryTimer) WithClock(now func() time.Time) *ExpiryTimer {
	t.now = now
	return t
}

// Running reports whether the timer loop is actively running.
func (t *ExpiryTimer) Running() bool {
	return t.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
func (t *ExpiryTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRunOnce(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *ExpiryTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *ExpiryTimer) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ExpiryScansTotal.WithLabelValues("all", "panic").Inc()
			t.logger.Error("panic in expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, _, err := t.RunOnce(ctx); err != nil {
		t.logger.Warn("expiry scan failed", "error", err)
	}
}

// RunOnce performs both scans if this replica holds the expiry lock. It
// returns how many disputes were escalated and closed.
func (t *ExpiryTimer) RunOnce(ctx context.Context) (escalated, closed int, err error) {
	unlock, ok, err := t.locker.TryLock(ctx, expiryLockKey)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire expiry lock: %w", err)
	}
	if !ok {
		metrics.ExpiryScansTotal.WithLabelValues("all", "skipped").Inc()
		t.logger.Debug("expiry scan skipped, lock held elsewhere")
		return 0, 0, nil
	}
	defer unlock()

	escalated, errN := t.MarkExpiredNegotiations(ctx)
	closed, errA := t.MarkExpiredArbitrations(ctx)
	return escalated, closed, errors.Join(errN, errA)
}

// MarkExpiredNegotiations escalates negotiating disputes whose negotiation
// deadline has passed. Per-dispute failures are logged and skipped; the
// next scan retries them.
func (t *ExpiryTimer) MarkExpiredNegotiations(ctx context.Context) (int, error) {
	now := t.now().UTC()
	expired, err := t.store.ListExpiredNegotiations(ctx, now, t.batchSize)
	if err != nil {
		metrics.ExpiryScansTotal.WithLabelValues("negotiation", "error").Inc()
		return 0, fmt.Errorf("list expired negotiations: %w", err)
	}

	n := 0
	for _, d := range expired {
		_, changed, err := t.lifecycle.escalate(ctx, identity.System(), d.ID, &now)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				t.logger.Debug("dispute moved on before escalation", "dispute_id", d.ID, "error", err)
				continue
			}
			t.logger.Warn("failed to escalate expired negotiation", "dispute_id", d.ID, "error", err)
			continue
		}
		if changed {
			n++
			metrics.DisputesExpiredTotal.WithLabelValues("negotiation").Inc()
			t.logger.Info("escalated expired negotiation",
				"dispute_id", d.ID, "order_id", d.OrderID, "deadline", d.NegotiationDeadline)
		}
	}
	metrics.ExpiryScansTotal.WithLabelValues("negotiation", "ok").Inc()
	return n, nil
}

// MarkExpiredArbitrations closes arbitrating disputes that passed their
// arbitration deadline without a decision.
func (t *ExpiryTimer) MarkExpiredArbitrations(ctx context.Context) (int, error) {
	now := t.now().UTC()
	expired, err := t.store.ListExpiredArbitrations(ctx, now, t.batchSize)
	if err != nil {
		metrics.ExpiryScansTotal.WithLabelValues("arbitration", "error").Inc()
		return 0, fmt.Errorf("list expired arbitrations: %w", err)
	}

	n := 0
	for _, d := range expired {
		_, changed, err := t.lifecycle.close(ctx, identity.System(), d.ID, CloseReasonArbitrationTimeout, &now)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				t.logger.Debug("dispute moved on before timeout", "dispute_id", d.ID, "error", err)
				continue
			}
			t.logger.Warn("failed to close expired arbitration", "dispute_id", d.ID, "error", err)
			continue
		}
		if changed {
			n++
			metrics.DisputesExpiredTotal.WithLabelValues("arbitration").Inc()
			t.logger.Info("closed expired arbitration",
				"dispute_id", d.ID, "arbitrator_id", d.ArbitratorID, "deadline", d.ArbitrationDeadline)
		}
	}
	metrics.ExpiryScansTotal.WithLabelValues("arbitration", "ok").Inc()
	return n, nil
}
