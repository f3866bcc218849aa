// Package notify delivers dispute lifecycle facts to the outside world.
//
// Facts are delivered at least once. Every fact carries a deterministic id,
// so a Deduplicating notifier can drop repeats caused by relay retries or
// by two replicas racing on the same transition.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Fact is one lifecycle notification.
type Fact struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	DisputeID  string    `json:"disputeId"`
	ActorID    string    `json:"actorId"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier delivers a fact. Implementations must tolerate seeing the same
// fact more than once.
type Notifier interface {
	Notify(ctx context.Context, f Fact) error
}

// LogNotifier writes facts to the log. Used when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, f Fact) error {
	l.logger.Info("dispute fact",
		"fact_id", f.ID,
		"type", f.Type,
		"dispute_id", f.DisputeID,
		"actor_id", f.ActorID,
		"status", f.Status,
	)
	return nil
}

// Multi fans a fact out to every notifier. All are attempted; the joined
// error is returned.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, f Fact) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
