package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/orders"
)

// OrderDirectory resolves the buyer and seller of an order.
type OrderDirectory interface {
	Participants(ctx context.Context, orderID string) (orders.Participants, error)
}

// env is shared by the four services of an Engine.
type env struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

func (e *env) clock() time.Time {
	return e.now().UTC()
}

// Engine wires the dispute services over one store so transitions that
// touch two records commit together.
type Engine struct {
	env *env

	Lifecycle   *LifecycleService
	Negotiation *NegotiationService
	Evidence    *EvidenceService
	Arbitration *ArbitrationService
}

// NewEngine creates the dispute services.
func NewEngine(store Store, directory OrderDirectory, policy Policy, logger *slog.Logger) *Engine {
	e := &env{store: store, policy: policy, now: time.Now, logger: logger}
	return &Engine{
		env:         e,
		Lifecycle:   &LifecycleService{env: e, directory: directory},
		Negotiation: &NegotiationService{env: e},
		Evidence:    &EvidenceService{env: e},
		Arbitration: &ArbitrationService{env: e},
	}
}

// WithClock replaces the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.env.now = now
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() Store {
	return e.env.store
}

// transition moves d to status, bumps its version, persists it and appends
// the matching timeline event, all inside tx.
func transition(ctx context.Context, tx Tx, d *Dispute, to Status, event EventType, actorID string, now time.Time) error {
	d.Status = to
	return touch(ctx, tx, d, event, actorID, now)
}

// touch persists a change to d that keeps its status and records event.
func touch(ctx context.Context, tx Tx, d *Dispute, event EventType, actorID string, now time.Time) error {
	d.UpdatedAt = now
	d.Version++
	if err := tx.UpdateDispute(ctx, d); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, newEvent(d, event, actorID, now))
}

func newEvent(d *Dispute, event EventType, actorID string, now time.Time) *Event {
	return &Event{
		ID:        fmt.Sprintf("%s:%s:%d", d.ID, event, d.Version),
		DisputeID: d.ID,
		Type:      event,
		ActorID:   actorID,
		Status:    d.Status,
		CreatedAt: now,
	}
}

// recordTransition updates counters once a unit of work has committed.
func recordTransition(d *Dispute, event EventType) {
	metrics.DisputeTransitionsTotal.WithLabelValues(string(event)).Inc()
	if d.Status.IsTerminal() {
		end := d.UpdatedAt
		metrics.DisputeDuration.WithLabelValues(string(d.Status)).Observe(end.Sub(d.CreatedAt).Seconds())
	}
}

// canView: participants, the assigned arbitrator, admins, operators and the
// engine itself may read a dispute.
func canView(a identity.Actor, d *Dispute) bool {
	if d.IsParticipant(a.ID) {
		return true
	}
	if d.ArbitratorID != "" && a.ID == d.ArbitratorID {
		return true
	}
	return a.IsAdmin() || a.Has(identity.RoleOperator) || a.IsSystem()
}

// canDrive: participants, admins and the engine may escalate or close.
func canDrive(a identity.Actor, d *Dispute) bool {
	return d.IsParticipant(a.ID) || a.IsAdmin() || a.IsSystem()
}

// viewable loads a dispute and checks read access.
func (e *env) viewable(ctx context.Context, actor identity.Actor, id string) (*Dispute, error) {
	d, err := e.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, d) {
		return nil, denied("actor %s may not view dispute %s", actor.ID, id)
	}
	return d, nil
}
