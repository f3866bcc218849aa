package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/orders"
	"github.com/mbd888/arbiter/internal/pagination"
	"github.com/mbd888/arbiter/internal/traces"
	"github.com/mbd888/arbiter/internal/validation"
)

// LifecycleService owns the dispute record and its state machine.
type LifecycleService struct {
	env       *env
	directory OrderDirectory
}

// Submit opens a dispute for an order. The actor must be the buyer or the
// seller; the other party becomes the counterparty.
func (s *LifecycleService) Submit(ctx context.Context, actor identity.Actor, req SubmitRequest) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Submit", traces.OrderID(req.OrderID), traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	req.Reason = validation.SanitizeString(req.Reason)
	if err := check(
		validation.Required("orderId", req.OrderID),
		validation.ValidID("orderId", req.OrderID),
		validation.OneOf("type", string(req.Type), disputeTypes...),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxTextLength),
	); err != nil {
		return nil, err
	}

	parties, err := s.directory.Participants(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			return nil, notFound("order", req.OrderID)
		}
		return nil, fmt.Errorf("order lookup: %w", err)
	}
	if !parties.Has(actor.ID) {
		return nil, denied("actor %s is not a participant of order %s", actor.ID, req.OrderID)
	}

	now := s.env.clock()
	d = &Dispute{
		ID:                  idgen.WithPrefix("dsp_"),
		OrderID:             req.OrderID,
		InitiatorID:         actor.ID,
		CounterpartyID:      parties.Other(actor.ID),
		Type:                req.Type,
		Reason:              req.Reason,
		Status:              StatusNegotiating,
		NegotiationDeadline: now.Add(s.env.policy.NegotiationWindow),
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, newEvent(d, EventSubmitted, actor.ID, now))
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesSubmittedTotal.WithLabelValues(string(d.Type)).Inc()
	recordTransition(d, EventSubmitted)
	logging.L(ctx).Info("dispute submitted",
		"dispute_id", d.ID, "order_id", d.OrderID, "type", d.Type,
		"negotiation_deadline", d.NegotiationDeadline)
	return d, nil
}

// Detail aggregates the dispute with its evidence, messages, arbitration and
// timeline.
func (s *LifecycleService) Detail(ctx context.Context, actor identity.Actor, id string) (*Detail, error) {
	d, err := s.env.viewable(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	out := &Detail{Dispute: d}
	if out.Evidence, err = s.env.store.ListEvidence(ctx, id); err != nil {
		return nil, err
	}
	if out.Messages, err = s.env.store.ListMessages(ctx, id); err != nil {
		return nil, err
	}
	if out.Timeline, err = s.env.store.ListEvents(ctx, id); err != nil {
		return nil, err
	}
	arb, err := s.env.store.GetArbitrationByDispute(ctx, id)
	switch {
	case err == nil:
		out.Arbitration = arb
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return out, nil
}

// Escalate moves a negotiating dispute to pending_arbitration and starts the
// arbitration clock. Escalating a dispute that is already pending
// arbitration succeeds without change.
func (s *LifecycleService) Escalate(ctx context.Context, actor identity.Actor, id string) (*Dispute, error) {
	d, _, err := s.escalate(ctx, actor, id, nil)
	return d, err
}

// escalate performs the transition. When deadline is non-nil the dispute is
// only escalated if its negotiation deadline is before it (timer path).
func (s *LifecycleService) escalate(ctx context.Context, actor identity.Actor, id string, deadline *time.Time) (d *Dispute, changed bool, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Escalate", traces.DisputeID(id), traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	now := s.env.clock()
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		changed = false
		d, err = tx.GetDisputeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !canDrive(actor, d) {
			return denied("actor %s may not escalate dispute %s", actor.ID, id)
		}
		switch d.Status {
		case StatusNegotiating:
		case StatusPendingArbitration:
			if deadline != nil {
				return invalidState(d, "escalate")
			}
			return nil
		default:
			return invalidState(d, "escalate")
		}
		if deadline != nil && !d.NegotiationDeadline.Before(*deadline) {
			return invalidState(d, "escalate before deadline")
		}

		arbDeadline := now.Add(s.env.policy.ArbitrationWindow)
		d.ArbitrationDeadline = &arbDeadline
		changed = true
		return transition(ctx, tx, d, StatusPendingArbitration, EventEscalated, actor.ID, now)
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		recordTransition(d, EventEscalated)
		logging.L(ctx).Info("dispute escalated",
			"dispute_id", d.ID, "by", actor.ID, "arbitration_deadline", d.ArbitrationDeadline)
	}
	return d, changed, nil
}

// Close ends a non-terminal dispute. Closing an already closed dispute
// succeeds without change; a resolved dispute cannot be closed.
func (s *LifecycleService) Close(ctx context.Context, actor identity.Actor, id, reason string) (*Dispute, error) {
	reason = validation.SanitizeString(reason)
	if err := check(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, validation.MaxTextLength),
	); err != nil {
		return nil, err
	}
	d, _, err := s.close(ctx, actor, id, reason, nil)
	return d, err
}

// close performs the transition. When before is non-nil the dispute is only
// closed if it is still arbitrating, undecided and past its arbitration
// deadline (timer path).
func (s *LifecycleService) close(ctx context.Context, actor identity.Actor, id, reason string, before *time.Time) (d *Dispute, changed bool, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Close", traces.DisputeID(id), traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	now := s.env.clock()
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		changed = false
		d, err = tx.GetDisputeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !canDrive(actor, d) {
			return denied("actor %s may not close dispute %s", actor.ID, id)
		}

		if before != nil {
			if d.Status != StatusArbitrating || d.ArbitrationDeadline == nil || !d.ArbitrationDeadline.Before(*before) {
				return invalidState(d, "time out")
			}
			decided, err := tx.HasArbitration(ctx, id)
			if err != nil {
				return err
			}
			if decided {
				return invalidState(d, "time out decided")
			}
		}

		switch d.Status {
		case StatusClosed:
			return nil
		case StatusResolved:
			return invalidState(d, "close")
		}

		d.CloseReason = reason
		d.ClosedAt = &now
		changed = true
		return transition(ctx, tx, d, StatusClosed, EventClosed, actor.ID, now)
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		label := "manual"
		if reason == CloseReasonArbitrationTimeout {
			label = "arbitration_timeout"
		}
		metrics.DisputesClosedTotal.WithLabelValues(label).Inc()
		recordTransition(d, EventClosed)
		logging.L(ctx).Info("dispute closed", "dispute_id", d.ID, "by", actor.ID, "reason", reason)
	}
	return d, changed, nil
}

// PageRequest selects a page of a listing.
type PageRequest struct {
	Cursor string
	Limit  int
}

// List returns disputes matching filter, newest first. Callers other than
// admins, operators and the engine only see disputes they take part in.
func (s *LifecycleService) List(ctx context.Context, actor identity.Actor, filter ListFilter, page PageRequest) (pagination.Page[*Dispute], error) {
	var empty pagination.Page[*Dispute]

	if filter.Status != "" && !filter.Status.Valid() {
		return empty, check(validation.OneOf("status", string(filter.Status),
			string(StatusNegotiating), string(StatusPendingArbitration), string(StatusArbitrating),
			string(StatusResolved), string(StatusClosed)))
	}
	if !(actor.IsAdmin() || actor.Has(identity.RoleOperator) || actor.IsSystem()) {
		if filter.ParticipantID != "" && filter.ParticipantID != actor.ID {
			return empty, denied("actor %s may only list own disputes", actor.ID)
		}
		if filter.ArbitratorID != "" && filter.ArbitratorID != actor.ID {
			return empty, denied("actor %s may only list own cases", actor.ID)
		}
		filter.InvolvingID = actor.ID
	}

	after, err := pagination.Decode(page.Cursor)
	if err != nil {
		return empty, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	limit := pagination.ClampLimit(page.Limit)

	items, err := s.env.store.ListDisputes(ctx, filter, after, limit+1)
	if err != nil {
		return empty, err
	}
	return pagination.ComputePage(items, limit, disputeKey), nil
}
