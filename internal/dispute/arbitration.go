package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/arbiter/internal/amount"
	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/pagination"
	"github.com/mbd888/arbiter/internal/traces"
	"github.com/mbd888/arbiter/internal/validation"
)

// ArbitrationService assigns arbitrators, records binding decisions and
// tracks their execution by an external payment process.
type ArbitrationService struct {
	env *env
}

// Assign hands a dispute awaiting arbitration to an arbitrator. Assigning
// the same arbitrator again succeeds without change; assigning a different
// one to an undecided dispute replaces the previous assignment.
func (s *ArbitrationService) Assign(ctx context.Context, actor identity.Actor, disputeID, arbitratorID string) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.AssignArbitrator", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	if !actor.IsAdmin() {
		return nil, denied("only admins may assign arbitrators")
	}
	if err := check(
		validation.Required("arbitratorId", arbitratorID),
		validation.ValidID("arbitratorId", arbitratorID),
	); err != nil {
		return nil, err
	}

	now := s.env.clock()
	var changed bool
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		changed = false
		d, err = tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.IsParticipant(arbitratorID) {
			return denied("a participant cannot arbitrate dispute %s", disputeID)
		}

		switch d.Status {
		case StatusPendingArbitration:
		case StatusArbitrating:
			if d.ArbitratorID == arbitratorID {
				return nil
			}
			decided, err := tx.HasArbitration(ctx, disputeID)
			if err != nil {
				return err
			}
			if decided {
				return invalidState(d, "reassign decided")
			}
		default:
			return invalidState(d, "assign")
		}

		d.ArbitratorID = arbitratorID
		d.AssignedAt = &now
		if d.ArbitrationDeadline == nil {
			deadline := now.Add(s.env.policy.ArbitrationWindow)
			d.ArbitrationDeadline = &deadline
		}
		changed = true
		return transition(ctx, tx, d, StatusArbitrating, EventArbitratorAssigned, actor.ID, now)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		recordTransition(d, EventArbitratorAssigned)
		logging.L(ctx).Info("arbitrator assigned",
			"dispute_id", d.ID, "arbitrator_id", arbitratorID, "arbitration_deadline", d.ArbitrationDeadline)
	}
	return d, nil
}

// Submit records the assigned arbitrator's decision and resolves the
// dispute in the same unit of work. A dispute can be decided once.
func (s *ArbitrationService) Submit(ctx context.Context, actor identity.Actor, disputeID string, req DecisionRequest) (arb *Arbitration, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.SubmitArbitration",
		traces.DisputeID(disputeID), traces.ActorID(actor.ID), traces.Amount(req.CompensationAmount))
	defer traces.End(span, &err)

	req.Reason = validation.SanitizeString(req.Reason)
	if err := check(
		validation.OneOf("result", string(req.Result), results...),
		validation.NonNegativeAmount("compensationAmount", req.CompensationAmount),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxTextLength),
	); err != nil {
		return nil, err
	}
	compensation, _ := amount.Normalize(req.CompensationAmount)
	if req.Result == ResultDismiss && !amount.IsZero(compensation) {
		return nil, check(func() *validation.ValidationError {
			return &validation.ValidationError{Field: "compensationAmount", Message: "must be zero when dismissing"}
		})
	}

	now := s.env.clock()
	var d *Dispute
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		d, err = tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		decided, err := tx.HasArbitration(ctx, disputeID)
		if err != nil {
			return err
		}
		if decided {
			return conflict("dispute %s already has an arbitration", disputeID)
		}
		if d.Status != StatusArbitrating {
			return invalidState(d, "arbitrate")
		}
		if actor.ID != d.ArbitratorID {
			return denied("actor %s is not the assigned arbitrator of dispute %s", actor.ID, disputeID)
		}

		arb = &Arbitration{
			ID:                 idgen.WithPrefix("arb_"),
			DisputeID:          disputeID,
			ArbitratorID:       actor.ID,
			Result:             req.Result,
			CompensationAmount: compensation,
			Reason:             req.Reason,
			SubmittedAt:        now,
		}
		if err := tx.CreateArbitration(ctx, arb); err != nil {
			return err
		}
		d.ResolvedAt = &now
		return transition(ctx, tx, d, StatusResolved, EventResolved, actor.ID, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.ArbitrationsTotal.WithLabelValues(string(arb.Result)).Inc()
	metrics.DisputesResolvedTotal.WithLabelValues("arbitration").Inc()
	recordTransition(d, EventResolved)
	logging.L(ctx).Info("arbitration submitted",
		"dispute_id", disputeID, "arbitration_id", arb.ID, "result", arb.Result,
		"compensation", arb.CompensationAmount)
	return arb, nil
}

// MarkExecuted records that the compensation was paid out. Calling it again
// on an executed arbitration is a no-op success.
func (s *ArbitrationService) MarkExecuted(ctx context.Context, actor identity.Actor, arbitrationID, note string) (arb *Arbitration, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.MarkExecuted", traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	if !actor.IsAdmin() && !actor.Has(identity.RoleOperator) {
		return nil, denied("only admins and operators may mark arbitrations executed")
	}
	note = validation.SanitizeString(note)
	if err := check(validation.MaxLength("note", note, validation.MaxTextLength)); err != nil {
		return nil, err
	}

	found, err := s.env.store.GetArbitration(ctx, arbitrationID)
	if err != nil {
		return nil, err
	}
	if found.Executed {
		return found, nil
	}

	now := s.env.clock()
	var changed bool
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		changed = false
		d, err := tx.GetDisputeForUpdate(ctx, found.DisputeID)
		if err != nil {
			return err
		}
		arb, err = tx.GetArbitrationForUpdate(ctx, arbitrationID)
		if err != nil {
			return err
		}
		if arb.Executed {
			return nil
		}
		arb.Executed = true
		arb.ExecutionNote = note
		arb.ExecutedAt = &now
		if err := tx.UpdateArbitration(ctx, arb); err != nil {
			return err
		}
		changed = true
		return tx.AppendEvent(ctx, &Event{
			ID:        fmt.Sprintf("%s:%s:%s", d.ID, EventExecuted, arb.ID),
			DisputeID: d.ID,
			Type:      EventExecuted,
			ActorID:   actor.ID,
			Status:    d.Status,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.DisputeTransitionsTotal.WithLabelValues(string(EventExecuted)).Inc()
		logging.L(ctx).Info("arbitration executed",
			"arbitration_id", arb.ID, "dispute_id", arb.DisputeID, "compensation", arb.CompensationAmount)
	}
	return arb, nil
}

// PendingExecutions lists decided compensations nobody has paid yet.
func (s *ArbitrationService) PendingExecutions(ctx context.Context, actor identity.Actor, limit int) ([]*Arbitration, error) {
	if !actor.IsAdmin() && !actor.Has(identity.RoleOperator) && !actor.IsSystem() {
		return nil, denied("only admins and operators may list pending executions")
	}
	return s.env.store.ListPendingExecutions(ctx, pagination.ClampLimit(limit))
}

// ArbitratorCases lists disputes assigned to arbitratorID. Arbitrators see
// their own cases; admins see anyone's.
func (s *ArbitrationService) ArbitratorCases(ctx context.Context, actor identity.Actor, arbitratorID string, page PageRequest) (pagination.Page[*Dispute], error) {
	var empty pagination.Page[*Dispute]
	if actor.ID != arbitratorID && !actor.IsAdmin() && !actor.Has(identity.RoleOperator) {
		return empty, denied("actor %s may not list cases of %s", actor.ID, arbitratorID)
	}

	after, err := pagination.Decode(page.Cursor)
	if err != nil {
		return empty, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	limit := pagination.ClampLimit(page.Limit)
	items, err := s.env.store.ListDisputes(ctx, ListFilter{ArbitratorID: arbitratorID}, after, limit+1)
	if err != nil {
		return empty, err
	}
	return pagination.ComputePage(items, limit, disputeKey), nil
}

func disputeKey(d *Dispute) (time.Time, string) {
	return d.CreatedAt, d.ID
}
