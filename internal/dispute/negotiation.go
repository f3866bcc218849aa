package dispute

import (
	"context"

	"github.com/mbd888/arbiter/internal/amount"
	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/traces"
	"github.com/mbd888/arbiter/internal/validation"
)

// NegotiationService handles messages and settlement proposals between the
// two participants.
type NegotiationService struct {
	env *env
}

// SendText appends a text message. Allowed while negotiating and, for
// trailing context, while pending arbitration.
func (s *NegotiationService) SendText(ctx context.Context, actor identity.Actor, disputeID, text string) (msg *NegotiationMessage, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.SendText", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	text = validation.SanitizeString(text)
	if err := check(
		validation.Required("text", text),
		validation.MaxLength("text", text, validation.MaxTextLength),
	); err != nil {
		return nil, err
	}

	now := s.env.clock()
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if !d.IsParticipant(actor.ID) {
			return denied("actor %s is not a participant of dispute %s", actor.ID, disputeID)
		}
		if d.Status != StatusNegotiating && d.Status != StatusPendingArbitration {
			return invalidState(d, "message on")
		}
		msg = &NegotiationMessage{
			ID:        idgen.WithPrefix("msg_"),
			DisputeID: disputeID,
			SenderID:  actor.ID,
			Kind:      KindText,
			Text:      text,
			CreatedAt: now,
		}
		return tx.CreateMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Propose records a refund proposal. Only one proposal per dispute may be
// pending at a time.
func (s *NegotiationService) Propose(ctx context.Context, actor identity.Actor, disputeID, proposed, note string) (msg *NegotiationMessage, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Propose",
		traces.DisputeID(disputeID), traces.ActorID(actor.ID), traces.Amount(proposed))
	defer traces.End(span, &err)

	note = validation.SanitizeString(note)
	if err := check(
		validation.PositiveAmount("amount", proposed),
		validation.MaxLength("note", note, validation.MaxTextLength),
	); err != nil {
		return nil, err
	}
	normalized, _ := amount.Normalize(proposed)

	now := s.env.clock()
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if !d.IsParticipant(actor.ID) {
			return denied("actor %s is not a participant of dispute %s", actor.ID, disputeID)
		}
		if d.Status != StatusNegotiating {
			return invalidState(d, "propose on")
		}
		pending, err := tx.HasPendingProposal(ctx, disputeID)
		if err != nil {
			return err
		}
		if pending {
			return conflict("dispute %s already has a pending proposal", disputeID)
		}
		msg = &NegotiationMessage{
			ID:             idgen.WithPrefix("msg_"),
			DisputeID:      disputeID,
			SenderID:       actor.ID,
			Kind:           KindProposal,
			ProposedAmount: normalized,
			Note:           note,
			ProposalStatus: ProposalPending,
			CreatedAt:      now,
		}
		return tx.CreateMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	metrics.ProposalsTotal.WithLabelValues("proposed").Inc()
	logging.L(ctx).Info("proposal created", "dispute_id", disputeID, "proposal_id", msg.ID, "amount", normalized)
	return msg, nil
}

// Respond accepts or rejects a pending proposal. Only the other participant
// may respond. Accepting resolves the dispute in the same unit of work.
func (s *NegotiationService) Respond(ctx context.Context, actor identity.Actor, proposalID string, accept bool) (msg *NegotiationMessage, d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Respond", traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	found, err := s.env.store.GetMessage(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	if found.Kind != KindProposal {
		return nil, nil, notFound("proposal", proposalID)
	}
	span.SetAttributes(traces.DisputeID(found.DisputeID))

	now := s.env.clock()
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		d, err = tx.GetDisputeForUpdate(ctx, found.DisputeID)
		if err != nil {
			return err
		}
		msg, err = tx.GetMessageForUpdate(ctx, proposalID)
		if err != nil {
			return err
		}
		if !d.IsParticipant(actor.ID) || actor.ID == msg.SenderID {
			return denied("only the counterpart of %s may respond to proposal %s", msg.SenderID, proposalID)
		}
		if msg.ProposalStatus != ProposalPending {
			return conflict("proposal %s is already %s", proposalID, msg.ProposalStatus)
		}
		if d.Status != StatusNegotiating {
			return invalidState(d, "settle")
		}

		msg.RespondedBy = actor.ID
		msg.RespondedAt = &now
		if !accept {
			msg.ProposalStatus = ProposalRejected
			return tx.UpdateMessage(ctx, msg)
		}

		msg.ProposalStatus = ProposalAccepted
		if err := tx.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		d.ResolvedAt = &now
		return transition(ctx, tx, d, StatusResolved, EventResolved, actor.ID, now)
	})
	if err != nil {
		return nil, nil, err
	}

	if accept {
		metrics.ProposalsTotal.WithLabelValues("accepted").Inc()
		metrics.DisputesResolvedTotal.WithLabelValues("negotiation").Inc()
		recordTransition(d, EventResolved)
		logging.L(ctx).Info("proposal accepted, dispute resolved",
			"dispute_id", d.ID, "proposal_id", msg.ID, "amount", msg.ProposedAmount)
	} else {
		metrics.ProposalsTotal.WithLabelValues("rejected").Inc()
	}
	return msg, d, nil
}

// History returns every message of the dispute, oldest first.
func (s *NegotiationService) History(ctx context.Context, actor identity.Actor, disputeID string) ([]*NegotiationMessage, error) {
	if _, err := s.env.viewable(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	return s.env.store.ListMessages(ctx, disputeID)
}

// PendingProposal returns the proposal awaiting a response, or ErrNotFound.
func (s *NegotiationService) PendingProposal(ctx context.Context, actor identity.Actor, disputeID string) (*NegotiationMessage, error) {
	if _, err := s.env.viewable(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	return s.env.store.GetPendingProposal(ctx, disputeID)
}

// AcceptedProposal returns the proposal that settled the dispute, or ErrNotFound.
func (s *NegotiationService) AcceptedProposal(ctx context.Context, actor identity.Actor, disputeID string) (*NegotiationMessage, error) {
	if _, err := s.env.viewable(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	return s.env.store.GetAcceptedProposal(ctx, disputeID)
}
