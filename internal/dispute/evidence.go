package dispute

import (
	"context"
	"fmt"

	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/traces"
	"github.com/mbd888/arbiter/internal/validation"
)

// EvidenceService manages evidence references attached to a dispute.
// Media bytes live in external blob storage; only the URL is kept.
type EvidenceService struct {
	env *env
}

// Upload attaches evidence. Either participant may upload at any time; the
// role is derived from which side the uploader is on.
func (s *EvidenceService) Upload(ctx context.Context, actor identity.Actor, disputeID string, req UploadRequest) (ev *Evidence, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.UploadEvidence", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	req.Description = validation.SanitizeString(req.Description)
	if err := check(
		validation.MaxLength("description", req.Description, validation.MaxTextLength),
		validation.Required("mediaType", req.MediaType),
		validation.MaxLength("mediaType", req.MediaType, 255),
		validation.HTTPURL("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	); err != nil {
		return nil, err
	}

	now := s.env.clock()
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		var role EvidenceRole
		switch actor.ID {
		case d.InitiatorID:
			role = RoleInitiator
		case d.CounterpartyID:
			role = RoleCounterparty
		default:
			return denied("actor %s is not a participant of dispute %s", actor.ID, disputeID)
		}
		ev = &Evidence{
			ID:          idgen.WithPrefix("evd_"),
			DisputeID:   disputeID,
			UploaderID:  actor.ID,
			Role:        role,
			MediaType:   req.MediaType,
			URL:         req.URL,
			Description: req.Description,
			Validity:    ValidityUnevaluated,
			CreatedAt:   now,
		}
		return tx.CreateEvidence(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	metrics.EvidenceTotal.WithLabelValues("upload").Inc()
	return ev, nil
}

// Evaluate records the assigned arbitrator's one-time judgment.
func (s *EvidenceService) Evaluate(ctx context.Context, actor identity.Actor, evidenceID string, validity Validity, reason string) (ev *Evidence, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.EvaluateEvidence", traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	reason = validation.SanitizeString(reason)
	if err := check(
		validation.OneOf("validity", string(validity),
			string(ValidityValid), string(ValidityInvalid), string(ValidityPartial)),
		validation.MaxLength("reason", reason, validation.MaxTextLength),
	); err != nil {
		return nil, err
	}

	found, err := s.env.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DisputeID(found.DisputeID))

	now := s.env.clock()
	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.GetDisputeForUpdate(ctx, found.DisputeID)
		if err != nil {
			return err
		}
		ev, err = tx.GetEvidenceForUpdate(ctx, evidenceID)
		if err != nil {
			return err
		}
		if d.ArbitratorID == "" || actor.ID != d.ArbitratorID {
			return denied("only the assigned arbitrator may evaluate evidence on dispute %s", d.ID)
		}
		if ev.Validity != ValidityUnevaluated {
			return conflict("evidence %s already evaluated as %s", evidenceID, ev.Validity)
		}
		ev.Validity = validity
		ev.EvaluatorID = actor.ID
		ev.EvaluationReason = reason
		ev.EvaluatedAt = &now
		return tx.UpdateEvidence(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	metrics.EvidenceTotal.WithLabelValues("evaluate").Inc()
	logging.L(ctx).Info("evidence evaluated", "evidence_id", ev.ID, "dispute_id", ev.DisputeID, "validity", ev.Validity)
	return ev, nil
}

// Delete removes unevaluated evidence. Only the uploader may delete.
func (s *EvidenceService) Delete(ctx context.Context, actor identity.Actor, evidenceID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.DeleteEvidence", traces.ActorID(actor.ID))
	defer traces.End(span, &err)

	found, err := s.env.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return err
	}

	err = s.env.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetDisputeForUpdate(ctx, found.DisputeID); err != nil {
			return err
		}
		ev, err := tx.GetEvidenceForUpdate(ctx, evidenceID)
		if err != nil {
			return err
		}
		if actor.ID != ev.UploaderID {
			return denied("only the uploader may delete evidence %s", evidenceID)
		}
		if ev.Validity != ValidityUnevaluated {
			return fmt.Errorf("%w: evidence %s is already evaluated", ErrInvalidState, evidenceID)
		}
		return tx.DeleteEvidence(ctx, evidenceID)
	})
	if err != nil {
		return err
	}

	metrics.EvidenceTotal.WithLabelValues("delete").Inc()
	return nil
}

// Summary counts the dispute's evidence by role and by validity.
func (s *EvidenceService) Summary(ctx context.Context, actor identity.Actor, disputeID string) (*EvidenceSummary, error) {
	if _, err := s.env.viewable(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	items, err := s.env.store.ListEvidence(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	sum := &EvidenceSummary{
		DisputeID: disputeID,
		Total:     len(items),
		ByRole: map[EvidenceRole]int{
			RoleInitiator:    0,
			RoleCounterparty: 0,
		},
		ByValidity: map[Validity]int{
			ValidityUnevaluated: 0,
			ValidityValid:       0,
			ValidityInvalid:     0,
			ValidityPartial:     0,
		},
	}
	for _, ev := range items {
		sum.ByRole[ev.Role]++
		sum.ByValidity[ev.Validity]++
	}
	return sum, nil
}

// Unevaluated is the arbitrator's worklist for a dispute.
func (s *EvidenceService) Unevaluated(ctx context.Context, actor identity.Actor, disputeID string) ([]*Evidence, error) {
	if _, err := s.env.viewable(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	items, err := s.env.store.ListEvidence(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	out := make([]*Evidence, 0, len(items))
	for _, ev := range items {
		if ev.Validity == ValidityUnevaluated {
			out = append(out, ev)
		}
	}
	return out, nil
}
