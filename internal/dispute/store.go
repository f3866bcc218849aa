package dispute

import (
	"context"
	"time"

	"github.com/mbd888/arbiter/internal/pagination"
)

// ListFilter narrows ListDisputes. Empty fields match everything.
type ListFilter struct {
	ParticipantID string
	ArbitratorID  string
	Status        Status
	// InvolvingID matches disputes where the id is initiator, counterparty
	// or arbitrator. Set by the service for non-admin callers.
	InvolvingID string
}

// Store persists disputes and their child records.
//
// Read methods run outside any unit of work. Every mutation goes through
// WithTx, which re-reads the guarded rows under lock so that two callers
// racing on the same precondition get one success and one typed failure.
type Store interface {
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputes(ctx context.Context, filter ListFilter, after *pagination.Cursor, limit int) ([]*Dispute, error)
	ListExpiredNegotiations(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
	ListExpiredArbitrations(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)

	GetMessage(ctx context.Context, id string) (*NegotiationMessage, error)
	ListMessages(ctx context.Context, disputeID string) ([]*NegotiationMessage, error)
	GetPendingProposal(ctx context.Context, disputeID string) (*NegotiationMessage, error)
	GetAcceptedProposal(ctx context.Context, disputeID string) (*NegotiationMessage, error)

	GetEvidence(ctx context.Context, id string) (*Evidence, error)
	ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error)

	GetArbitration(ctx context.Context, id string) (*Arbitration, error)
	GetArbitrationByDispute(ctx context.Context, disputeID string) (*Arbitration, error)
	ListPendingExecutions(ctx context.Context, limit int) ([]*Arbitration, error)

	ListEvents(ctx context.Context, disputeID string) ([]*Event, error)
	ListUndeliveredEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkEventDelivered(ctx context.Context, id string, at time.Time) error

	// WithTx runs fn as one atomic unit of work. If fn returns an error
	// nothing it wrote is kept.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of a unit of work. ForUpdate reads lock the row
// until the unit of work ends. Lock order is dispute first, then child.
type Tx interface {
	GetDisputeForUpdate(ctx context.Context, id string) (*Dispute, error)
	CreateDispute(ctx context.Context, d *Dispute) error
	// UpdateDispute persists d, whose Version must be one more than the
	// stored version.
	UpdateDispute(ctx context.Context, d *Dispute) error

	GetMessageForUpdate(ctx context.Context, id string) (*NegotiationMessage, error)
	HasPendingProposal(ctx context.Context, disputeID string) (bool, error)
	CreateMessage(ctx context.Context, m *NegotiationMessage) error
	UpdateMessage(ctx context.Context, m *NegotiationMessage) error

	GetEvidenceForUpdate(ctx context.Context, id string) (*Evidence, error)
	CreateEvidence(ctx context.Context, e *Evidence) error
	UpdateEvidence(ctx context.Context, e *Evidence) error
	DeleteEvidence(ctx context.Context, id string) error

	GetArbitrationForUpdate(ctx context.Context, id string) (*Arbitration, error)
	HasArbitration(ctx context.Context, disputeID string) (bool, error)
	CreateArbitration(ctx context.Context, a *Arbitration) error
	UpdateArbitration(ctx context.Context, a *Arbitration) error

	// AppendEvent records ev; an event with the same ID is ignored.
	AppendEvent(ctx context.Context, ev *Event) error
}
