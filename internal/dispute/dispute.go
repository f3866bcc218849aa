// Package dispute governs a buyer/seller disagreement over a completed order.
//
// Flow:
//  1. A participant submits a dispute → negotiating (deadline = now + negotiation window)
//  2. Parties exchange messages and settlement proposals; an accepted proposal resolves it
//  3. Negotiation fails or times out → pending_arbitration (arbitration deadline set)
//  4. An admin assigns an arbitrator → arbitrating
//  5. The arbitrator submits a binding decision → resolved
//  6. Any non-terminal dispute may be closed manually or by arbitration timeout → closed
//
// Evidence may be attached by either participant at any point. Fund transfer
// never happens here: arbitration only records a compensation amount that an
// operator later marks as executed.
package dispute

import (
	"time"
)

// Status is the state of a dispute.
type Status string

const (
	StatusNegotiating        Status = "negotiating"
	StatusPendingArbitration Status = "pending_arbitration"
	StatusArbitrating        Status = "arbitrating"
	StatusResolved           Status = "resolved" // terminal
	StatusClosed             Status = "closed"   // terminal
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNegotiating, StatusPendingArbitration, StatusArbitrating, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Type classifies what the dispute is about.
type Type string

const (
	TypeNotReceived    Type = "not_received"
	TypeNotAsDescribed Type = "not_as_described"
	TypeQuality        Type = "quality"
	TypeDamaged        Type = "damaged"
	TypeOther          Type = "other"
)

var disputeTypes = []string{
	string(TypeNotReceived), string(TypeNotAsDescribed), string(TypeQuality), string(TypeDamaged), string(TypeOther),
}

// CloseReasonArbitrationTimeout is recorded when the expiry timer closes an
// undecided arbitration.
const CloseReasonArbitrationTimeout = "arbitration timeout"

// Dispute is the root record. It is never deleted.
type Dispute struct {
	ID                  string     `json:"id"`
	OrderID             string     `json:"orderId"`
	InitiatorID         string     `json:"initiatorId"`
	CounterpartyID      string     `json:"counterpartyId"`
	Type                Type       `json:"type"`
	Reason              string     `json:"reason"`
	Status              Status     `json:"status"`
	ArbitratorID        string     `json:"arbitratorId,omitempty"`
	NegotiationDeadline time.Time  `json:"negotiationDeadline"`
	ArbitrationDeadline *time.Time `json:"arbitrationDeadline,omitempty"`
	AssignedAt          *time.Time `json:"assignedAt,omitempty"`
	CloseReason         string     `json:"closeReason,omitempty"`
	ClosedAt            *time.Time `json:"closedAt,omitempty"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	Version             int        `json:"version"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// IsParticipant reports whether actorID is the initiator or counterparty.
func (d *Dispute) IsParticipant(actorID string) bool {
	return actorID != "" && (actorID == d.InitiatorID || actorID == d.CounterpartyID)
}

// Other returns the participant who is not actorID.
func (d *Dispute) Other(actorID string) string {
	if actorID == d.InitiatorID {
		return d.CounterpartyID
	}
	return d.InitiatorID
}

// MessageKind distinguishes plain text from settlement proposals.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindProposal MessageKind = "proposal"
)

// ProposalStatus moves exactly once from pending to accepted or rejected.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

// NegotiationMessage is either a text message or a refund proposal.
type NegotiationMessage struct {
	ID             string         `json:"id"`
	DisputeID      string         `json:"disputeId"`
	SenderID       string         `json:"senderId"`
	Kind           MessageKind    `json:"kind"`
	Text           string         `json:"text,omitempty"`
	ProposedAmount string         `json:"proposedAmount,omitempty"`
	Note           string         `json:"note,omitempty"`
	ProposalStatus ProposalStatus `json:"proposalStatus,omitempty"`
	RespondedBy    string         `json:"respondedBy,omitempty"`
	RespondedAt    *time.Time     `json:"respondedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// IsPendingProposal reports whether m is a proposal awaiting a response.
func (m *NegotiationMessage) IsPendingProposal() bool {
	return m.Kind == KindProposal && m.ProposalStatus == ProposalPending
}

// EvidenceRole is derived from which side of the dispute uploaded the item.
type EvidenceRole string

const (
	RoleInitiator    EvidenceRole = "initiator"
	RoleCounterparty EvidenceRole = "counterparty"
)

// Validity is the arbitrator's one-time judgment on an evidence item.
type Validity string

const (
	ValidityUnevaluated Validity = "unevaluated"
	ValidityValid       Validity = "valid"
	ValidityInvalid     Validity = "invalid"
	ValidityPartial     Validity = "partial"
)

// IsTerminal reports whether v is a final judgment.
func (v Validity) IsTerminal() bool {
	return v == ValidityValid || v == ValidityInvalid || v == ValidityPartial
}

// Evidence is a reference to externally stored media.
type Evidence struct {
	ID               string       `json:"id"`
	DisputeID        string       `json:"disputeId"`
	UploaderID       string       `json:"uploaderId"`
	Role             EvidenceRole `json:"role"`
	MediaType        string       `json:"mediaType"`
	URL              string       `json:"url"`
	Description      string       `json:"description,omitempty"`
	Validity         Validity     `json:"validity"`
	EvaluatorID      string       `json:"evaluatorId,omitempty"`
	EvaluationReason string       `json:"evaluationReason,omitempty"`
	EvaluatedAt      *time.Time   `json:"evaluatedAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Result is the outcome of an arbitration.
type Result string

const (
	ResultSupportInitiator    Result = "support_initiator"
	ResultSupportCounterparty Result = "support_counterparty"
	ResultPartial             Result = "partial"
	ResultDismiss             Result = "dismiss"
)

var results = []string{
	string(ResultSupportInitiator), string(ResultSupportCounterparty), string(ResultPartial), string(ResultDismiss),
}

// Arbitration is the binding decision for a dispute. At most one exists per
// dispute; Executed flips false → true once.
type Arbitration struct {
	ID                 string     `json:"id"`
	DisputeID          string     `json:"disputeId"`
	ArbitratorID       string     `json:"arbitratorId"`
	Result             Result     `json:"result"`
	CompensationAmount string     `json:"compensationAmount"`
	Reason             string     `json:"reason"`
	Executed           bool       `json:"executed"`
	ExecutionNote      string     `json:"executionNote,omitempty"`
	SubmittedAt        time.Time  `json:"submittedAt"`
	ExecutedAt         *time.Time `json:"executedAt,omitempty"`
}

// EventType names a lifecycle fact.
type EventType string

const (
	EventSubmitted          EventType = "dispute.submitted"
	EventEscalated          EventType = "dispute.escalated"
	EventArbitratorAssigned EventType = "dispute.arbitrator_assigned"
	EventResolved           EventType = "dispute.resolved"
	EventClosed             EventType = "dispute.closed"
	EventExecuted           EventType = "arbitration.executed"
)

// Event is one entry of the dispute timeline. Events are written in the same
// unit of work as the transition they describe and relayed to the notifier
// afterwards. ID is deterministic so repeated deliveries can be recognized.
type Event struct {
	ID          string     `json:"id"`
	DisputeID   string     `json:"disputeId"`
	Type        EventType  `json:"type"`
	ActorID     string     `json:"actorId"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// Detail is the read-only aggregate returned by Detail.
type Detail struct {
	Dispute     *Dispute              `json:"dispute"`
	Evidence    []*Evidence           `json:"evidence"`
	Messages    []*NegotiationMessage `json:"messages"`
	Arbitration *Arbitration          `json:"arbitration,omitempty"`
	Timeline    []*Event              `json:"timeline"`
}

// EvidenceSummary counts evidence by role and by validity.
type EvidenceSummary struct {
	DisputeID  string               `json:"disputeId"`
	Total      int                  `json:"total"`
	ByRole     map[EvidenceRole]int `json:"byRole"`
	ByValidity map[Validity]int     `json:"byValidity"`
}

// Policy holds the deadline windows.
type Policy struct {
	NegotiationWindow time.Duration
	ArbitrationWindow time.Duration
}

// DefaultPolicy gives three days to negotiate and seven to arbitrate.
func DefaultPolicy() Policy {
	return Policy{
		NegotiationWindow: 72 * time.Hour,
		ArbitrationWindow: 7 * 24 * time.Hour,
	}
}

// SubmitRequest contains the parameters for opening a dispute.
type SubmitRequest struct {
	OrderID string `json:"orderId" binding:"required"`
	Type    Type   `json:"type" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// UploadRequest describes an evidence item already stored externally.
type UploadRequest struct {
	MediaType   string `json:"mediaType" binding:"required"`
	URL         string `json:"url" binding:"required"`
	Description string `json:"description"`
}

// DecisionRequest is an arbitrator's ruling.
type DecisionRequest struct {
	Result             Result `json:"result" binding:"required"`
	CompensationAmount string `json:"compensationAmount" binding:"required"`
	Reason             string `json:"reason" binding:"required"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
