package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/arbiter/internal/amount"
	"github.com/mbd888/arbiter/internal/pagination"
)

// MemoryStore is an in-memory store for development mode and tests.
//
// A unit of work holds the write lock for its whole duration, so units of
// work are serialized. Every write records an undo step; if the unit of work
// fails the steps run in reverse. Records are copied on the way in and out.
type MemoryStore struct {
	mu           sync.RWMutex
	disputes     map[string]*Dispute
	messages     map[string]*NegotiationMessage
	evidence     map[string]*Evidence
	arbitrations map[string]*Arbitration
	events       map[string]*Event
	eventOrder   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes:     make(map[string]*Dispute),
		messages:     make(map[string]*NegotiationMessage),
		evidence:     make(map[string]*Evidence),
		arbitrations: make(map[string]*Arbitration),
		events:       make(map[string]*Event),
	}
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.ArbitrationDeadline = cloneTime(d.ArbitrationDeadline)
	cp.AssignedAt = cloneTime(d.AssignedAt)
	cp.ClosedAt = cloneTime(d.ClosedAt)
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	return &cp
}

func copyMessage(m *NegotiationMessage) *NegotiationMessage {
	cp := *m
	cp.RespondedAt = cloneTime(m.RespondedAt)
	return &cp
}

func copyEvidence(e *Evidence) *Evidence {
	cp := *e
	cp.EvaluatedAt = cloneTime(e.EvaluatedAt)
	return &cp
}

func copyArbitration(a *Arbitration) *Arbitration {
	cp := *a
	cp.ExecutedAt = cloneTime(a.ExecutedAt)
	return &cp
}

func copyEvent(ev *Event) *Event {
	cp := *ev
	cp.DeliveredAt = cloneTime(ev.DeliveredAt)
	return &cp
}

// --- reads ---

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, notFound("dispute", id)
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, f ListFilter, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if f.ParticipantID != "" && !d.IsParticipant(f.ParticipantID) {
			continue
		}
		if f.ArbitratorID != "" && d.ArbitratorID != f.ArbitratorID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.InvolvingID != "" && !d.IsParticipant(f.InvolvingID) && d.ArbitratorID != f.InvolvingID {
			continue
		}
		if !after.After(d.CreatedAt, d.ID) {
			continue
		}
		result = append(result, copyDispute(d))
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(ds []*Dispute) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID > ds[j].ID
		}
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}

func (m *MemoryStore) ListExpiredNegotiations(_ context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusNegotiating && d.NegotiationDeadline.Before(before) {
			result = append(result, copyDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NegotiationDeadline.Before(result[j].NegotiationDeadline)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredArbitrations(_ context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusArbitrating || d.ArbitrationDeadline == nil || !d.ArbitrationDeadline.Before(before) {
			continue
		}
		if m.arbitrationFor(d.ID) != nil {
			continue
		}
		result = append(result, copyDispute(d))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ArbitrationDeadline.Before(*result[j].ArbitrationDeadline)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (*NegotiationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	return copyMessage(msg), nil
}

func (m *MemoryStore) ListMessages(_ context.Context, disputeID string) ([]*NegotiationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*NegotiationMessage
	for _, msg := range m.messages {
		if msg.DisputeID == disputeID {
			result = append(result, copyMessage(msg))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) proposalWithStatus(disputeID string, status ProposalStatus) *NegotiationMessage {
	for _, msg := range m.messages {
		if msg.DisputeID == disputeID && msg.Kind == KindProposal && msg.ProposalStatus == status {
			return msg
		}
	}
	return nil
}

func (m *MemoryStore) GetPendingProposal(_ context.Context, disputeID string) (*NegotiationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if msg := m.proposalWithStatus(disputeID, ProposalPending); msg != nil {
		return copyMessage(msg), nil
	}
	return nil, notFound("pending proposal for dispute", disputeID)
}

func (m *MemoryStore) GetAcceptedProposal(_ context.Context, disputeID string) (*NegotiationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if msg := m.proposalWithStatus(disputeID, ProposalAccepted); msg != nil {
		return copyMessage(msg), nil
	}
	return nil, notFound("accepted proposal for dispute", disputeID)
}

func (m *MemoryStore) GetEvidence(_ context.Context, id string) (*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evidence[id]
	if !ok {
		return nil, notFound("evidence", id)
	}
	return copyEvidence(e), nil
}

func (m *MemoryStore) ListEvidence(_ context.Context, disputeID string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Evidence
	for _, e := range m.evidence {
		if e.DisputeID == disputeID {
			result = append(result, copyEvidence(e))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) GetArbitration(_ context.Context, id string) (*Arbitration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.arbitrations[id]
	if !ok {
		return nil, notFound("arbitration", id)
	}
	return copyArbitration(a), nil
}

func (m *MemoryStore) arbitrationFor(disputeID string) *Arbitration {
	for _, a := range m.arbitrations {
		if a.DisputeID == disputeID {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) GetArbitrationByDispute(_ context.Context, disputeID string) (*Arbitration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a := m.arbitrationFor(disputeID); a != nil {
		return copyArbitration(a), nil
	}
	return nil, notFound("arbitration for dispute", disputeID)
}

func (m *MemoryStore) ListPendingExecutions(_ context.Context, limit int) ([]*Arbitration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Arbitration
	for _, a := range m.arbitrations {
		if a.Executed {
			continue
		}
		v, ok := amount.Parse(a.CompensationAmount)
		if !ok || v.Sign() <= 0 {
			continue
		}
		result = append(result, copyArbitration(a))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, disputeID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, id := range m.eventOrder {
		if ev := m.events[id]; ev.DisputeID == disputeID {
			result = append(result, copyEvent(ev))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListUndeliveredEvents(_ context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, id := range m.eventOrder {
		if ev := m.events[id]; ev.DeliveredAt == nil {
			result = append(result, copyEvent(ev))
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkEventDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return notFound("event", id)
	}
	if ev.DeliveredAt == nil {
		ev.DeliveredAt = &at
	}
	return nil
}

// --- unit of work ---

func (m *MemoryStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// memoryTx runs with the store's write lock held.
type memoryTx struct {
	store *MemoryStore
	undo  []func()
}

func (t *memoryTx) GetDisputeForUpdate(_ context.Context, id string) (*Dispute, error) {
	d, ok := t.store.disputes[id]
	if !ok {
		return nil, notFound("dispute", id)
	}
	return copyDispute(d), nil
}

func (t *memoryTx) CreateDispute(_ context.Context, d *Dispute) error {
	s := t.store
	if _, exists := s.disputes[d.ID]; exists {
		return conflict("dispute %s already exists", d.ID)
	}
	for _, other := range s.disputes {
		if other.OrderID == d.OrderID && !other.Status.IsTerminal() {
			return conflict("order %s already has open dispute %s", d.OrderID, other.ID)
		}
	}
	s.disputes[d.ID] = copyDispute(d)
	t.undo = append(t.undo, func() { delete(s.disputes, d.ID) })
	return nil
}

func (t *memoryTx) UpdateDispute(_ context.Context, d *Dispute) error {
	s := t.store
	prev, ok := s.disputes[d.ID]
	if !ok {
		return notFound("dispute", d.ID)
	}
	if prev.Version != d.Version-1 {
		return conflict("dispute %s was modified concurrently", d.ID)
	}
	s.disputes[d.ID] = copyDispute(d)
	t.undo = append(t.undo, func() { s.disputes[d.ID] = prev })
	return nil
}

func (t *memoryTx) GetMessageForUpdate(_ context.Context, id string) (*NegotiationMessage, error) {
	msg, ok := t.store.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	return copyMessage(msg), nil
}

func (t *memoryTx) HasPendingProposal(_ context.Context, disputeID string) (bool, error) {
	return t.store.proposalWithStatus(disputeID, ProposalPending) != nil, nil
}

func (t *memoryTx) CreateMessage(_ context.Context, msg *NegotiationMessage) error {
	s := t.store
	if msg.IsPendingProposal() && s.proposalWithStatus(msg.DisputeID, ProposalPending) != nil {
		return conflict("dispute %s already has a pending proposal", msg.DisputeID)
	}
	s.messages[msg.ID] = copyMessage(msg)
	t.undo = append(t.undo, func() { delete(s.messages, msg.ID) })
	return nil
}

func (t *memoryTx) UpdateMessage(_ context.Context, msg *NegotiationMessage) error {
	s := t.store
	prev, ok := s.messages[msg.ID]
	if !ok {
		return notFound("message", msg.ID)
	}
	s.messages[msg.ID] = copyMessage(msg)
	t.undo = append(t.undo, func() { s.messages[msg.ID] = prev })
	return nil
}

func (t *memoryTx) GetEvidenceForUpdate(_ context.Context, id string) (*Evidence, error) {
	e, ok := t.store.evidence[id]
	if !ok {
		return nil, notFound("evidence", id)
	}
	return copyEvidence(e), nil
}

func (t *memoryTx) CreateEvidence(_ context.Context, e *Evidence) error {
	s := t.store
	s.evidence[e.ID] = copyEvidence(e)
	t.undo = append(t.undo, func() { delete(s.evidence, e.ID) })
	return nil
}

func (t *memoryTx) UpdateEvidence(_ context.Context, e *Evidence) error {
	s := t.store
	prev, ok := s.evidence[e.ID]
	if !ok {
		return notFound("evidence", e.ID)
	}
	s.evidence[e.ID] = copyEvidence(e)
	t.undo = append(t.undo, func() { s.evidence[e.ID] = prev })
	return nil
}

func (t *memoryTx) DeleteEvidence(_ context.Context, id string) error {
	s := t.store
	prev, ok := s.evidence[id]
	if !ok {
		return notFound("evidence", id)
	}
	delete(s.evidence, id)
	t.undo = append(t.undo, func() { s.evidence[id] = prev })
	return nil
}

func (t *memoryTx) GetArbitrationForUpdate(_ context.Context, id string) (*Arbitration, error) {
	a, ok := t.store.arbitrations[id]
	if !ok {
		return nil, notFound("arbitration", id)
	}
	return copyArbitration(a), nil
}

func (t *memoryTx) HasArbitration(_ context.Context, disputeID string) (bool, error) {
	return t.store.arbitrationFor(disputeID) != nil, nil
}

func (t *memoryTx) CreateArbitration(_ context.Context, a *Arbitration) error {
	s := t.store
	if s.arbitrationFor(a.DisputeID) != nil {
		return conflict("dispute %s already has an arbitration", a.DisputeID)
	}
	s.arbitrations[a.ID] = copyArbitration(a)
	t.undo = append(t.undo, func() { delete(s.arbitrations, a.ID) })
	return nil
}

func (t *memoryTx) UpdateArbitration(_ context.Context, a *Arbitration) error {
	s := t.store
	prev, ok := s.arbitrations[a.ID]
	if !ok {
		return notFound("arbitration", a.ID)
	}
	s.arbitrations[a.ID] = copyArbitration(a)
	t.undo = append(t.undo, func() { s.arbitrations[a.ID] = prev })
	return nil
}

func (t *memoryTx) AppendEvent(_ context.Context, ev *Event) error {
	s := t.store
	if _, exists := s.events[ev.ID]; exists {
		return nil
	}
	s.events[ev.ID] = copyEvent(ev)
	s.eventOrder = append(s.eventOrder, ev.ID)
	t.undo = append(t.undo, func() {
		delete(s.events, ev.ID)
		s.eventOrder = s.eventOrder[:len(s.eventOrder)-1]
	})
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
