package dispute

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_OpensNegotiation(t *testing.T) {
	f := newFixture(t)

	d := f.submit("O1")

	assert.Equal(t, StatusNegotiating, d.Status)
	assert.Equal(t, buyer.ID, d.InitiatorID)
	assert.Equal(t, seller.ID, d.CounterpartyID)
	assert.Equal(t, f.now.Add(72*time.Hour), d.NegotiationDeadline)
	assert.Nil(t, d.ArbitrationDeadline)
	assert.Equal(t, 1, d.Version)

	events, err := f.store.ListEvents(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventSubmitted}, eventTypes(events))
}

func TestSubmit_SellerBecomesInitiator(t *testing.T) {
	f := newFixture(t)

	d, err := f.engine.Lifecycle.Submit(f.ctx, seller, SubmitRequest{OrderID: "O1", Type: TypeOther, Reason: "buyer never paid shipping"})
	require.NoError(t, err)
	assert.Equal(t, seller.ID, d.InitiatorID)
	assert.Equal(t, buyer.ID, d.CounterpartyID)
}

func TestSubmit_OneOpenDisputePerOrder(t *testing.T) {
	f := newFixture(t)
	first := f.submit("O1")

	_, err := f.engine.Lifecycle.Submit(f.ctx, seller, SubmitRequest{OrderID: "O1", Type: TypeQuality, Reason: "again"})
	assert.ErrorIs(t, err, ErrConflict)

	// Another order is unaffected.
	f.submit("O2")

	// Once closed the order can be disputed again.
	_, err = f.engine.Lifecycle.Close(f.ctx, buyer, first.ID, "withdrawn")
	require.NoError(t, err)
	f.submit("O1")
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{"not a participant", SubmitRequest{OrderID: "O3", Type: TypeDamaged, Reason: "x"}, ErrPermissionDenied},
		{"unknown order", SubmitRequest{OrderID: "O404", Type: TypeDamaged, Reason: "x"}, ErrNotFound},
		{"bad type", SubmitRequest{OrderID: "O1", Type: "vibes", Reason: "x"}, ErrValidation},
		{"missing reason", SubmitRequest{OrderID: "O1", Type: TypeDamaged, Reason: "   "}, ErrValidation},
		{"bad order id", SubmitRequest{OrderID: "../O1", Type: TypeDamaged, Reason: "x"}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Lifecycle.Submit(f.ctx, buyer, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSubmit_LongMultiByteReason(t *testing.T) {
	f := newFixture(t)

	tooLong := strings.Repeat("a", 9999) + "é…"
	_, err := f.engine.Lifecycle.Submit(f.ctx, buyer, SubmitRequest{OrderID: "O1", Type: TypeDamaged, Reason: tooLong})
	assert.ErrorIs(t, err, ErrValidation)

	atLimit := strings.Repeat("a", 9998) + "é…"
	d, err := f.engine.Lifecycle.Submit(f.ctx, buyer, SubmitRequest{OrderID: "O1", Type: TypeDamaged, Reason: atLimit})
	require.NoError(t, err)
	stored := f.get(d.ID)
	assert.Equal(t, atLimit, stored.Reason)
	assert.True(t, utf8.ValidString(stored.Reason))
}

func TestSubmit_InvalidUTF8ReasonIsRepaired(t *testing.T) {
	f := newFixture(t)

	d, err := f.engine.Lifecycle.Submit(f.ctx, buyer, SubmitRequest{OrderID: "O1", Type: TypeDamaged, Reason: "broken \xff lid"})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(f.get(d.ID).Reason))
}

func TestEscalate_FromNegotiating(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")
	f.advance(time.Hour)

	got, err := f.engine.Lifecycle.Escalate(f.ctx, seller, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingArbitration, got.Status)
	require.NotNil(t, got.ArbitrationDeadline)
	assert.Equal(t, f.now.Add(7*24*time.Hour), *got.ArbitrationDeadline)
	assert.Equal(t, 2, got.Version)
}

func TestEscalate_AgainIsNoop(t *testing.T) {
	f := newFixture(t)
	d := f.escalated("O1")

	f.advance(time.Hour)
	again, err := f.engine.Lifecycle.Escalate(f.ctx, buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Version, again.Version)
	assert.Equal(t, *d.ArbitrationDeadline, *again.ArbitrationDeadline)

	events, err := f.store.ListEvents(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventSubmitted, EventEscalated}, eventTypes(events))
}

func TestEscalate_InvalidStates(t *testing.T) {
	f := newFixture(t)

	arb := f.arbitrating("O1")
	_, err := f.engine.Lifecycle.Escalate(f.ctx, buyer, arb.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	closed := f.submit("O2")
	_, err = f.engine.Lifecycle.Close(f.ctx, buyer, closed.ID, "settled elsewhere")
	require.NoError(t, err)
	_, err = f.engine.Lifecycle.Escalate(f.ctx, buyer, closed.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Arbitration.Submit(f.ctx, arbitrator, arb.ID, DecisionRequest{
		Result: ResultDismiss, CompensationAmount: "0", Reason: "no merit",
	})
	require.NoError(t, err)
	_, err = f.engine.Lifecycle.Escalate(f.ctx, buyer, arb.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEscalate_PermissionAndMissing(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")

	_, err := f.engine.Lifecycle.Escalate(f.ctx, outsider, d.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.engine.Lifecycle.Escalate(f.ctx, buyer, "dsp_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.engine.Lifecycle.Escalate(f.ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingArbitration, got.Status)
}

func TestClose_FromEveryOpenState(t *testing.T) {
	f := newFixture(t)
	for _, d := range []*Dispute{f.submit("O1"), f.escalated("O2"), f.arbitrating("O4")} {
		got, err := f.engine.Lifecycle.Close(f.ctx, buyer, d.ID, "withdrawn")
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, got.Status)
		assert.Equal(t, "withdrawn", got.CloseReason)
		require.NotNil(t, got.ClosedAt)
		assert.Equal(t, f.now, *got.ClosedAt)
	}
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")

	first, err := f.engine.Lifecycle.Close(f.ctx, buyer, d.ID, "withdrawn")
	require.NoError(t, err)

	f.advance(time.Hour)
	second, err := f.engine.Lifecycle.Close(f.ctx, seller, d.ID, "different reason")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "withdrawn", second.CloseReason)
	assert.Equal(t, *first.ClosedAt, *second.ClosedAt)
}

func TestClose_ResolvedIsInvalid(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")
	p, err := f.engine.Negotiation.Propose(f.ctx, buyer, d.ID, "10.00", "")
	require.NoError(t, err)
	_, _, err = f.engine.Negotiation.Respond(f.ctx, seller, p.ID, true)
	require.NoError(t, err)

	_, err = f.engine.Lifecycle.Close(f.ctx, buyer, d.ID, "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestClose_RequiresReasonAndPermission(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")

	_, err := f.engine.Lifecycle.Close(f.ctx, buyer, d.ID, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.Lifecycle.Close(f.ctx, outsider, d.ID, "spam")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.engine.Lifecycle.Close(f.ctx, arbitrator, d.ID, "not mine")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestDetail_Aggregates(t *testing.T) {
	f := newFixture(t)
	d := f.arbitrating("O1")

	_, err := f.engine.Evidence.Upload(f.ctx, buyer, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/1.png"})
	require.NoError(t, err)
	_, err = f.engine.Arbitration.Submit(f.ctx, arbitrator, d.ID, DecisionRequest{
		Result: ResultPartial, CompensationAmount: "99.00", Reason: "partly damaged",
	})
	require.NoError(t, err)

	detail, err := f.engine.Lifecycle.Detail(f.ctx, arbitrator, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, detail.Dispute.Status)
	assert.Len(t, detail.Evidence, 1)
	assert.Empty(t, detail.Messages)
	require.NotNil(t, detail.Arbitration)
	assert.Equal(t, "99.00", detail.Arbitration.CompensationAmount)
	assert.Equal(t,
		[]EventType{EventSubmitted, EventEscalated, EventArbitratorAssigned, EventResolved},
		eventTypes(detail.Timeline))
}

func TestDetail_Access(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")

	_, err := f.engine.Lifecycle.Detail(f.ctx, outsider, d.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.engine.Lifecycle.Detail(f.ctx, buyer, "dsp_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	detail, err := f.engine.Lifecycle.Detail(f.ctx, operator, d.ID)
	require.NoError(t, err)
	assert.Nil(t, detail.Arbitration)
}

func TestList_ScopesAndPages(t *testing.T) {
	f := newFixture(t)
	d1 := f.submit("O1")
	f.advance(time.Minute)
	d2 := f.submit("O2")
	f.advance(time.Minute)
	d3, err := f.engine.Lifecycle.Submit(f.ctx, buyer3, SubmitRequest{OrderID: "O3", Type: TypeDamaged, Reason: "dented"})
	require.NoError(t, err)

	page, err := f.engine.Lifecycle.List(f.ctx, buyer, ListFilter{}, PageRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, d2.ID, page.Items[0].ID)
	assert.True(t, page.HasMore)

	page, err = f.engine.Lifecycle.List(f.ctx, buyer, ListFilter{}, PageRequest{Cursor: page.NextCursor, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, d1.ID, page.Items[0].ID)
	assert.False(t, page.HasMore)

	all, err := f.engine.Lifecycle.List(f.ctx, seller, ListFilter{}, PageRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Items, 3)
	assert.Equal(t, d3.ID, all.Items[0].ID)

	none, err := f.engine.Lifecycle.List(f.ctx, outsider, ListFilter{}, PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, none.Items)

	_, err = f.engine.Lifecycle.List(f.ctx, outsider, ListFilter{ParticipantID: buyer.ID}, PageRequest{})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestList_AdminFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	f.submit("O1")
	esc := f.escalated("O2")

	page, err := f.engine.Lifecycle.List(f.ctx, admin, ListFilter{Status: StatusPendingArbitration}, PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, esc.ID, page.Items[0].ID)

	_, err = f.engine.Lifecycle.List(f.ctx, admin, ListFilter{Status: "bogus"}, PageRequest{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.Lifecycle.List(f.ctx, admin, ListFilter{}, PageRequest{Cursor: "%%%"})
	assert.ErrorIs(t, err, ErrValidation)
}
