package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/orders"
)

var (
	buyer      = identity.New("buyer-1")
	buyer3     = identity.New("buyer-3")
	seller     = identity.New("seller-1")
	outsider   = identity.New("mallory")
	admin      = identity.New("admin-1", identity.RoleAdmin)
	operator   = identity.New("ops-1", identity.RoleOperator)
	arbitrator = identity.New("A100", identity.RoleArbitrator)
	other      = identity.New("A200", identity.RoleArbitrator)
)

// fixture is an engine over a memory store with a controllable clock.
type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *MemoryStore
	orders *orders.MemoryDirectory
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  NewMemoryStore(),
		orders: orders.NewMemoryDirectory(),
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.orders.Put("O1", buyer.ID, seller.ID)
	f.orders.Put("O2", buyer.ID, seller.ID)
	f.orders.Put("O3", buyer3.ID, seller.ID)
	f.orders.Put("O4", buyer.ID, seller.ID)
	f.engine = NewEngine(f.store, f.orders, DefaultPolicy(), logging.Discard()).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) submit(orderID string) *Dispute {
	f.t.Helper()
	d, err := f.engine.Lifecycle.Submit(f.ctx, buyer, SubmitRequest{
		OrderID: orderID,
		Type:    TypeNotAsDescribed,
		Reason:  "item arrived broken",
	})
	require.NoError(f.t, err)
	return d
}

func (f *fixture) escalated(orderID string) *Dispute {
	f.t.Helper()
	d := f.submit(orderID)
	d, err := f.engine.Lifecycle.Escalate(f.ctx, buyer, d.ID)
	require.NoError(f.t, err)
	return d
}

func (f *fixture) arbitrating(orderID string) *Dispute {
	f.t.Helper()
	d := f.escalated(orderID)
	d, err := f.engine.Arbitration.Assign(f.ctx, admin, d.ID, arbitrator.ID)
	require.NoError(f.t, err)
	return d
}

func (f *fixture) get(id string) *Dispute {
	f.t.Helper()
	d, err := f.store.GetDispute(f.ctx, id)
	require.NoError(f.t, err)
	return d
}

func eventTypes(events []*Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
