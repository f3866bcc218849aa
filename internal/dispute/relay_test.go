package dispute

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arbiter/internal/leader"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/notify"
)

// recordingNotifier records facts and fails for disputes listed in failFor.
type recordingNotifier struct {
	mu      sync.Mutex
	facts   []notify.Fact
	failFor map[string]bool
}

func (r *recordingNotifier) Notify(_ context.Context, f notify.Fact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[f.DisputeID] {
		return errors.New("sink unavailable")
	}
	r.facts = append(r.facts, f)
	return nil
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.facts))
	for _, f := range r.facts {
		out = append(out, f.Type)
	}
	return out
}

func TestRelay_DeliversInOrderOnce(t *testing.T) {
	f := newFixture(t)
	d := f.arbitrating("O1")
	sink := &recordingNotifier{}
	relay := NewEventRelay(f.store, sink, logging.Discard())

	n, err := relay.Flush(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"dispute.submitted", "dispute.escalated", "dispute.arbitrator_assigned"}, sink.types())
	assert.Equal(t, d.ID, sink.facts[2].DisputeID)
	assert.Equal(t, admin.ID, sink.facts[2].ActorID)
	assert.Equal(t, string(StatusArbitrating), sink.facts[2].Status)

	n, err = relay.Flush(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	undelivered, err := f.store.ListUndeliveredEvents(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, undelivered)
}

func TestRelay_FailureHoldsBackThatDisputeOnly(t *testing.T) {
	f := newFixture(t)
	blocked := f.escalated("O1")
	f.submit("O2")
	sink := &recordingNotifier{failFor: map[string]bool{blocked.ID: true}}
	relay := NewEventRelay(f.store, sink, logging.Discard())

	n, err := relay.Flush(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	undelivered, err := f.store.ListUndeliveredEvents(f.ctx, 10)
	require.NoError(t, err)
	assert.Len(t, undelivered, 2)

	sink.failFor = nil
	n, err = relay.Flush(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"dispute.submitted", "dispute.submitted", "dispute.escalated"}, sink.types())
}

// Deterministic fact ids let a deduplicating notifier drop redelivery.
func TestRelay_RedeliveryIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	f.submit("O1")
	sink := &recordingNotifier{}
	dedup := notify.NewDeduplicating(sink, notify.NewMemoryDeduper(notify.DefaultDedupTTL))

	events, err := f.store.ListUndeliveredEvents(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, dedup.Notify(f.ctx, factOf(events[0])))

	relay := NewEventRelay(f.store, dedup, logging.Discard())
	_, err = relay.Flush(f.ctx)
	require.NoError(t, err)
	assert.Len(t, sink.types(), 1)
}

func TestRelay_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.submit("O1")
	locker := leader.NewLocalLocker()
	unlock, ok, err := locker.TryLock(f.ctx, relayLockKey)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	sink := &recordingNotifier{}
	n, err := NewEventRelay(f.store, sink, logging.Discard()).WithLocker(locker).Flush(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, sink.types())
}
