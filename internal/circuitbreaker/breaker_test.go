package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clk.now), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("hooks.example.com")
	b.RecordFailure("hooks.example.com")
	assert.True(t, b.Allow("hooks.example.com"))

	b.RecordFailure("hooks.example.com")
	assert.False(t, b.Allow("hooks.example.com"))
	assert.Equal(t, StateOpen, b.State("hooks.example.com"))

	// Other keys are unaffected.
	assert.True(t, b.Allow("other.example.com"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure("sink")
	b.RecordFailure("sink")

	clk.advance(61 * time.Second)
	assert.True(t, b.Allow("sink"), "first request after the open window is a probe")
	assert.Equal(t, StateHalfOpen, b.State("sink"))
	assert.False(t, b.Allow("sink"), "only one probe at a time")

	b.RecordSuccess("sink")
	assert.Equal(t, StateClosed, b.State("sink"))
	assert.True(t, b.Allow("sink"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("sink")
	clk.advance(2 * time.Minute)
	assert.True(t, b.Allow("sink"))

	b.RecordFailure("sink")
	assert.Equal(t, StateOpen, b.State("sink"))
	assert.False(t, b.Allow("sink"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2)
	boom := errors.New("boom")

	assert.ErrorIs(t, b.Do("sink", func() error { return boom }), boom)
	assert.ErrorIs(t, b.Do("sink", func() error { return boom }), boom)

	called := false
	err := b.Do("sink", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	})

	b.RecordFailure("sink")
	assert.Equal(t, []string{"sink:closed->open"}, got)
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				b.Allow("sink")
				b.RecordFailure("sink")
				b.RecordSuccess("sink")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("sink"))
}
