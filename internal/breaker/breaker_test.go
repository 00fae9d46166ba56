package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/faults"
)

func newTestBreaker(name string, cfg Config) *Breaker {
	return New(name, cfg, zerolog.Nop())
}

func TestOpensAtExactThreshold(t *testing.T) {
	b := newTestBreaker("venue", Config{Threshold: 3, Window: time.Minute, Cooldown: time.Hour})

	b.RecordFailure("timeout")
	b.RecordFailure("timeout")
	ok, _ := b.Allow()
	assert.True(t, ok, "two failures must not trip a threshold of three")
	assert.Equal(t, Closed, b.State())

	b.RecordFailure("timeout")
	assert.Equal(t, Open, b.State())

	ok, retryAt := b.Allow()
	assert.False(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), retryAt, time.Second)
}

func TestFailureWindowRestarts(t *testing.T) {
	b := newTestBreaker("venue", Config{Threshold: 2, Window: 50 * time.Millisecond, Cooldown: time.Hour})

	b.RecordFailure("timeout")
	time.Sleep(80 * time.Millisecond)

	// The first failure aged out; the count restarts at one.
	b.RecordFailure("timeout")
	assert.Equal(t, Closed, b.State())

	b.RecordFailure("timeout")
	assert.Equal(t, Open, b.State())
}

func TestSuccessDoesNotResetFailureCount(t *testing.T) {
	b := newTestBreaker("venue", Config{Threshold: 2, Window: time.Minute, Cooldown: time.Hour})

	b.RecordFailure("timeout")
	b.RecordSuccess()
	b.RecordFailure("timeout")
	assert.Equal(t, Open, b.State())
}

func TestCooldownAdmitsSingleProbe(t *testing.T) {
	b := newTestBreaker("venue", Config{Threshold: 1, Window: time.Minute, Cooldown: 50 * time.Millisecond})

	b.RecordFailure("timeout")
	ok, _ := b.Allow()
	require.False(t, ok)

	time.Sleep(80 * time.Millisecond)

	ok, _ = b.Allow()
	require.True(t, ok, "cooldown elapsed, probe slot open")
	assert.Equal(t, HalfOpen, b.State())

	ok, retryAt := b.Allow()
	assert.False(t, ok, "only one probe is admitted")
	assert.True(t, retryAt.IsZero())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	ok, _ = b.Allow()
	assert.True(t, ok)
}

func TestProbeFailureReopens(t *testing.T) {
	b := newTestBreaker("venue", Config{Threshold: 1, Window: time.Minute, Cooldown: 50 * time.Millisecond})

	b.RecordFailure("timeout")
	time.Sleep(80 * time.Millisecond)

	ok, _ := b.Allow()
	require.True(t, ok)
	b.RecordFailure("still down")

	assert.Equal(t, Open, b.State())
	ok, _ = b.Allow()
	assert.False(t, ok)

	// The re-open starts a fresh cooldown.
	time.Sleep(80 * time.Millisecond)
	ok, _ = b.Allow()
	assert.True(t, ok)
}

func TestForceOpenPinsCircuit(t *testing.T) {
	b := newTestBreaker("venue", Config{Threshold: 5, Window: time.Minute, Cooldown: 50 * time.Millisecond})

	b.ForceOpen("incident response")
	ok, retryAt := b.Allow()
	assert.False(t, ok)
	assert.True(t, retryAt.IsZero(), "a pinned circuit reports no retry time")

	// No recovery on cooldown while pinned.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, Open, b.State())
	ok, _ = b.Allow()
	assert.False(t, ok)

	b.ForceClose("incident resolved")
	ok, _ = b.Allow()
	assert.True(t, ok)
}

func TestForceCloseResetsCounters(t *testing.T) {
	b := newTestBreaker("venue", Config{Threshold: 2, Window: time.Minute, Cooldown: time.Hour})

	b.RecordFailure("timeout")
	b.ForceClose("maintenance done")

	b.RecordFailure("timeout")
	assert.Equal(t, Closed, b.State())
	b.RecordFailure("timeout")
	assert.Equal(t, Open, b.State())
}

func TestAuditHookFires(t *testing.T) {
	var mu sync.Mutex
	var calls [][3]string
	cfg := DefaultConfig()
	cfg.Audit = func(name, transition, reason string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, [3]string{name, transition, reason})
	}
	b := New("venue", cfg, zerolog.Nop())

	b.ForceOpen("halt trading")
	b.ForceClose("resume trading")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, [3]string{"venue", "force_open", "halt trading"}, calls[0])
	assert.Equal(t, [3]string{"venue", "force_close", "resume trading"}, calls[1])
}

func TestOnStateChangeSequence(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	cfg := Config{
		Threshold: 1,
		Window:    time.Minute,
		Cooldown:  50 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, from.String()+">"+to.String())
		},
	}
	b := New("venue", cfg, zerolog.Nop())

	b.RecordFailure("timeout")
	time.Sleep(80 * time.Millisecond)
	ok, _ := b.Allow()
	require.True(t, ok)
	b.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, seen)
}

func TestDeny(t *testing.T) {
	t.Run("tripped circuit carries retry time", func(t *testing.T) {
		b := newTestBreaker("venue", Config{Threshold: 1, Window: time.Minute, Cooldown: time.Hour})
		b.RecordFailure("timeout")

		err := b.Deny("trade.open")
		require.Error(t, err)
		assert.True(t, faults.IsTransient(err))
		retryAt, ok := faults.RetryAt(err)
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Hour), retryAt, time.Second)
	})

	t.Run("forced circuit is a safety denial", func(t *testing.T) {
		b := newTestBreaker("venue", DefaultConfig())
		b.ForceOpen("incident")

		err := b.Deny("trade.open")
		require.Error(t, err)
		assert.Equal(t, faults.Safety, faults.KindOf(err))
		_, ok := faults.RetryAt(err)
		assert.False(t, ok)
	})
}

func TestSnapshot(t *testing.T) {
	b := newTestBreaker("posting", Config{Threshold: 2, Window: time.Minute, Cooldown: time.Hour})

	snap := b.Snapshot()
	assert.Equal(t, "posting", snap.Name)
	assert.Equal(t, "closed", snap.State)

	b.RecordFailure("rate limited")
	b.RecordFailure("rate limited")

	snap = b.Snapshot()
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 2, snap.Failures)
	assert.False(t, snap.OpenedAt.IsZero())
	assert.Equal(t, snap.OpenedAt.Add(time.Hour), snap.RetryAt)
	assert.False(t, snap.Forced)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig(), zerolog.Nop())

	a := r.GetOrCreate("venue")
	assert.Same(t, a, r.GetOrCreate("venue"))

	_, ok := r.Get("missing")
	assert.False(t, ok)

	custom := New("ai", Config{Threshold: 1, Window: time.Minute, Cooldown: time.Minute}, zerolog.Nop())
	assert.Same(t, custom, r.Add(custom))
	assert.Same(t, custom, r.Add(New("ai", DefaultConfig(), zerolog.Nop())))

	r.GetOrCreate("posting")
	snaps := r.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "ai", snaps[0].Name)
	assert.Equal(t, "posting", snaps[1].Name)
	assert.Equal(t, "venue", snaps[2].Name)
}
