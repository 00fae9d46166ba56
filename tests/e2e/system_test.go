package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/learning"
	"github.com/ajitpratap0/botfunk/internal/lockmgr"
	"github.com/ajitpratap0/botfunk/internal/state"
	"github.com/ajitpratap0/botfunk/internal/trade"
)

// A buy signal on the bus becomes an open position, the price run-up takes
// profit, and the outcome lands on the bus, in the audit trail, and in the
// learning store.
func TestTradingFlowEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e scenario in short mode")
	}

	h := newHarness(t, harnessOpts{})
	h.start(context.Background())

	closed := h.tap(bus.TypeTradeClosed)

	h.venue.SetPrice("BTCUSDT", decimal.NewFromInt(40000))
	h.buySignal("BTCUSDT", "0.5")

	pos := h.awaitOpenPosition("BTCUSDT", 3*time.Second)
	assert.True(t, pos.StopLossPrice.LessThan(pos.EntryPrice),
		"a fresh long carries a stop below entry")
	assert.True(t, pos.TakeProfitPrice.GreaterThan(pos.EntryPrice))

	// Clear the take-profit rung; the next quote poll exits the position.
	h.venue.SetPrice("BTCUSDT", decimal.NewFromInt(50001))

	msg := awaitMessage(t, closed, bus.TypeTradeClosed, 3*time.Second)
	assert.Equal(t, "trade-engine", msg.Sender)
	assert.Equal(t, "BTCUSDT", msg.Key)

	require.Eventually(t, func() bool {
		got := h.learn.Search(learning.Query{
			Component:     "trade-engine",
			Type:          learning.SuccessPattern,
			MinConfidence: 0.01,
		})
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond, "profitable close should be recorded as a learning")

	tail, err := h.store.ReadAuditTail(50)
	require.NoError(t, err)
	actions := map[string]bool{}
	for _, entry := range tail {
		actions[entry.Action] = true
	}
	assert.True(t, actions[state.ActionOpen], "open must be audited")
	assert.True(t, actions[state.ActionClose], "close must be audited")
}

func TestKillSwitchHaltsOpensEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e scenario in short mode")
	}

	h := newHarness(t, harnessOpts{})
	h.start(context.Background())

	h.venue.SetPrice("ETHUSDT", decimal.NewFromInt(2000))
	require.NoError(t, h.store.SetKillSwitch("operator", true, "incident drill"))

	h.buySignal("ETHUSDT", "1")
	require.Eventually(t, func() bool {
		tail, err := h.store.ReadAuditTail(20)
		require.NoError(t, err)
		for _, entry := range tail {
			if entry.Action == state.ActionDenied {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond, "signal under kill switch must be denied")
	assert.Empty(t, h.engine.Positions(trade.Filter{Status: state.StatusOpen}),
		"nothing opens while the switch is engaged")

	require.NoError(t, h.store.SetKillSwitch("operator", false, "drill over"))
	h.buySignal("ETHUSDT", "1")
	h.awaitOpenPosition("ETHUSDT", 3*time.Second)
}

// Positions survive a full process restart with their protective stops
// still armed: the rebuilt engine closes them when the price collapses.
func TestRestartRecoversOpenPositions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e scenario in short mode")
	}

	dir := t.TempDir()

	h := newHarness(t, harnessOpts{stateDir: dir})
	h.start(context.Background())
	h.venue.SetPrice("BTCUSDT", decimal.NewFromInt(40000))
	h.buySignal("BTCUSDT", "0.25")
	before := h.awaitOpenPosition("BTCUSDT", 3*time.Second)
	h.stop()

	h2 := newHarness(t, harnessOpts{stateDir: dir})
	h2.start(context.Background())

	after := h2.awaitOpenPosition("BTCUSDT", 3*time.Second)
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, before.StopLossPrice.Equal(after.StopLossPrice),
		"the stop must ride through the restart")

	closed := h2.tap(bus.TypeTradeClosed)
	h2.venue.SetPrice("BTCUSDT", decimal.NewFromInt(30000))
	msg := awaitMessage(t, closed, bus.TypeTradeClosed, 3*time.Second)
	assert.Equal(t, "BTCUSDT", msg.Key)
}

// Two daemons pointed at one state directory: the second must refuse to
// come up until the first lets go of the process lock.
func TestProcessLockExcludesSecondDaemon(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e scenario in short mode")
	}

	dir := filepath.Join(t.TempDir(), "locks")
	ctx := context.Background()

	first, err := lockmgr.NewManager(dir, "daemon-a", time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	lease, busy, err := first.AcquireAndHold(ctx, "botfunk-core")
	require.NoError(t, err)
	require.Nil(t, busy)

	second, err := lockmgr.NewManager(dir, "daemon-b", time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	_, busy, err = second.AcquireAndHold(ctx, "botfunk-core")
	require.NoError(t, err)
	require.NotNil(t, busy, "live lock must read as busy")
	assert.Equal(t, "daemon-a", busy.HolderID)

	require.NoError(t, lease.Release())

	lease2, busy, err := second.AcquireAndHold(ctx, "botfunk-core")
	require.NoError(t, err)
	require.Nil(t, busy, "released lock is free for takeover")
	require.NoError(t, lease2.Release())
}
