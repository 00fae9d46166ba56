package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/faults"
)

func openTestStore(t *testing.T, root string) *Store {
	t.Helper()
	s, err := Open(root, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPosition(intentID string) Position {
	return Position{
		ID:              "pos-" + intentID,
		Symbol:          "BTC/USDT",
		Direction:       DirectionLong,
		EntryPrice:      decimal.RequireFromString("100"),
		CurrentPrice:    decimal.RequireFromString("100"),
		PeakPrice:       decimal.RequireFromString("100"),
		Quantity:        decimal.RequireFromString("1"),
		StopLossPrice:   decimal.RequireFromString("85"),
		TakeProfitPrice: decimal.RequireFromString("125"),
		Status:          StatusOpen,
		IntentID:        intentID,
		OpenedAt:        time.Now().UTC(),
	}
}

func TestSaveLoadPositionsRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)

	want := []Position{testPosition("intent-a"), testPosition("intent-b")}
	require.NoError(t, s.SavePositions(want))

	// A fresh store must read back the same set from disk.
	s2 := openTestStore(t, root)
	got, err := s2.LoadPositions()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "intent-a", got[0].IntentID)
	assert.Equal(t, StatusOpen, got[0].Status)
	assert.True(t, got[0].EntryPrice.Equal(want[0].EntryPrice))
	assert.True(t, got[1].StopLossPrice.Equal(want[1].StopLossPrice))
}

func TestLoadPositionsMissingFile(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	got, err := s.LoadPositions()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadPositionsCorruptLive(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)
	require.NoError(t, s.SavePositions([]Position{testPosition("intent-a")}))

	// Truncate the live snapshot mid-object.
	livePath := filepath.Join(root, positionsFileName(schemaVersion))
	data, err := os.ReadFile(livePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(livePath, data[:len(data)/2], 0600))

	s2 := openTestStore(t, root)
	_, err = s2.LoadPositions()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptState))
	assert.Equal(t, faults.Persistence, faults.KindOf(err))
}

func TestLoadPositionsRecoversFromTmpWhenLiveMissing(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)
	require.NoError(t, s.SavePositions([]Position{testPosition("intent-a")}))

	// Simulate a crash between writing the temp file and the rename.
	livePath := filepath.Join(root, positionsFileName(schemaVersion))
	tmpPath := filepath.Join(root, positionsTmpName)
	require.NoError(t, os.Rename(livePath, tmpPath))

	s2 := openTestStore(t, root)
	got, err := s2.LoadPositions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "intent-a", got[0].IntentID)

	// The temp file is promoted to the live path.
	_, err = os.Stat(livePath)
	assert.NoError(t, err)
	_, err = os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadPositionsCorruptLiveFallsBackToValidTmp(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)
	require.NoError(t, s.SavePositions([]Position{testPosition("intent-a")}))

	livePath := filepath.Join(root, positionsFileName(schemaVersion))
	tmpPath := filepath.Join(root, positionsTmpName)
	data, err := os.ReadFile(livePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmpPath, data, 0600))
	require.NoError(t, os.WriteFile(livePath, data[:len(data)/3], 0600))

	s2 := openTestStore(t, root)
	got, err := s2.LoadPositions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "intent-a", got[0].IntentID)
}

func TestLoadPositionsPrefersLiveAndDeletesTmp(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)
	require.NoError(t, s.SavePositions([]Position{testPosition("intent-live")}))

	// Leave behind a stale temp file holding a different set.
	livePath := filepath.Join(root, positionsFileName(schemaVersion))
	tmpPath := filepath.Join(root, positionsTmpName)
	liveData, err := os.ReadFile(livePath)
	require.NoError(t, err)

	s3 := openTestStore(t, t.TempDir())
	require.NoError(t, s3.SavePositions([]Position{testPosition("intent-stale")}))
	staleData, err := os.ReadFile(filepath.Join(s3.Root(), positionsFileName(schemaVersion)))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(tmpPath, staleData, 0600))
	require.NoError(t, os.WriteFile(livePath, liveData, 0600))

	s2 := openTestStore(t, root)
	got, err := s2.LoadPositions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "intent-live", got[0].IntentID)

	_, err = os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSavePositionsRejectsDuplicateOpenIntent(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	a := testPosition("intent-a")
	b := testPosition("intent-a")
	b.ID = "pos-other"

	err := s.SavePositions([]Position{a, b})
	require.Error(t, err)
	assert.Equal(t, faults.Contract, faults.KindOf(err))
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to PositionStatus
		want     bool
	}{
		{StatusOpen, StatusClosing, true},
		{StatusOpen, StatusClosed, true},
		{StatusClosing, StatusClosed, true},
		{StatusClosed, StatusClosing, false},
		{StatusClosing, StatusOpen, false},
		{StatusOpen, StatusOpen, true},
		{StatusOpen, PositionStatus("Reopened"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestAppendAuditMonotoneSeq(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)

	for i := 1; i <= 3; i++ {
		seq, err := s.AppendAudit(AuditEntry{Actor: "trade_engine", Action: ActionOpen})
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}
	require.NoError(t, s.Close())

	// Sequence continues across restart.
	s2 := openTestStore(t, root)
	seq, err := s2.AppendAudit(AuditEntry{Actor: "trade_engine", Action: ActionClose})
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestReadAuditTailSkipsTornLine(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)

	_, err := s.AppendAudit(AuditEntry{Actor: "a", Action: ActionOpen})
	require.NoError(t, err)
	_, err = s.AppendAudit(AuditEntry{Actor: "a", Action: ActionStopMove})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash mid-append.
	f, err := os.OpenFile(filepath.Join(root, auditLogName), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"actor":"a","ac`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openTestStore(t, root)
	entries, err := s2.ReadAuditTail(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, int64(2), entries[1].Seq)

	// The torn line does not advance the recovered sequence.
	seq, err := s2.AppendAudit(AuditEntry{Actor: "a", Action: ActionClose})
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestReadAuditTailLimit(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	for i := 0; i < 5; i++ {
		_, err := s.AppendAudit(AuditEntry{Actor: "a", Action: ActionStopMove})
		require.NoError(t, err)
	}

	entries, err := s.ReadAuditTail(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].Seq)
	assert.Equal(t, int64(5), entries[1].Seq)
}

func TestParamsPersistAcrossRestart(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)

	require.NoError(t, s.SetParam("selftune", "stop_loss_pct", NumberParam(0.12)))
	require.NoError(t, s.SetParam("operator", "strategy_note", StringParam("tight stops in chop")))

	s2 := openTestStore(t, root)
	p, ok := s2.GetParam("stop_loss_pct")
	require.True(t, ok)
	v, isNum := p.Float()
	require.True(t, isNum)
	assert.InDelta(t, 0.12, v, 1e-9)

	p, ok = s2.GetParam("strategy_note")
	require.True(t, ok)
	txt, isStr := p.Text()
	require.True(t, isStr)
	assert.Equal(t, "tight stops in chop", txt)
}

func TestSetParamAudited(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	require.NoError(t, s.SetParam("selftune", "take_profit_pct", NumberParam(0.3)))

	entries, err := s.ReadAuditTail(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionParamSet, entries[0].Action)
	assert.Equal(t, "selftune", entries[0].Actor)
}

func TestPendingIntentsLifecycle(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)

	err := s.PutPendingIntent(PendingIntent{})
	require.Error(t, err)
	assert.Equal(t, faults.Contract, faults.KindOf(err))

	older := PendingIntent{
		IntentID:  "intent-a",
		Symbol:    "BTC/USDT",
		Direction: DirectionLong,
		Size:      decimal.RequireFromString("1"),
		TTL:       time.Hour,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
	newer := PendingIntent{
		IntentID: "intent-b",
		Symbol:   "ETH/USDT",
		Size:     decimal.RequireFromString("2"),
	}
	require.NoError(t, s.PutPendingIntent(older))
	require.NoError(t, s.PutPendingIntent(newer))

	// Oldest first, and durable across restart.
	s2 := openTestStore(t, root)
	got, err := s2.PendingIntents()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "intent-a", got[0].IntentID)
	assert.Equal(t, "intent-b", got[1].IntentID)
	assert.True(t, got[0].Size.Equal(older.Size))

	require.NoError(t, s2.DeletePendingIntent("intent-a"))
	// Deleting a resolved intent twice is a no-op.
	require.NoError(t, s2.DeletePendingIntent("intent-a"))

	got, err = s2.PendingIntents()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "intent-b", got[0].IntentID)
}

func TestPendingIntentExpired(t *testing.T) {
	now := time.Now().UTC()

	assert.True(t, PendingIntent{IntentID: "a", TTL: time.Minute, CreatedAt: now.Add(-2 * time.Minute)}.Expired(now))
	assert.False(t, PendingIntent{IntentID: "b", TTL: time.Hour, CreatedAt: now}.Expired(now))
	// No TTL means no expiry.
	assert.False(t, PendingIntent{IntentID: "c", CreatedAt: now.Add(-24 * time.Hour)}.Expired(now))
}

func TestPendingIntentsCorruptFile(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)
	require.NoError(t, s.PutPendingIntent(PendingIntent{
		IntentID: "intent-a",
		Symbol:   "BTC/USDT",
		Size:     decimal.RequireFromString("1"),
	}))

	path := filepath.Join(root, intentsFileName(schemaVersion))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0600))

	s2 := openTestStore(t, root)
	_, err = s2.PendingIntents()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptState))
}

func TestKillSwitch(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)

	on, _ := s.KillSwitch()
	assert.False(t, on)

	require.NoError(t, s.SetKillSwitch("operator", true, "manual halt"))
	on, reason := s.KillSwitch()
	assert.True(t, on)
	assert.Equal(t, "manual halt", reason)

	// Persisted across restart.
	s2 := openTestStore(t, root)
	on, reason = s2.KillSwitch()
	assert.True(t, on)
	assert.Equal(t, "manual halt", reason)

	require.NoError(t, s2.SetKillSwitch("operator", false, ""))
	on, _ = s2.KillSwitch()
	assert.False(t, on)

	entries, err := s2.ReadAuditTail(10)
	require.NoError(t, err)
	var killEntries int
	for _, e := range entries {
		if e.Action == ActionKillSwitch {
			killEntries++
		}
	}
	assert.Equal(t, 2, killEntries)
}
