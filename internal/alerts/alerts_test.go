package alerts

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu   sync.Mutex
	sent []Alert
	err  error
}

func (r *recordingAlerter) Send(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, alert)
	return r.err
}

func (r *recordingAlerter) alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.sent))
	copy(out, r.sent)
	return out
}

func TestManagerFansOutToAllTransports(t *testing.T) {
	a := &recordingAlerter{}
	b := &recordingAlerter{}
	m := NewManager(a, b)

	require.NoError(t, m.SendInfo(context.Background(), "hello", "world", nil))
	require.Len(t, a.alerts(), 1)
	require.Len(t, b.alerts(), 1)
	assert.Equal(t, SeverityInfo, a.alerts()[0].Severity)
	assert.False(t, a.alerts()[0].Timestamp.IsZero(), "manager stamps missing timestamps")
}

func TestManagerFailingTransportDoesNotBlockOthers(t *testing.T) {
	boom := errors.New("transport down")
	sick := &recordingAlerter{err: boom}
	healthy := &recordingAlerter{}
	m := NewManager(sick, healthy)

	err := m.SendCritical(context.Background(), "title", "message", nil)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, healthy.alerts(), 1, "the healthy transport still delivers")
}

func TestManagerAttachAddsTransportAtRuntime(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SendInfo(context.Background(), "before", "nobody listening", nil))

	late := &recordingAlerter{}
	m.Attach(late)
	require.NoError(t, m.SendWarning(context.Background(), "after", "now delivered", nil))

	require.Len(t, late.alerts(), 1)
	assert.Equal(t, "after", late.alerts()[0].Title)
}

func TestManagerPreservesExplicitTimestamp(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewManager(rec)
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Send(context.Background(), Alert{
		Title: "x", Message: "y", Severity: SeverityInfo, Timestamp: stamp,
	}))
	assert.Equal(t, stamp, rec.alerts()[0].Timestamp)
}

func TestDomainHelpers(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewManager(rec)
	ctx := context.Background()

	require.NoError(t, m.KillSwitchChanged(ctx, "operator", true, "manual halt"))
	require.NoError(t, m.KillSwitchChanged(ctx, "operator", false, ""))
	require.NoError(t, m.BreakerForced(ctx, "trade", "open", "operator"))
	require.NoError(t, m.InstanceLockLost(ctx, "/var/lock/botfunk", errors.New("stolen")))

	sent := rec.alerts()
	require.Len(t, sent, 4)
	assert.Equal(t, SeverityCritical, sent[0].Severity)
	assert.Equal(t, "operator", sent[0].Metadata["actor"])
	assert.Equal(t, SeverityWarning, sent[1].Severity)
	assert.Equal(t, SeverityWarning, sent[2].Severity)
	assert.Equal(t, "open", sent[2].Metadata["state"])
	assert.Equal(t, SeverityCritical, sent[3].Severity)
	assert.Equal(t, "/var/lock/botfunk", sent[3].Metadata["lock_path"])
}

func TestConsoleAlerterOutput(t *testing.T) {
	var buf bytes.Buffer
	c := &ConsoleAlerter{w: &buf}

	err := c.Send(context.Background(), Alert{
		Title:     "Component fatal",
		Message:   "trade-engine exhausted its restart budget",
		Severity:  SeverityCritical,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata:  map[string]interface{}{"failures": 5, "component": "trade-engine"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[CRITICAL]")
	assert.Contains(t, out, "Component fatal")
	assert.Contains(t, out, "component=trade-engine")
	assert.Contains(t, out, "failures=5")
	// Sorted metadata keeps output diffable.
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("component=")), bytes.Index(buf.Bytes(), []byte("failures=")))
}

func TestLogAlerterNeverFails(t *testing.T) {
	l := NewLogAlerter()
	assert.NoError(t, l.Send(context.Background(), Alert{
		Title:    "t",
		Message:  "m",
		Severity: SeverityWarning,
		Metadata: map[string]interface{}{"k": "v"},
	}))
}
