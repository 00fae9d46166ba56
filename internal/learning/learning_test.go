package learning

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/faults"
)

func newTestStore(t *testing.T, cfg Config, pub Publisher) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "learnings.log"), cfg, pub, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*bus.Message
}

func (p *fakePublisher) Publish(msg *bus.Message) (bus.PublishOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return bus.PublishOutcome{Delivered: 1}, nil
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	id, err := s.Add("shill", SuccessPattern, "posting at 14:00 UTC doubles engagement",
		map[string]string{"channel": "twitter"}, 0.8)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	l, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "shill", l.Component)
	assert.Equal(t, SuccessPattern, l.Type)
	assert.Equal(t, "twitter", l.Context["channel"])
	assert.Equal(t, 0.8, l.Confidence)
	assert.Equal(t, 0, l.UseCount)
	assert.Equal(t, l.CreatedAt, l.LastUsedAt)

	// Returned copies do not alias the index.
	l.Context["channel"] = "mutated"
	fresh, _ := s.Get(id)
	assert.Equal(t, "twitter", fresh.Context["channel"])
}

func TestAddClampsConfidence(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{name: "above one", in: 1.5, want: 1.0},
		{name: "below zero", in: -0.2, want: 0.0},
		{name: "in range", in: 0.42, want: 0.42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.Add("tuner", Optimization, "clamp check", nil, tt.in)
			require.NoError(t, err)
			l, _ := s.Get(id)
			assert.Equal(t, tt.want, l.Confidence)
		})
	}
}

func TestAddValidation(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	tests := []struct {
		name      string
		component string
		typ       Type
		content   string
	}{
		{name: "missing component", component: "", typ: SuccessPattern, content: "x"},
		{name: "missing content", component: "c", typ: SuccessPattern, content: ""},
		{name: "unknown type", component: "c", typ: Type("hunch"), content: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Add(tt.component, tt.typ, tt.content, nil, 0.5)
			require.Error(t, err)
			assert.Equal(t, faults.Contract, faults.KindOf(err))
		})
	}
}

func TestSearchOrdering(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	_, err := s.Add("a", SuccessPattern, "mid", nil, 0.5)
	require.NoError(t, err)
	_, err = s.Add("b", SuccessPattern, "high", nil, 0.9)
	require.NoError(t, err)
	_, err = s.Add("c", SuccessPattern, "between", nil, 0.7)
	require.NoError(t, err)
	// Same confidence as "high" but used more recently: wins the tie.
	_, err = s.Add("d", SuccessPattern, "high and fresh", nil, 0.9)
	require.NoError(t, err)

	got := s.Search(Query{})
	require.Len(t, got, 4)
	assert.Equal(t, "high and fresh", got[0].Content)
	assert.Equal(t, "high", got[1].Content)
	assert.Equal(t, "between", got[2].Content)
	assert.Equal(t, "mid", got[3].Content)
}

func TestSearchFilters(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	_, err := s.Add("trader", SuccessPattern, "Tight stops on BTC breakouts", map[string]string{"regime": "bullish"}, 0.9)
	require.NoError(t, err)
	_, err = s.Add("moderator", FailurePattern, "banning too fast loses regulars", nil, 0.7)
	require.NoError(t, err)
	_, err = s.Add("trader", Optimization, "trail distance 5% beats 3%", nil, 0.05)
	require.NoError(t, err)

	t.Run("by component", func(t *testing.T) {
		got := s.Search(Query{Component: "moderator"})
		require.Len(t, got, 1)
		assert.Equal(t, FailurePattern, got[0].Type)
	})

	t.Run("by type", func(t *testing.T) {
		got := s.Search(Query{Type: SuccessPattern})
		require.Len(t, got, 1)
		assert.Equal(t, "trader", got[0].Component)
	})

	t.Run("text is case-insensitive", func(t *testing.T) {
		got := s.Search(Query{Text: "tight STOPS"})
		require.Len(t, got, 1)
		assert.Contains(t, got[0].Content, "Tight stops")
	})

	t.Run("text matches context", func(t *testing.T) {
		got := s.Search(Query{Text: "bullish"})
		require.Len(t, got, 1)
		assert.Equal(t, "trader", got[0].Component)
	})

	t.Run("default floor hides decayed entries", func(t *testing.T) {
		got := s.Search(Query{Component: "trader"})
		require.Len(t, got, 1)
	})

	t.Run("negative floor returns everything", func(t *testing.T) {
		got := s.Search(Query{Component: "trader", MinConfidence: -1})
		require.Len(t, got, 2)
	})

	t.Run("explicit floor", func(t *testing.T) {
		got := s.Search(Query{MinConfidence: 0.8})
		require.Len(t, got, 1)
		assert.Equal(t, 0.9, got[0].Confidence)
	})

	t.Run("limit", func(t *testing.T) {
		got := s.Search(Query{Limit: 1})
		require.Len(t, got, 1)
		assert.Equal(t, 0.9, got[0].Confidence)
	})
}

func TestFeedbackAdjustsConfidence(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	id, err := s.Add("trader", SuccessPattern, "buy the dip", nil, 0.5)
	require.NoError(t, err)

	// rate = 1/1 after the update: 0.7*0.5 + 0.3*1.0
	require.NoError(t, s.MarkSuccess(id))
	l, _ := s.Get(id)
	assert.InDelta(t, 0.65, l.Confidence, 1e-9)
	assert.Equal(t, 1, l.SuccessCount)
	assert.Equal(t, 1, l.UseCount)

	// rate = 1/2 after the update: 0.7*0.65 + 0.3*0.5
	require.NoError(t, s.MarkFailure(id))
	l, _ = s.Get(id)
	assert.InDelta(t, 0.605, l.Confidence, 1e-9)
	assert.Equal(t, 1, l.FailureCount)
	assert.Equal(t, 2, l.UseCount)
	assert.True(t, l.LastUsedAt.After(l.CreatedAt))
}

func TestFeedbackUnknownID(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	err := s.MarkSuccess(uuid.New())
	require.Error(t, err)
	assert.Equal(t, faults.Contract, faults.KindOf(err))
}

func TestConfidenceStaysInRange(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	id, err := s.Add("trader", SuccessPattern, "range check", nil, 0.5)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.MarkSuccess(id))
	}
	l, _ := s.Get(id)
	assert.LessOrEqual(t, l.Confidence, 1.0)
	assert.Greater(t, l.Confidence, 0.9)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.MarkFailure(id))
	}
	l, _ = s.Get(id)
	assert.GreaterOrEqual(t, l.Confidence, 0.0)
	assert.Less(t, l.Confidence, 0.5)
}

func TestAlphaConfigClamped(t *testing.T) {
	// Alpha 0.2 is below the allowed band and snaps to 0.5; a failure on a
	// fresh entry then halves confidence exactly.
	s := newTestStore(t, Config{Alpha: 0.2}, nil)

	id, err := s.Add("trader", SuccessPattern, "alpha floor", nil, 1.0)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailure(id))

	l, _ := s.Get(id)
	assert.InDelta(t, 0.5, l.Confidence, 1e-9)
}

func TestReplayRestoresState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learnings.log")

	s, err := Open(path, Config{}, nil, zerolog.Nop())
	require.NoError(t, err)

	id1, err := s.Add("trader", SuccessPattern, "first", nil, 0.5)
	require.NoError(t, err)
	id2, err := s.Add("moderator", FailurePattern, "second", nil, 0.9)
	require.NoError(t, err)
	require.NoError(t, s.MarkSuccess(id1))
	require.NoError(t, s.Close())

	reopened, err := Open(path, Config{}, nil, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	l1, ok := reopened.Get(id1)
	require.True(t, ok)
	assert.InDelta(t, 0.65, l1.Confidence, 1e-9)
	assert.Equal(t, 1, l1.SuccessCount)
	assert.Equal(t, 1, l1.UseCount)

	l2, ok := reopened.Get(id2)
	require.True(t, ok)
	assert.Equal(t, 0.9, l2.Confidence)

	st := reopened.Stats()
	assert.Equal(t, Stats{ActiveLearnings: 2, SuccessfulApplications: 1}, st)
}

func TestReplayToleratesTrailingPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learnings.log")

	s, err := Open(path, Config{}, nil, zerolog.Nop())
	require.NoError(t, err)
	id, err := s.Add("trader", SuccessPattern, "survivor", nil, 0.5)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: a torn record with no newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"9f1c`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, Config{}, nil, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	_, ok := reopened.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 1, reopened.Stats().ActiveLearnings)

	// Appends still land after the torn tail.
	id2, err := reopened.Add("trader", Optimization, "post-crash", nil, 0.6)
	require.NoError(t, err)
	_, ok = reopened.Get(id2)
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	id, err := s.Add("trader", SuccessPattern, "counted", nil, 0.9)
	require.NoError(t, err)
	_, err = s.Add("trader", FailurePattern, "decayed", nil, 0.05)
	require.NoError(t, err)

	require.NoError(t, s.MarkSuccess(id))
	require.NoError(t, s.MarkSuccess(id))
	require.NoError(t, s.MarkFailure(id))

	st := s.Stats()
	assert.Equal(t, 1, st.ActiveLearnings)
	assert.Equal(t, 2, st.SuccessfulApplications)
	assert.Equal(t, 1, st.FailedApplications)
}

func TestNewLearningAnnounced(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestStore(t, Config{}, pub)

	id, err := s.Add("shill", ContextAdaptation, "tone down hype in bearish regimes",
		map[string]string{"regime": "bearish"}, 0.7)
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, bus.TypeNewLearning, msg.Type)
	assert.Equal(t, "shill", msg.Sender)
	assert.Equal(t, string(ContextAdaptation), msg.Key)

	payload, ok := msg.Data.(*Learning)
	require.True(t, ok)
	assert.Equal(t, id, payload.ID)
}
