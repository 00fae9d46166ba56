package loops

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/airouter"
	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// stubScorer returns a canned score for every query and records prompts.
type stubScorer struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (s *stubScorer) Query(ctx context.Context, prompt string, taskType airouter.TaskType, c airouter.Constraints) (*airouter.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return nil, s.err
	}
	return &airouter.Reply{Text: s.reply, ModelUsed: "stub"}, nil
}

func (s *stubScorer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func fastModerationConfig() ModerationConfig {
	return ModerationConfig{
		Window:       time.Minute,
		ScoreLimit:   0.7,
		RatePerMin:   60000, // effectively unthrottled in tests
		QueueSize:    16,
		StepInterval: time.Hour,
	}
}

func levelParam(t *testing.T, st *state.Store, actor string) string {
	t.Helper()
	p, ok := st.GetParam(ModerationLevelKey(actor))
	if !ok {
		return ""
	}
	text, ok := p.Text()
	require.True(t, ok)
	return text
}

func TestModeratorEscalationLadder(t *testing.T) {
	st, err := state.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	scorer := &stubScorer{reply: "0.92"}
	mod := NewModerator(fastModerationConfig(), st, scorer, nil, zerolog.Nop())

	content := PostedContent{Actor: "spammer", Channel: "general", Text: "buy now!!!"}
	want := []string{ActionLog, ActionWarn, ActionMute, ActionBan, ActionBan}
	for i, expect := range want {
		require.NoError(t, mod.moderate(context.Background(), content))
		assert.Equal(t, expect, levelParam(t, st, "spammer"), "violation %d", i+1)
	}

	tail, err := st.ReadAuditTail(10)
	require.NoError(t, err)
	var moderations int
	for _, entry := range tail {
		if entry.Action == state.ActionModeration {
			moderations++
		}
	}
	assert.Equal(t, len(want), moderations, "every violation is audited")
}

func TestModeratorBelowLimitTakesNoAction(t *testing.T) {
	st, err := state.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	scorer := &stubScorer{reply: "0.25"}
	mod := NewModerator(fastModerationConfig(), st, scorer, nil, zerolog.Nop())

	seq := st.AuditSeq()
	require.NoError(t, mod.moderate(context.Background(), PostedContent{Actor: "alice", Text: "gm"}))
	assert.Equal(t, 1, scorer.calls())
	assert.Empty(t, levelParam(t, st, "alice"))
	assert.Equal(t, seq, st.AuditSeq(), "clean content leaves no audit trail")
}

func TestModeratorPersistedLevelIsAFloor(t *testing.T) {
	st, err := state.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	// A ban from a previous run survives the restart.
	require.NoError(t, st.SetParam("operator", ModerationLevelKey("spammer"), state.StringParam(ActionBan)))

	scorer := &stubScorer{reply: "0.95"}
	mod := NewModerator(fastModerationConfig(), st, scorer, nil, zerolog.Nop())

	require.NoError(t, mod.moderate(context.Background(), PostedContent{Actor: "spammer", Text: "again"}))
	assert.Equal(t, ActionBan, levelParam(t, st, "spammer"), "first in-window strike must not reset a persisted ban")
}

func TestModeratorStrikesExpireOutsideWindow(t *testing.T) {
	st, err := state.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	cfg := fastModerationConfig()
	cfg.Window = 30 * time.Millisecond
	scorer := &stubScorer{reply: "0.9"}
	mod := NewModerator(cfg, st, scorer, nil, zerolog.Nop())

	content := PostedContent{Actor: "sam", Text: "spam"}
	require.NoError(t, mod.moderate(context.Background(), content))
	require.NoError(t, mod.moderate(context.Background(), content))
	assert.Equal(t, ActionWarn, levelParam(t, st, "sam"))

	time.Sleep(50 * time.Millisecond)
	mod.sweep()
	mod.mu.Lock()
	remaining := len(mod.strikes["sam"])
	mod.mu.Unlock()
	assert.Zero(t, remaining, "expired strikes are swept")

	// The next violation counts one in-window strike, but the persisted
	// level keeps it at warn.
	require.NoError(t, mod.moderate(context.Background(), content))
	assert.Equal(t, ActionWarn, levelParam(t, st, "sam"))
}

func TestModeratorPublishesActions(t *testing.T) {
	st, err := state.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	eventBus := bus.New(bus.DefaultConfig(), zerolog.Nop())
	defer eventBus.Shutdown(context.Background())

	actions := make(chan *bus.Message, 8)
	_, err = eventBus.Subscribe(bus.Subscription{
		Subscriber: "observer",
		Types:      []bus.MessageType{bus.TypeModerationAction},
		Channel:    actions,
	})
	require.NoError(t, err)

	scorer := &stubScorer{reply: "0.99"}
	mod := NewModerator(fastModerationConfig(), st, scorer, eventBus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mod.Initialize(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mod.Run(ctx)
	}()

	posted := bus.NewMessage(bus.TypeContentPosted, "telegram").WithData(PostedContent{
		Actor:     "spammer",
		Channel:   "general",
		MessageID: "m1",
		Text:      "free money",
	})
	_, err = eventBus.Publish(posted)
	require.NoError(t, err)

	select {
	case msg := <-actions:
		assert.Equal(t, bus.TypeModerationAction, msg.Type)
		assert.Equal(t, "spammer", msg.Key)
		assert.Equal(t, bus.PriorityHigh, msg.Priority)
		data, ok := msg.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, ActionLog, data["action"])
		assert.Equal(t, "m1", data["message_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no moderation action published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
	require.NoError(t, mod.Shutdown(context.Background()))
}

func TestModeratorHandlerToleratesGarbage(t *testing.T) {
	st, err := state.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	mod := NewModerator(fastModerationConfig(), st, &stubScorer{reply: "0.9"}, nil, zerolog.Nop())
	msg := bus.NewMessage(bus.TypeContentPosted, "telegram").WithData(42)
	require.NoError(t, mod.handleContent(context.Background(), msg))
	assert.Empty(t, mod.queue)
}

func TestParseScore(t *testing.T) {
	cases := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"0.8", 0.8, false},
		{" 0.55\n", 0.55, false},
		{"Score: 0.9", 0.9, false},
		{"The verdict is 0.3, borderline.", 0.3, false},
		{"1", 1, false},
		{"0", 0, false},
		{"1.5", 0, true},
		{"-0.2", 0, true},
		{"definitely spam", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := parseScore(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.InDelta(t, tc.want, got, 1e-9, "input %q", tc.in)
	}
}
