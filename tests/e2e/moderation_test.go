package e2e

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// Posted content flows bus -> moderation loop -> AI router -> scripted
// model and back: violations walk the actor up the enforcement ladder one
// rung per strike.
func TestModerationEscalationEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e scenario in short mode")
	}

	ai := scriptedAI(t, func(prompt string) string {
		if strings.Contains(prompt, "pump") {
			return "0.95"
		}
		return "0.05"
	})

	h := newHarness(t, harnessOpts{aiEndpoint: ai.URL})
	h.start(context.Background())

	actions := h.tap(bus.TypeModerationAction)

	// Harmless chatter draws no enforcement.
	h.postContent("@shiller", "good morning everyone")

	var got []string
	for i := 0; i < 4; i++ {
		h.postContent("@shiller", fmt.Sprintf("pump this coin now %d", i))
		msg := awaitMessage(t, actions, bus.TypeModerationAction, 3*time.Second)
		require.Equal(t, "@shiller", msg.Key)

		data, ok := msg.Data.(map[string]interface{})
		require.True(t, ok, "moderation action payload shape")
		action, _ := data["action"].(string)
		got = append(got, action)
	}
	assert.Equal(t, []string{"log", "warn", "mute", "ban"}, got,
		"each strike climbs exactly one rung")

	level, ok := h.store.GetParam("moderation.@shiller.level")
	require.True(t, ok, "escalation level must be persisted")
	text, _ := level.Text()
	assert.Equal(t, "ban", text)
}

// An actor's persisted level floors future enforcement: after a restart
// the first fresh strike comes back at the old rung, not at the bottom of
// the ladder.
func TestModerationLevelSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e scenario in short mode")
	}

	ai := scriptedAI(t, func(string) string { return "0.92" })
	dir := t.TempDir()

	h := newHarness(t, harnessOpts{aiEndpoint: ai.URL, stateDir: dir})
	h.start(context.Background())
	actions := h.tap(bus.TypeModerationAction)
	for i := 0; i < 3; i++ {
		h.postContent("@grifter", fmt.Sprintf("wire me funds %d", i))
		awaitMessage(t, actions, bus.TypeModerationAction, 3*time.Second)
	}
	h.stop()

	h2 := newHarness(t, harnessOpts{aiEndpoint: ai.URL, stateDir: dir})
	h2.start(context.Background())
	actions2 := h2.tap(bus.TypeModerationAction)

	h2.postContent("@grifter", "wire me funds again")
	msg := awaitMessage(t, actions2, bus.TypeModerationAction, 3*time.Second)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	action, _ := data["action"].(string)
	assert.Equal(t, "mute", action, "persisted level floors the fresh strike")

	audited := false
	tail, err := h2.store.ReadAuditTail(20)
	require.NoError(t, err)
	for _, entry := range tail {
		if entry.Action == state.ActionModeration {
			audited = true
		}
	}
	assert.True(t, audited)
}
