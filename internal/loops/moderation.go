package loops

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/botfunk/internal/airouter"
	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// Moderation actions, ordered by severity. Levels only move up within the
// ladder; de-escalation is an operator action through the param surface.
const (
	ActionLog  = "log"
	ActionWarn = "warn"
	ActionMute = "mute"
	ActionBan  = "ban"
)

var ladder = []string{ActionLog, ActionWarn, ActionMute, ActionBan}

// levelIndex maps an action name to its 1-based rung. Unknown names rank
// below the whole ladder.
func levelIndex(action string) int {
	for i, a := range ladder {
		if a == action {
			return i + 1
		}
	}
	return 0
}

// ModerationLevelKey is the param key holding an actor's persisted
// escalation level.
func ModerationLevelKey(actor string) string {
	return "moderation." + actor + ".level"
}

// Scorer is the slice of the AI router the moderator needs: one scoring
// call per piece of content.
type Scorer interface {
	Query(ctx context.Context, prompt string, taskType airouter.TaskType, c airouter.Constraints) (*airouter.Reply, error)
}

// ModerationConfig tunes the moderation loop.
type ModerationConfig struct {
	Actor        string        // audit and subscriber identity
	Window       time.Duration // violations older than this stop counting
	ScoreLimit   float64       // scores above this are violations
	RatePerMin   float64       // AI scoring budget
	QueueSize    int           // pending content buffer
	StepInterval time.Duration // stale-window sweep cadence
}

func (c ModerationConfig) normalized() ModerationConfig {
	if c.Actor == "" {
		c.Actor = "moderation-loop"
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.ScoreLimit <= 0 || c.ScoreLimit >= 1 {
		c.ScoreLimit = 0.7
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.StepInterval <= 0 {
		c.StepInterval = 2 * time.Second
	}
	return c
}

// Moderator scores posted content through the AI router and escalates
// repeat offenders along the log/warn/mute/ban ladder. Escalation levels
// are persisted per actor, so a restart never forgets a ban.
type Moderator struct {
	cfg   ModerationConfig
	store *state.Store
	ai    Scorer
	bus   *bus.Bus
	log   zerolog.Logger

	limiter *rate.Limiter
	queue   chan PostedContent

	mu      sync.Mutex
	strikes map[string][]time.Time
	subs    []bus.Handle
}

// NewModerator wires a moderation loop. The bus may be nil in tests that
// feed content directly.
func NewModerator(cfg ModerationConfig, store *state.Store, ai Scorer, eventBus *bus.Bus, log zerolog.Logger) *Moderator {
	cfg = cfg.normalized()
	burst := int(math.Ceil(cfg.RatePerMin / 60))
	if burst < 1 {
		burst = 1
	}
	return &Moderator{
		cfg:     cfg,
		store:   store,
		ai:      ai,
		bus:     eventBus,
		log:     log.With().Str("component", cfg.Actor).Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMin/60), burst),
		queue:   make(chan PostedContent, cfg.QueueSize),
		strikes: make(map[string][]time.Time),
	}
}

// Initialize subscribes to posted content. Strike windows start empty on
// purpose: only the escalation level is durable, recent-violation counts
// are not worth persisting at this cadence.
func (m *Moderator) Initialize(ctx context.Context) error {
	if m.bus != nil {
		h, err := m.bus.Subscribe(bus.Subscription{
			Subscriber: m.cfg.Actor,
			Types:      []bus.MessageType{bus.TypeContentPosted},
			Handler:    m.handleContent,
		})
		if err != nil {
			return err
		}
		m.subs = append(m.subs, h)
	}
	m.log.Info().
		Dur("window", m.cfg.Window).
		Float64("score_limit", m.cfg.ScoreLimit).
		Msg("Moderation loop initialized")
	return nil
}

// Run drains the content queue, rate-limited against the AI budget, and
// periodically prunes strike windows.
func (m *Moderator) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.cfg.StepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			m.sweep()
		case content := <-m.queue:
			if err := m.moderate(ctx, content); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.Warn().Err(err).
					Str("actor", content.Actor).
					Msg("Moderation pass failed")
			}
		}
	}
}

// Shutdown detaches from the bus. Content still queued is dropped; its
// authors' levels are already durable.
func (m *Moderator) Shutdown(ctx context.Context) error {
	if m.bus != nil {
		for _, h := range m.subs {
			m.bus.Unsubscribe(h)
		}
	}
	m.subs = nil
	m.log.Info().Msg("Moderation loop stopped")
	return nil
}

// Health reports backlog saturation: a full queue means content is being
// dropped unscored.
func (m *Moderator) Health() error {
	if len(m.queue) == cap(m.queue) {
		return faults.New(faults.Transient, "loops.moderation", "content queue is full")
	}
	return nil
}

// handleContent enqueues content for scoring. Malformed payloads and a
// full queue are logged, never returned: neither should count against the
// publisher or this subscriber.
func (m *Moderator) handleContent(ctx context.Context, msg *bus.Message) error {
	content, err := ContentFromMessage(msg)
	if err != nil {
		m.log.Warn().Err(err).
			Str("message_id", msg.ID.String()).
			Msg("Dropping malformed content event")
		return nil
	}
	select {
	case m.queue <- content:
	default:
		m.log.Warn().
			Str("actor", content.Actor).
			Msg("Content queue full, dropping unscored content")
	}
	return nil
}

func (m *Moderator) moderate(ctx context.Context, content PostedContent) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	reply, err := m.ai.Query(ctx, moderationPrompt(content.Text), airouter.TaskModeration, airouter.Constraints{})
	if err != nil {
		return err
	}
	score, err := parseScore(reply.Text)
	if err != nil {
		return err
	}
	if score <= m.cfg.ScoreLimit {
		m.log.Debug().
			Str("actor", content.Actor).
			Float64("score", score).
			Msg("Content within limits")
		return nil
	}
	action := m.escalate(content, score)
	m.log.Info().
		Str("actor", content.Actor).
		Str("channel", content.Channel).
		Float64("score", score).
		Str("action", action).
		Str("model", reply.ModelUsed).
		Msg("Content violation")
	return nil
}

// escalate records a strike, picks the rung for the actor's in-window
// strike count, and floors it at the persisted level so repeat offenders
// never slide back down. Every violation is audited even when the level
// does not change.
func (m *Moderator) escalate(content PostedContent, score float64) string {
	now := time.Now()
	m.mu.Lock()
	fresh := pruneBefore(m.strikes[content.Actor], now.Add(-m.cfg.Window))
	fresh = append(fresh, now)
	m.strikes[content.Actor] = fresh
	count := len(fresh)
	m.mu.Unlock()

	idx := count
	if idx > len(ladder) {
		idx = len(ladder)
	}
	key := ModerationLevelKey(content.Actor)
	prevIdx := 0
	if p, ok := m.store.GetParam(key); ok {
		if prev, ok := p.Text(); ok {
			prevIdx = levelIndex(prev)
		}
	}
	if prevIdx > idx {
		idx = prevIdx
	}
	action := ladder[idx-1]

	if idx != prevIdx {
		if err := m.store.SetParam(m.cfg.Actor, key, state.StringParam(action)); err != nil {
			m.log.Error().Err(err).
				Str("actor", content.Actor).
				Msg("Failed to persist moderation level")
		}
	}
	if _, err := m.store.AppendAudit(state.AuditEntry{
		Actor:  m.cfg.Actor,
		Action: state.ActionModeration,
		After: map[string]interface{}{
			"actor":      content.Actor,
			"action":     action,
			"score":      score,
			"strikes":    count,
			"channel":    content.Channel,
			"message_id": content.MessageID,
		},
		Reason: fmt.Sprintf("content scored %.2f, limit %.2f", score, m.cfg.ScoreLimit),
	}); err != nil {
		m.log.Error().Err(err).Msg("Failed to audit moderation action")
	}

	if m.bus != nil {
		msg := bus.NewMessage(bus.TypeModerationAction, m.cfg.Actor).
			WithPriority(bus.PriorityHigh).
			WithKey(content.Actor).
			WithData(map[string]interface{}{
				"actor":      content.Actor,
				"action":     action,
				"score":      score,
				"channel":    content.Channel,
				"message_id": content.MessageID,
			})
		if _, err := m.bus.Publish(msg); err != nil {
			m.log.Warn().Err(err).Msg("Failed to publish moderation action")
		}
	}
	return action
}

// sweep drops strikes that aged out of the window so idle actors do not
// pin memory.
func (m *Moderator) sweep() {
	cutoff := time.Now().Add(-m.cfg.Window)
	m.mu.Lock()
	for actor, ts := range m.strikes {
		fresh := pruneBefore(ts, cutoff)
		if len(fresh) == 0 {
			delete(m.strikes, actor)
		} else {
			m.strikes[actor] = fresh
		}
	}
	m.mu.Unlock()
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	fresh := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

func moderationPrompt(text string) string {
	return "Rate the following message for policy violations (spam, scams, abuse, market manipulation). " +
		"Reply with a single number between 0.0 (harmless) and 1.0 (certain violation) and nothing else.\n\n" + text
}

// parseScore reads the numeric verdict out of a model reply. Providers
// occasionally wrap the number in prose, so fall back to the first
// parseable token.
func parseScore(text string) (float64, error) {
	s := strings.TrimSpace(text)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return checkScore(f)
	}
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".,:;%()")
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return checkScore(f)
		}
	}
	return 0, faults.Newf(faults.Contract, "loops.parse_score", "no score in reply %q", clip(text, 80))
}

func checkScore(f float64) (float64, error) {
	if f < 0 || f > 1 {
		return 0, faults.Newf(faults.Contract, "loops.parse_score", "score %v outside [0, 1]", f)
	}
	return f, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
