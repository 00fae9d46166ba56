package loops

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/learning"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// Tunable declares one parameter the tuner may move, with hard bounds and
// a per-proposal step.
type Tunable struct {
	Name    string
	Default float64
	Min     float64
	Max     float64
	Step    float64
}

// DefaultTunables covers the trailing-stop family. Stops, take-profits,
// sizing and position limits belong to the regime loop, which moves them
// on market evidence; keeping the two sets disjoint means a revert here
// never stomps a regime transition.
func DefaultTunables() []Tunable {
	return []Tunable{
		{Name: state.ParamTrailStartPct, Default: 0.15, Min: 0.05, Max: 0.30, Step: 0.01},
		{Name: state.ParamTrailPct, Default: 0.05, Min: 0.01, Max: 0.15, Step: 0.01},
		{Name: state.ParamBreakEvenPct, Default: 0.10, Min: 0.03, Max: 0.20, Step: 0.01},
	}
}

// SelfTuneConfig tunes the tuner.
type SelfTuneConfig struct {
	Actor      string
	Interval   time.Duration // evaluation cadence
	WindowSize int           // closed trades per evaluation window
	Epsilon    float64       // minimum mean-pnl gain to accept a change
	Tunables   []Tunable
}

func (c SelfTuneConfig) normalized() SelfTuneConfig {
	if c.Actor == "" {
		c.Actor = "selftune-loop"
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 0.01
	}
	if len(c.Tunables) == 0 {
		c.Tunables = DefaultTunables()
	}
	return c
}

// proposal is one in-flight experiment: a single parameter moved one step,
// judged against the mean pnl of the window that preceded it.
type proposal struct {
	tunable    Tunable
	from       float64
	to         float64
	baseline   float64
	learningID uuid.UUID // zero when no sink is attached
}

// Tuner runs one-factor-at-a-time hill climbing over the trade tunables:
// collect a window of closed trades, move one parameter one step, collect
// another window, then keep the move if mean pnl improved by at least
// epsilon and revert it otherwise. Each experiment is recorded in the
// learning store when proposed; the verdict feeds back as success or
// failure, so failed experiments sink below the confidence floor instead
// of vanishing.
//
// Proposals live in memory only. If the process restarts mid-experiment
// the applied value simply becomes the new status quo and the next window
// its baseline, which is safe because every step is bounded.
type Tuner struct {
	cfg   SelfTuneConfig
	store *state.Store
	learn LearningSink
	log   zerolog.Logger

	bus *bus.Bus

	mu       sync.Mutex
	outcomes []float64
	pending  *proposal
	rr       int
	subs     []bus.Handle
}

// NewTuner wires a self-tuning loop. The learning sink may be nil.
func NewTuner(cfg SelfTuneConfig, store *state.Store, learn LearningSink, eventBus *bus.Bus, log zerolog.Logger) *Tuner {
	cfg = cfg.normalized()
	return &Tuner{
		cfg:   cfg,
		store: store,
		learn: learn,
		bus:   eventBus,
		log:   log.With().Str("component", cfg.Actor).Logger(),
	}
}

// Initialize subscribes to closed trades.
func (t *Tuner) Initialize(ctx context.Context) error {
	if t.bus != nil {
		h, err := t.bus.Subscribe(bus.Subscription{
			Subscriber: t.cfg.Actor,
			Types:      []bus.MessageType{bus.TypeTradeClosed},
			Handler:    t.handleTradeClosed,
		})
		if err != nil {
			return err
		}
		t.subs = append(t.subs, h)
	}
	t.log.Info().
		Int("window_size", t.cfg.WindowSize).
		Float64("epsilon", t.cfg.Epsilon).
		Int("tunables", len(t.cfg.Tunables)).
		Msg("Self-tune loop initialized")
	return nil
}

// Run evaluates on a fixed cadence. Windows are gated on trade count, not
// time, so quiet markets just stretch the experiment.
func (t *Tuner) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.step()
		}
	}
}

// Shutdown detaches from the bus. A pending proposal is left applied; see
// the type comment for why that is safe.
func (t *Tuner) Shutdown(ctx context.Context) error {
	if t.bus != nil {
		for _, h := range t.subs {
			t.bus.Unsubscribe(h)
		}
	}
	t.subs = nil
	t.log.Info().Msg("Self-tune loop stopped")
	return nil
}

func (t *Tuner) Health() error { return nil }

// handleTradeClosed accumulates realized pnl. Malformed payloads are
// logged and skipped so one bad publisher cannot stall tuning.
func (t *Tuner) handleTradeClosed(ctx context.Context, msg *bus.Message) error {
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		t.log.Warn().
			Str("message_id", msg.ID.String()).
			Msg("Dropping trade_closed with unexpected payload")
		return nil
	}
	pnl, ok := floatField(data["pnl"])
	if !ok {
		t.log.Warn().
			Str("message_id", msg.ID.String()).
			Msg("Dropping trade_closed without pnl")
		return nil
	}
	t.mu.Lock()
	t.outcomes = append(t.outcomes, pnl)
	t.mu.Unlock()
	return nil
}

// step consumes a full window if one is available and advances the
// propose/decide cycle.
func (t *Tuner) step() {
	t.mu.Lock()
	if len(t.outcomes) < t.cfg.WindowSize {
		t.mu.Unlock()
		return
	}
	window := mean(t.outcomes)
	trades := len(t.outcomes)
	t.outcomes = nil
	p := t.pending
	t.pending = nil
	t.mu.Unlock()

	if p == nil {
		t.propose(window, trades)
		return
	}
	t.decide(p, window, trades)
}

// propose moves the next tunable one step, preferring up and falling back
// to down at the top of the range. A tunable with no room is skipped until
// its turn comes around again.
func (t *Tuner) propose(baseline float64, trades int) {
	t.mu.Lock()
	tn := t.cfg.Tunables[t.rr%len(t.cfg.Tunables)]
	t.rr++
	t.mu.Unlock()

	current := tn.Default
	if p, ok := t.store.GetParam(tn.Name); ok {
		if f, ok := p.Float(); ok {
			current = f
		}
	}
	to := current + tn.Step
	if to > tn.Max {
		to = current - tn.Step
	}
	if to < tn.Min || to == current {
		t.log.Debug().Str("param", tn.Name).Float64("current", current).Msg("No room to move tunable")
		return
	}
	if err := t.store.SetParam(t.cfg.Actor, tn.Name, state.NumberParam(to)); err != nil {
		t.log.Error().Err(err).Str("param", tn.Name).Msg("Failed to apply proposal")
		return
	}

	var learningID uuid.UUID
	if t.learn != nil {
		content := fmt.Sprintf("trying %s at %s (was %s), baseline mean pnl %.4f over %d trades",
			tn.Name, formatFloat(to), formatFloat(current), baseline, trades)
		id, err := t.learn.Add(t.cfg.Actor, learning.Optimization, content, map[string]string{
			"param": tn.Name,
			"from":  formatFloat(current),
			"to":    formatFloat(to),
		}, 0.5)
		if err != nil {
			t.log.Warn().Err(err).Msg("Failed to record experiment learning")
		} else {
			learningID = id
		}
	}

	t.mu.Lock()
	t.pending = &proposal{tunable: tn, from: current, to: to, baseline: baseline, learningID: learningID}
	t.mu.Unlock()
	t.log.Info().
		Str("param", tn.Name).
		Float64("from", current).
		Float64("to", to).
		Float64("baseline_pnl", baseline).
		Int("trades", trades).
		Msg("Proposed parameter change")
}

// decide keeps or reverts the pending proposal based on the follow-up
// window, then feeds the verdict back into the experiment's learning.
func (t *Tuner) decide(p *proposal, window float64, trades int) {
	if window < p.baseline+t.cfg.Epsilon {
		if err := t.store.SetParam(t.cfg.Actor, p.tunable.Name, state.NumberParam(p.from)); err != nil {
			t.log.Error().Err(err).Str("param", p.tunable.Name).Msg("Failed to revert proposal")
			return
		}
		t.log.Info().
			Str("param", p.tunable.Name).
			Float64("window_pnl", window).
			Float64("baseline_pnl", p.baseline).
			Msg("Reverted parameter change")
		t.mark(p, false)
		return
	}

	t.log.Info().
		Str("param", p.tunable.Name).
		Float64("from", p.from).
		Float64("to", p.to).
		Float64("window_pnl", window).
		Float64("baseline_pnl", p.baseline).
		Int("trades", trades).
		Msg("Accepted parameter change")
	t.mark(p, true)
}

func (t *Tuner) mark(p *proposal, success bool) {
	if t.learn == nil || p.learningID == uuid.Nil {
		return
	}
	var err error
	if success {
		err = t.learn.MarkSuccess(p.learningID)
	} else {
		err = t.learn.MarkFailure(p.learningID)
	}
	if err != nil {
		t.log.Warn().Err(err).Str("learning_id", p.learningID.String()).
			Msg("Failed to record experiment outcome")
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
