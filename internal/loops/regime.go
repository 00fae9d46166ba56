package loops

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// Regime labels the prevailing market mood derived from sentiment.
type Regime string

const (
	RegimeFear     Regime = "fear"
	RegimeBearish  Regime = "bearish"
	RegimeSideways Regime = "sideways"
	RegimeBullish  Regime = "bullish"
	RegimeEuphoria Regime = "euphoria"
)

// regimeOf bands an aggregate sentiment score on the [-1, 1] scale.
func regimeOf(score float64) Regime {
	switch {
	case score < -0.6:
		return RegimeFear
	case score < -0.2:
		return RegimeBearish
	case score <= 0.2:
		return RegimeSideways
	case score <= 0.6:
		return RegimeBullish
	default:
		return RegimeEuphoria
	}
}

// posture is the trading parameter set a regime installs. Extremes cut
// size on both ends: fear because entries are knives, euphoria because
// blow-off tops unwind faster than stops can trail.
type posture struct {
	SizeMultiplier float64
	StopPct        float64
	TakeProfitPct  float64
	MaxPositions   float64
}

var regimePostures = map[Regime]posture{
	RegimeFear:     {SizeMultiplier: 0.25, StopPct: 0.06, TakeProfitPct: 0.10, MaxPositions: 1},
	RegimeBearish:  {SizeMultiplier: 0.50, StopPct: 0.08, TakeProfitPct: 0.15, MaxPositions: 2},
	RegimeSideways: {SizeMultiplier: 1.00, StopPct: 0.10, TakeProfitPct: 0.20, MaxPositions: 3},
	RegimeBullish:  {SizeMultiplier: 1.25, StopPct: 0.10, TakeProfitPct: 0.25, MaxPositions: 4},
	RegimeEuphoria: {SizeMultiplier: 0.75, StopPct: 0.06, TakeProfitPct: 0.12, MaxPositions: 2},
}

// RegimeConfig tunes the regime loop.
type RegimeConfig struct {
	Actor        string
	StepInterval time.Duration // re-banding cadence
	StaleAfter   time.Duration // sentiment sources silent this long stop counting
}

func (c RegimeConfig) normalized() RegimeConfig {
	if c.Actor == "" {
		c.Actor = "regime-loop"
	}
	if c.StepInterval <= 0 {
		c.StepInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return c
}

type sourceScore struct {
	value float64
	at    time.Time
}

// RegimeAdapter averages the latest sentiment score per source, bands the
// result into a regime, and installs that regime's trading posture through
// the param surface. Parameters are only written when the regime actually
// changes, so the audit journal records transitions rather than ticks.
type RegimeAdapter struct {
	cfg   RegimeConfig
	store *state.Store
	log   zerolog.Logger

	bus *bus.Bus

	mu      sync.Mutex
	scores  map[string]sourceScore
	current Regime
	subs    []bus.Handle
}

// NewRegimeAdapter wires a regime loop.
func NewRegimeAdapter(cfg RegimeConfig, store *state.Store, eventBus *bus.Bus, log zerolog.Logger) *RegimeAdapter {
	cfg = cfg.normalized()
	return &RegimeAdapter{
		cfg:    cfg,
		store:  store,
		bus:    eventBus,
		log:    log.With().Str("component", cfg.Actor).Logger(),
		scores: make(map[string]sourceScore),
	}
}

// Initialize seeds the current regime from the persisted param, so a
// restart into an unchanged market writes nothing, then subscribes to
// sentiment updates.
func (r *RegimeAdapter) Initialize(ctx context.Context) error {
	if p, ok := r.store.GetParam(state.ParamRegime); ok {
		if text, ok := p.Text(); ok {
			r.current = Regime(text)
		}
	}
	if r.bus != nil {
		h, err := r.bus.Subscribe(bus.Subscription{
			Subscriber: r.cfg.Actor,
			Types:      []bus.MessageType{bus.TypeSentimentChanged},
			Handler:    r.handleSentiment,
		})
		if err != nil {
			return err
		}
		r.subs = append(r.subs, h)
	}
	r.log.Info().
		Str("regime", string(r.current)).
		Dur("step_interval", r.cfg.StepInterval).
		Msg("Regime loop initialized")
	return nil
}

// Run re-bands on a fixed cadence rather than per message, so a burst of
// sentiment updates collapses into one decision.
func (r *RegimeAdapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.StepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.apply()
		}
	}
}

// Shutdown detaches from the bus. The installed posture stays: it reflects
// the market, not this process.
func (r *RegimeAdapter) Shutdown(ctx context.Context) error {
	if r.bus != nil {
		for _, h := range r.subs {
			r.bus.Unsubscribe(h)
		}
	}
	r.subs = nil
	r.log.Info().Msg("Regime loop stopped")
	return nil
}

func (r *RegimeAdapter) Health() error { return nil }

// handleSentiment keeps the latest score per source. Scores outside
// [-1, 1] are clamped rather than dropped: a saturated source is still a
// direction signal.
func (r *RegimeAdapter) handleSentiment(ctx context.Context, msg *bus.Message) error {
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		r.log.Warn().
			Str("message_id", msg.ID.String()).
			Msg("Dropping sentiment update with unexpected payload")
		return nil
	}
	score, ok := floatField(data["score"])
	if !ok {
		r.log.Warn().
			Str("message_id", msg.ID.String()).
			Msg("Dropping sentiment update without score")
		return nil
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	source := msg.Key
	if source == "" {
		source, _ = data["source"].(string)
	}
	if source == "" {
		source = msg.Sender
	}

	r.mu.Lock()
	r.scores[source] = sourceScore{value: score, at: time.Now()}
	r.mu.Unlock()
	return nil
}

// apply averages live sources, bands the result, and installs the posture
// if the regime moved.
func (r *RegimeAdapter) apply() {
	cutoff := time.Now().Add(-r.cfg.StaleAfter)

	r.mu.Lock()
	var sum float64
	var n int
	for source, s := range r.scores {
		if s.at.Before(cutoff) {
			delete(r.scores, source)
			continue
		}
		sum += s.value
		n++
	}
	if n == 0 {
		r.mu.Unlock()
		return
	}
	avg := sum / float64(n)
	next := regimeOf(avg)
	prev := r.current
	if next == prev {
		r.mu.Unlock()
		return
	}
	r.current = next
	r.mu.Unlock()

	p := regimePostures[next]
	writes := []struct {
		key   string
		value state.Param
	}{
		{state.ParamRegime, state.StringParam(string(next))},
		{state.ParamSizeMultiplier, state.NumberParam(p.SizeMultiplier)},
		{state.ParamStopPct, state.NumberParam(p.StopPct)},
		{state.ParamTakeProfitPct, state.NumberParam(p.TakeProfitPct)},
		{state.ParamMaxPositions, state.NumberParam(p.MaxPositions)},
	}
	for _, w := range writes {
		if err := r.store.SetParam(r.cfg.Actor, w.key, w.value); err != nil {
			r.log.Error().Err(err).
				Str("param", w.key).
				Msg("Failed to install regime parameter")
		}
	}
	r.log.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Float64("score", avg).
		Int("sources", n).
		Msg("Market regime changed")
}
