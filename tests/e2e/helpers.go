// Package e2e wires the daemon's components together the way cmd/botfunk
// does and drives whole scenarios through the public surfaces: bus
// messages in, bus messages and persisted state out.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/airouter"
	"github.com/ajitpratap0/botfunk/internal/breaker"
	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/learning"
	"github.com/ajitpratap0/botfunk/internal/lockmgr"
	"github.com/ajitpratap0/botfunk/internal/loops"
	"github.com/ajitpratap0/botfunk/internal/state"
	"github.com/ajitpratap0/botfunk/internal/supervisor"
	"github.com/ajitpratap0/botfunk/internal/trade"
)

// harness is a daemon core on a throwaway state directory. Components are
// wired exactly as in production, with the intervals tightened so whole
// scenarios finish in milliseconds.
type harness struct {
	t   *testing.T
	dir string

	store    *state.Store
	bus      *bus.Bus
	locks    *lockmgr.Manager
	breakers *breaker.Registry
	learn    *learning.Store
	venue    *trade.PaperVenue
	engine   *trade.Engine
	router   *airouter.Router
	sup      *supervisor.Supervisor

	stopped bool
}

type harnessOpts struct {
	// aiEndpoint is a scripted completions endpoint. Empty leaves the
	// router without providers, which only moderation scenarios notice.
	aiEndpoint string

	// stateDir reuses a previous run's directory to simulate a process
	// restart. Empty allocates a fresh one.
	stateDir string
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	dir := opts.stateDir
	if dir == "" {
		dir = t.TempDir()
	}

	st, err := state.Open(dir, zerolog.Nop())
	require.NoError(t, err)

	eventBus := bus.New(bus.DefaultConfig(), zerolog.Nop())

	locks, err := lockmgr.NewManager(filepath.Join(dir, "locks"), "e2e-"+t.Name(),
		time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold: 3,
		Window:    time.Minute,
		Cooldown:  time.Second,
	}, zerolog.Nop())

	learn, err := learning.Open(filepath.Join(dir, "learnings.log"), learning.Config{}, eventBus, zerolog.Nop())
	require.NoError(t, err)

	router := airouter.New(airouter.Config{
		CallTimeout:    2 * time.Second,
		HealthInterval: 50 * time.Millisecond,
	}, breakers, zerolog.Nop())
	if opts.aiEndpoint != "" {
		p, perr := airouter.NewHTTPProvider(airouter.HTTPProviderConfig{
			Name:           "scripted",
			Endpoint:       opts.aiEndpoint,
			Model:          "test-model",
			TaskTypes:      []airouter.TaskType{airouter.TaskModeration},
			RequestsPerSec: 500,
			Burst:          100,
			Timeout:        2 * time.Second,
		}, zerolog.Nop())
		require.NoError(t, perr)
		router.Register(p)
	}

	venue := trade.NewPaperVenue(zerolog.Nop())

	tradeTrips := breaker.New("trade", breaker.Config{
		Threshold: 5,
		Window:    time.Minute,
		Cooldown:  time.Second,
	}, zerolog.Nop())
	breakers.Add(tradeTrips)

	engine := trade.New(trade.Config{
		MaxPositions:  3,
		IntentTTL:     time.Minute,
		VenueTimeout:  time.Second,
		SweepInterval: 50 * time.Millisecond,
		QuoteInterval: 20 * time.Millisecond,
	}, st, venue, tradeTrips, eventBus, learn, zerolog.Nop())

	moderator := loops.NewModerator(loops.ModerationConfig{
		Window:       10 * time.Minute,
		ScoreLimit:   0.7,
		RatePerMin:   6000,
		StepInterval: 20 * time.Millisecond,
	}, st, router, eventBus, zerolog.Nop())

	sup := supervisor.New(supervisor.Config{
		HealthInterval:       50 * time.Millisecond,
		HealthUnhealthyAfter: 500 * time.Millisecond,
		GracePeriod:          3 * time.Second,
	}, eventBus, nil, zerolog.Nop())

	policy := supervisor.RestartPolicy{
		MinBackoff:             10 * time.Millisecond,
		MaxBackoff:             50 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		ResetWindow:            time.Second,
	}
	require.NoError(t, sup.Register(supervisor.ComponentSpec{
		Name: "trade-engine", Factory: worker(engine), Policy: policy, Critical: true,
	}))
	require.NoError(t, sup.Register(supervisor.ComponentSpec{
		Name: "ai-router", Factory: worker(routedAI{router}), Policy: policy,
	}))
	require.NoError(t, sup.Register(supervisor.ComponentSpec{
		Name: "moderation-loop", Factory: worker(moderator), Policy: policy,
		Dependencies: []string{"ai-router"},
	}))

	h := &harness{
		t:        t,
		dir:      dir,
		store:    st,
		bus:      eventBus,
		locks:    locks,
		breakers: breakers,
		learn:    learn,
		venue:    venue,
		engine:   engine,
		router:   router,
		sup:      sup,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) start(ctx context.Context) {
	h.t.Helper()
	require.NoError(h.t, h.sup.Start(ctx))
}

// stop tears the harness down in reverse construction order. Idempotent,
// so restart scenarios can call it before Cleanup does.
func (h *harness) stop() {
	if h.stopped {
		return
	}
	h.stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = h.sup.Shutdown(ctx)
	_ = h.bus.Shutdown(ctx)
	_ = h.learn.Close()
	_ = h.store.Close()
}

// tap returns a channel receiving every bus message of the given types.
func (h *harness) tap(types ...bus.MessageType) <-chan *bus.Message {
	h.t.Helper()
	ch := make(chan *bus.Message, 64)
	_, err := h.bus.Subscribe(bus.Subscription{
		Subscriber: "e2e-tap-" + uuid.NewString()[:8],
		Types:      types,
		Channel:    ch,
	})
	require.NoError(h.t, err)
	return ch
}

// buySignal publishes a trade intent the way an upstream strategy would.
func (h *harness) buySignal(symbol, size string) uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	_, err := h.bus.Publish(bus.NewMessage(bus.TypeBuySignal, "e2e").
		WithKey(symbol).
		WithData(trade.TradeIntent{
			IntentID: id,
			Symbol:   symbol,
			Size:     decimal.RequireFromString(size),
		}))
	require.NoError(h.t, err)
	return id
}

// postContent publishes chat content for the moderation loop to score.
func (h *harness) postContent(actor, text string) {
	h.t.Helper()
	_, err := h.bus.Publish(bus.NewMessage(bus.TypeContentPosted, "e2e").
		WithKey(actor).
		WithData(loops.PostedContent{Actor: actor, Channel: "e2e-room", Text: text}))
	require.NoError(h.t, err)
}

// awaitOpenPosition polls the engine until symbol has an open position.
func (h *harness) awaitOpenPosition(symbol string, within time.Duration) state.Position {
	h.t.Helper()
	var found state.Position
	require.Eventually(h.t, func() bool {
		open := h.engine.Positions(trade.Filter{Symbol: symbol, Status: state.StatusOpen})
		if len(open) == 0 {
			return false
		}
		found = open[0]
		return true
	}, within, 10*time.Millisecond, "no open %s position", symbol)
	return found
}

// awaitMessage waits for the next message of typ, failing the test on
// timeout. Messages of other types are discarded.
func awaitMessage(t *testing.T, ch <-chan *bus.Message, typ bus.MessageType, within time.Duration) *bus.Message {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case msg := <-ch:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message within %s", typ, within)
			return nil
		}
	}
}

// worker wraps an already-built component in a supervisor factory.
func worker(w supervisor.Worker) supervisor.Factory {
	return func() (supervisor.Worker, error) { return w, nil }
}

// routedAI keeps the AI router under supervision the way cmd/botfunk does:
// the router's Run returns nil when its context ends, so surface the
// context error instead.
type routedAI struct {
	r *airouter.Router
}

func (w routedAI) Initialize(ctx context.Context) error { return nil }

func (w routedAI) Run(ctx context.Context) error {
	if err := w.r.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (w routedAI) Shutdown(ctx context.Context) error { return nil }

func (w routedAI) Health() error { return nil }

// scriptedAI serves an OpenAI-compatible completions endpoint whose verdict
// comes from score, called with the user message content.
func scriptedAI(t *testing.T, score func(prompt string) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		verdict := score(req.Messages[len(req.Messages)-1].Content)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":%q,"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":20,"completion_tokens":2,"total_tokens":22}}`,
			req.Model, verdict)
	}))
	t.Cleanup(srv.Close)
	return srv
}
