package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/alerts"
	"github.com/ajitpratap0/botfunk/internal/breaker"
	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/learning"
	"github.com/ajitpratap0/botfunk/internal/state"
	"github.com/ajitpratap0/botfunk/internal/supervisor"
	"github.com/ajitpratap0/botfunk/internal/trade"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// idleWorker satisfies the supervised worker contract without doing
// anything, so tests can register named components.
type idleWorker struct{}

func (idleWorker) Initialize(context.Context) error { return nil }
func (idleWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (idleWorker) Shutdown(context.Context) error { return nil }
func (idleWorker) Health() error                  { return nil }

type fixture struct {
	server    *Server
	store     *state.Store
	bus       *bus.Bus
	engine    *trade.Engine
	venue     *trade.PaperVenue
	learnings *learning.Store
	breakers  *breaker.Registry
	super     *supervisor.Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := state.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.New(bus.DefaultConfig(), zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eventBus.Shutdown(ctx)
	})

	learn, err := learning.Open(filepath.Join(t.TempDir(), "learnings.log"), learning.Config{}, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = learn.Close() })

	registry := breaker.NewRegistry(breaker.DefaultConfig(), zerolog.Nop())
	trips := registry.GetOrCreate("trade")

	venue := trade.NewPaperVenue(zerolog.Nop())
	engine := trade.New(trade.DefaultConfig(), st, venue, trips, nil, nil, zerolog.Nop())

	super := supervisor.New(supervisor.DefaultConfig(), eventBus, alerts.NewManager(), zerolog.Nop())
	require.NoError(t, super.Register(supervisor.ComponentSpec{
		Name:    "trade-engine",
		Factory: func() (supervisor.Worker, error) { return idleWorker{}, nil },
	}))

	deps := Deps{
		Supervisor: super,
		Engine:     engine,
		Learnings:  learn,
		State:      st,
		Bus:        eventBus,
		Breakers:   registry,
		Alerts:     alerts.NewManager(),
	}
	return &fixture{
		server:    NewServer(Config{}, deps, zerolog.Nop()),
		store:     st,
		bus:       eventBus,
		engine:    engine,
		venue:     venue,
		learnings: learn,
		breakers:  registry,
		super:     super,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// watch subscribes a channel tap for the given types before a control
// request fires, so the test can assert on what hit the bus.
func (f *fixture) watch(t *testing.T, types ...bus.MessageType) chan *bus.Message {
	t.Helper()
	ch := make(chan *bus.Message, 8)
	_, err := f.bus.Subscribe(bus.Subscription{
		Subscriber: "test-watch-" + uuid.NewString()[:8],
		Types:      types,
		Channel:    ch,
	})
	require.NoError(t, err)
	return ch
}

func awaitMessage(t *testing.T, ch chan *bus.Message) *bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no bus message arrived")
		return nil
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestStatusReportsComponentsAndKillSwitch(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)

	// The registered-but-not-started component keeps the system in
	// "starting" until the kill switch overrides everything.
	assert.Equal(t, "starting", body["status"])
	assert.Contains(t, body, "components")
	assert.Contains(t, body, "breakers")
	assert.Contains(t, body, "bus")
	assert.Contains(t, body, "learnings")

	require.NoError(t, f.store.SetKillSwitch("test", true, "maintenance"))
	w = f.get(t, "/api/v1/status")
	body = decodeBody(t, w)
	assert.Equal(t, "halted", body["status"])
	ks := body["kill_switch"].(map[string]interface{})
	assert.Equal(t, true, ks["engaged"])
	assert.Equal(t, "maintenance", ks["reason"])
}

func TestStatusWithNoDepsStaysHealthy(t *testing.T) {
	s := NewServer(Config{}, Deps{}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}

func TestPositionsFilteredBySymbolAndStatus(t *testing.T) {
	f := newFixture(t)

	f.venue.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	_, err := f.engine.Open(context.Background(), trade.TradeIntent{
		IntentID: uuid.New(),
		Symbol:   "BTCUSDT",
		Size:     decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	w := f.get(t, "/api/v1/positions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])

	w = f.get(t, "/api/v1/positions?symbol=btcusdt&status=open")
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])

	w = f.get(t, "/api/v1/positions?symbol=ETHUSDT")
	assert.Equal(t, float64(0), decodeBody(t, w)["total"])

	w = f.get(t, "/api/v1/positions?status=banana")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLearningsSearchAndLimit(t *testing.T) {
	f := newFixture(t)

	_, err := f.learnings.Add("trade-engine", learning.Optimization, "tighter trailing stop held gains", nil, 0.8)
	require.NoError(t, err)
	_, err = f.learnings.Add("moderation-loop", learning.ContextAdaptation, "spam spikes on weekends", nil, 0.6)
	require.NoError(t, err)

	w := f.get(t, "/api/v1/learnings?component=trade-engine")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["total"])
	assert.Contains(t, body, "stats")

	w = f.get(t, "/api/v1/learnings?limit=1")
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])

	w = f.get(t, "/api/v1/learnings?limit=-3")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.get(t, "/api/v1/learnings?limit=many")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditTailAndLimit(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.SetKillSwitch("operator", true, "drill"))
	require.NoError(t, f.store.SetKillSwitch("operator", false, ""))
	_, err := f.store.AppendAudit(state.AuditEntry{Actor: "tuner", Action: "param_change", Reason: "experiment"})
	require.NoError(t, err)

	w := f.get(t, "/api/v1/audit")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["total"])
	entries := body["entries"].([]interface{})
	last := entries[len(entries)-1].(map[string]interface{})
	assert.Equal(t, "param_change", last["action"])

	w = f.get(t, "/api/v1/audit?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, float64(1), body["total"])
	only := body["entries"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "param_change", only["action"], "tail keeps the newest entries")

	w = f.get(t, "/api/v1/audit?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.get(t, "/api/v1/audit?limit=soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKillSwitchRequiresReasonToEngage(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/api/v1/control/killswitch", killSwitchRequest{Engaged: true})
	require.Equal(t, http.StatusBadRequest, w.Code)

	engaged, _ := f.store.KillSwitch()
	assert.False(t, engaged)
}

func TestKillSwitchRoundTrip(t *testing.T) {
	f := newFixture(t)
	ch := f.watch(t, bus.TypeKillSwitchSet, bus.TypeKillSwitchClear)

	w := f.post(t, "/api/v1/control/killswitch", killSwitchRequest{
		Engaged: true, Reason: "flash crash", Actor: "operator",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["engaged"])
	assert.Equal(t, "flash crash", body["reason"])

	msg := awaitMessage(t, ch)
	assert.Equal(t, bus.TypeKillSwitchSet, msg.Type)
	assert.Equal(t, bus.PriorityCritical, msg.Priority)
	assert.Equal(t, "operator", msg.Sender)

	engaged, reason := f.store.KillSwitch()
	require.True(t, engaged)
	assert.Equal(t, "flash crash", reason)

	w = f.post(t, "/api/v1/control/killswitch", killSwitchRequest{Engaged: false, Actor: "operator"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["engaged"])

	msg = awaitMessage(t, ch)
	assert.Equal(t, bus.TypeKillSwitchClear, msg.Type)

	engaged, _ = f.store.KillSwitch()
	assert.False(t, engaged)
}

func TestRestartUnknownComponent(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/api/v1/control/restart", restartRequest{Component: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.post(t, "/api/v1/control/restart", restartRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRestartPublishesControlMessage(t *testing.T) {
	f := newFixture(t)
	ch := f.watch(t, bus.TypeComponentRestart)

	w := f.post(t, "/api/v1/control/restart", restartRequest{Component: "trade-engine", Actor: "operator"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["requested"])

	msg := awaitMessage(t, ch)
	assert.Equal(t, bus.TypeComponentRestart, msg.Type)
	assert.Equal(t, "trade-engine", msg.Key)
	assert.Equal(t, bus.PriorityHigh, msg.Priority)
	assert.Equal(t, "operator", msg.Sender)
}

func TestBreakerForceOpenAndClose(t *testing.T) {
	f := newFixture(t)
	ch := f.watch(t, bus.TypeBreakerForce)

	w := f.post(t, "/api/v1/control/breaker", breakerRequest{Name: "trade", State: "open", Actor: "operator"})
	require.Equal(t, http.StatusOK, w.Code)
	var snap breaker.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "open", snap.State)
	assert.True(t, snap.Forced)

	msg := awaitMessage(t, ch)
	assert.Equal(t, "trade", msg.Key)

	w = f.post(t, "/api/v1/control/breaker", breakerRequest{Name: "trade", State: "close"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "closed", snap.State)
}

func TestBreakerValidation(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/api/v1/control/breaker", breakerRequest{Name: "trade", State: "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/api/v1/control/breaker", breakerRequest{Name: "ghost", State: "open"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.post(t, "/api/v1/control/breaker", breakerRequest{State: "open"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNilDepsAnswer503(t *testing.T) {
	s := NewServer(Config{}, Deps{}, zerolog.Nop())
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/positions"},
		{http.MethodGet, "/api/v1/learnings"},
		{http.MethodGet, "/api/v1/audit"},
		{http.MethodGet, "/api/v1/events"},
		{http.MethodPost, "/api/v1/control/killswitch"},
		{http.MethodPost, "/api/v1/control/restart"},
		{http.MethodPost, "/api/v1/control/breaker"},
	}
	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equalf(t, http.StatusServiceUnavailable, w.Code, "%s %s", p.method, p.path)
	}
}

func TestParseTapTypes(t *testing.T) {
	all, ok := parseTapTypes("")
	require.True(t, ok)
	assert.Len(t, all, len(tapTypes))

	got, ok := parseTapTypes("trade_closed, kill_switch_set")
	require.True(t, ok)
	assert.Equal(t, []bus.MessageType{bus.TypeTradeClosed, bus.TypeKillSwitchSet}, got)

	_, ok = parseTapTypes("trade_closed,bogus")
	assert.False(t, ok)
}
