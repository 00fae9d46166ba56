package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// State of a circuit.
type State int

const (
	// Closed admits all calls and counts failures.
	Closed State = iota

	// Open denies all calls until the cooldown elapses.
	Open

	// HalfOpen admits exactly one probe call; its outcome decides the
	// next state.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// AuditFunc records operator overrides. transition is "force_open" or
// "force_close".
type AuditFunc func(name, transition, reason string)

// Config tunes one breaker. Threshold failures inside Window open the
// circuit; after Cooldown one probe is admitted.
type Config struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration

	// OnStateChange fires after every transition, outside the breaker
	// lock. It may call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Audit records ForceOpen/ForceClose. Optional.
	Audit AuditFunc
}

// DefaultConfig matches the shipped breaker settings.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Window:    60 * time.Second,
		Cooldown:  30 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Snapshot is a point-in-time view for status surfaces.
type Snapshot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at"`
	RetryAt  time.Time `json:"retry_at"`
	Forced   bool      `json:"forced"`
}

// Breaker is a failure-counting circuit. Callers consult Allow before the
// protected operation and report the outcome with RecordSuccess or
// RecordFailure; the breaker never executes anything itself.
type Breaker struct {
	name string
	cfg  Config
	log  zerolog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probeTaken  bool
	forced      bool
}

// New builds a Closed breaker.
func New(name string, cfg Config, log zerolog.Logger) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.normalized(),
		log:  log.With().Str("component", "breaker").Str("breaker", name).Logger(),
	}
	metrics.SetBreakerState(name, stateValue(Closed))
	return b
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State reports the current state, advancing Open to HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	notify := b.advanceLocked(time.Now())
	s := b.state
	b.mu.Unlock()
	b.fire(notify)
	return s
}

// Allow reports whether a call may proceed. When denied, retryAt carries
// the earliest useful retry time; it is zero for a forced-open circuit
// and while a probe is already in flight. In HalfOpen the first caller
// takes the single probe slot.
func (b *Breaker) Allow() (bool, time.Time) {
	now := time.Now()

	b.mu.Lock()
	notify := b.advanceLocked(now)

	var ok bool
	var retryAt time.Time
	switch b.state {
	case Closed:
		ok = true
	case HalfOpen:
		if !b.probeTaken {
			b.probeTaken = true
			ok = true
		}
	case Open:
		if !b.forced {
			retryAt = b.openedAt.Add(b.cfg.Cooldown)
		}
	}
	b.mu.Unlock()
	b.fire(notify)

	if !ok {
		metrics.RecordBreakerDenial(b.name)
	}
	return ok, retryAt
}

// Deny converts the current denial into a transient fault carrying the
// retry time, for callers that propagate errors rather than booleans. It
// never takes the probe slot, so it is safe to call after a refused Allow.
func (b *Breaker) Deny(op string) error {
	now := time.Now()

	b.mu.Lock()
	notify := b.advanceLocked(now)
	var retryAt time.Time
	if b.state == Open && !b.forced {
		retryAt = b.openedAt.Add(b.cfg.Cooldown)
	}
	b.mu.Unlock()
	b.fire(notify)

	err := faults.Newf(faults.Safety, op, "circuit %s is open", b.name)
	if retryAt.IsZero() {
		return err
	}
	return faults.TransientWithRetry(op, retryAt, err)
}

// RecordSuccess reports a successful protected call. In HalfOpen it
// closes the circuit; in Closed it is a no-op since only failures are
// counted against the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	notify := b.advanceLocked(time.Now())
	if b.state == HalfOpen {
		notify = append(notify, b.setStateLocked(Closed, time.Now()))
		b.mu.Unlock()
		b.fire(notify)
		b.log.Info().Msg("Circuit closed after successful probe")
		return
	}
	b.mu.Unlock()
	b.fire(notify)
}

// RecordFailure reports a failed protected call. The circuit opens at
// exactly Threshold failures inside Window; a HalfOpen probe failure
// re-opens with a fresh cooldown. Failures while Open are ignored.
func (b *Breaker) RecordFailure(reason string) {
	now := time.Now()

	b.mu.Lock()
	notify := b.advanceLocked(now)

	switch b.state {
	case Open:
		b.mu.Unlock()
		b.fire(notify)
		return
	case HalfOpen:
		notify = append(notify, b.setStateLocked(Open, now))
		b.mu.Unlock()
		b.fire(notify)
		metrics.RecordBreakerTrip(b.name)
		b.log.Warn().Str("reason", reason).Msg("Probe failed, circuit re-opened")
		return
	}

	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	tripped := b.failures >= b.cfg.Threshold
	failures := b.failures
	if tripped {
		notify = append(notify, b.setStateLocked(Open, now))
	}
	b.mu.Unlock()
	b.fire(notify)

	if tripped {
		metrics.RecordBreakerTrip(b.name)
		b.log.Warn().
			Int("failures", failures).
			Dur("window", b.cfg.Window).
			Str("reason", reason).
			Msg("Circuit opened")
	} else {
		b.log.Debug().Int("failures", failures).Str("reason", reason).Msg("Recorded failure")
	}
}

// ForceOpen pins the circuit open until ForceClose. A pinned circuit does
// not recover on cooldown.
func (b *Breaker) ForceOpen(reason string) {
	now := time.Now()

	b.mu.Lock()
	b.forced = true
	notify := []transition{b.setStateLocked(Open, now)}
	b.mu.Unlock()
	b.fire(notify)

	b.log.Warn().Str("reason", reason).Msg("Circuit forced open")
	if b.cfg.Audit != nil {
		b.cfg.Audit(b.name, "force_open", reason)
	}
}

// ForceClose clears a forced or tripped circuit and resets its counters.
func (b *Breaker) ForceClose(reason string) {
	b.mu.Lock()
	b.forced = false
	notify := []transition{b.setStateLocked(Closed, time.Now())}
	b.mu.Unlock()
	b.fire(notify)

	b.log.Info().Str("reason", reason).Msg("Circuit forced closed")
	if b.cfg.Audit != nil {
		b.cfg.Audit(b.name, "force_close", reason)
	}
}

// Snapshot returns the current state for status endpoints.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	notify := b.advanceLocked(time.Now())
	snap := Snapshot{
		Name:     b.name,
		State:    b.state.String(),
		Failures: b.failures,
		OpenedAt: b.openedAt,
		Forced:   b.forced,
	}
	if b.state == Open && !b.forced {
		snap.RetryAt = b.openedAt.Add(b.cfg.Cooldown)
	}
	b.mu.Unlock()
	b.fire(notify)
	return snap
}

type transition struct {
	from, to State
}

// advanceLocked moves Open to HalfOpen once the cooldown has elapsed.
// Forced circuits stay put.
func (b *Breaker) advanceLocked(now time.Time) []transition {
	if b.state == Open && !b.forced && !now.Before(b.openedAt.Add(b.cfg.Cooldown)) {
		return []transition{b.setStateLocked(HalfOpen, now)}
	}
	return nil
}

// setStateLocked applies housekeeping even when the state is unchanged,
// so a ForceClose on an already-Closed circuit still clears counters.
func (b *Breaker) setStateLocked(to State, now time.Time) transition {
	from := b.state
	b.state = to
	b.probeTaken = false
	switch to {
	case Closed:
		b.failures = 0
		b.windowStart = time.Time{}
		b.openedAt = time.Time{}
	case Open:
		b.openedAt = now
	}
	metrics.SetBreakerState(b.name, stateValue(to))
	return transition{from, to}
}

func (b *Breaker) fire(transitions []transition) {
	if b.cfg.OnStateChange == nil {
		return
	}
	for _, tr := range transitions {
		if tr.from != tr.to {
			b.cfg.OnStateChange(b.name, tr.from, tr.to)
		}
	}
}

func stateValue(s State) float64 {
	switch s {
	case HalfOpen:
		return metrics.BreakerStateHalfOpen
	case Open:
		return metrics.BreakerStateOpen
	default:
		return metrics.BreakerStateClosed
	}
}

// Registry hands out named breakers so the control surface can address
// them by name.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	log      zerolog.Logger
	breakers map[string]*Breaker
}

// NewRegistry builds a registry whose GetOrCreate uses defaults.
func NewRegistry(defaults Config, log zerolog.Logger) *Registry {
	return &Registry{
		defaults: defaults.normalized(),
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the named breaker, creating it with the registry
// defaults on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults, r.log)
	r.breakers[name] = b
	return b
}

// Add registers a breaker built with its own config. An existing breaker
// with the same name is kept.
func (r *Registry) Add(b *Breaker) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.breakers[b.name]; ok {
		return existing
	}
	r.breakers[b.name] = b
	return b
}

// Get looks up a breaker by name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns all breakers' states sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
