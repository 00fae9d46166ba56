// Package supervisor runs the component tree: dependency-ordered startup,
// crash restarts with exponential backoff, health polling, and graceful
// shutdown in reverse dependency order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/botfunk/internal/alerts"
	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// ErrStarted is returned by Register and Start after the supervisor has
// already been started.
var ErrStarted = errors.New("supervisor already started")

// ErrUnknownComponent is returned for operations on unregistered names.
var ErrUnknownComponent = errors.New("unknown component")

// FatalError reports a critical component that exhausted its restart
// budget. main maps it to exit code 3.
type FatalError struct {
	Component string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("critical component %s is fatal", e.Component)
}

// State is a component's lifecycle position. The numeric values feed the
// botfunk_component_state gauge.
type State int

const (
	StateRegistered State = iota
	StateStarting
	StateRunning
	StateBackoff
	StateStopped
	StateFatal
)

func (st State) String() string {
	switch st {
	case StateRegistered:
		return "registered"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Worker is the contract every supervised component implements. Run blocks
// until its context is canceled or the component fails; Health must be
// cheap and non-blocking.
type Worker interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health() error
}

// Factory builds a fresh Worker for each (re)start, so a crashed instance
// never leaks state into its replacement.
type Factory func() (Worker, error)

// RestartPolicy bounds how hard the supervisor tries to keep a component
// alive before giving up.
type RestartPolicy struct {
	MinBackoff             time.Duration
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int

	// ResetWindow is how long a component must stay Running for its
	// failure streak to be forgiven.
	ResetWindow time.Duration
}

func (p RestartPolicy) normalized() RestartPolicy {
	if p.MinBackoff <= 0 {
		p.MinBackoff = time.Second
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = 30 * time.Second
	}
	if p.MaxConsecutiveFailures <= 0 {
		p.MaxConsecutiveFailures = 5
	}
	if p.ResetWindow <= 0 {
		p.ResetWindow = 5 * time.Minute
	}
	return p
}

// ComponentSpec declares one supervised component. Specs are immutable
// after registration.
type ComponentSpec struct {
	Name    string
	Factory Factory
	Policy  RestartPolicy

	// Dependencies name components that must be Running before this one
	// starts. They may be registered later, but must exist by Start.
	Dependencies []string

	// Critical marks components the process cannot run without: when one
	// goes Fatal the whole supervisor reports fatal.
	Critical bool
}

// Config tunes supervisor-wide behavior.
type Config struct {
	// HealthInterval paces Worker.Health polling.
	HealthInterval time.Duration

	// HealthUnhealthyAfter is how long a component may stay unhealthy
	// before the supervisor recycles it as a failure.
	HealthUnhealthyAfter time.Duration

	// GracePeriod bounds graceful shutdown across all components.
	GracePeriod time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HealthInterval:       15 * time.Second,
		HealthUnhealthyAfter: 45 * time.Second,
		GracePeriod:          30 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.HealthUnhealthyAfter <= 0 {
		c.HealthUnhealthyAfter = def.HealthUnhealthyAfter
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	return c
}

// ComponentStatus is a point-in-time view for status surfaces.
type ComponentStatus struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Critical      bool      `json:"critical"`
	Restarts      int64     `json:"restarts"`
	Failures      int       `json:"consecutive_failures"`
	LastError     string    `json:"last_error,omitempty"`
	RunningSince  time.Time `json:"running_since"`
	NextRestartAt time.Time `json:"next_restart_at"`
}

// component is the runtime for one spec. All fields below spec/log are
// guarded by Supervisor.mu, which serializes every state transition.
type component struct {
	spec ComponentSpec
	log  zerolog.Logger

	state          State
	worker         Worker
	attempts       int64
	restarts       int64
	failures       int
	lastErr        error
	runningSince   time.Time
	nextRestartAt  time.Time
	unhealthySince time.Time
	healthErr      error
	restartReq     bool
	launched       bool

	cancelRun context.CancelFunc
	stopped   chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

// Supervisor owns the component lifecycles. Register everything first,
// then Start once; Wait blocks until shutdown or a critical fatal.
type Supervisor struct {
	cfg    Config
	log    zerolog.Logger
	bus    *bus.Bus
	alerts *alerts.Manager

	mu           sync.Mutex
	components   map[string]*component
	order        []string
	levelOrder   [][]string
	started      bool
	stopping     bool
	stopDeadline time.Time
	sub          bus.Handle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopCh  chan struct{}
	fatalCh chan *FatalError
	doneCh  chan struct{}
}

// New builds a supervisor. The bus and alert manager may be nil in tests.
func New(cfg Config, eventBus *bus.Bus, alertMgr *alerts.Manager, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg.normalized(),
		log:        log.With().Str("component", "supervisor").Logger(),
		bus:        eventBus,
		alerts:     alertMgr,
		components: make(map[string]*component),
		stopCh:     make(chan struct{}),
		fatalCh:    make(chan *FatalError, 1),
		doneCh:     make(chan struct{}),
	}
}

// Register adds a component. Names are unique, the factory is required,
// and a registration that closes a dependency cycle is rejected.
func (s *Supervisor) Register(cs ComponentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if cs.Name == "" {
		return errors.New("component name is required")
	}
	if cs.Factory == nil {
		return fmt.Errorf("component %s has no factory", cs.Name)
	}
	if _, dup := s.components[cs.Name]; dup {
		return fmt.Errorf("component %s already registered", cs.Name)
	}
	if s.closesCycle(cs) {
		return fmt.Errorf("component %s would close a dependency cycle", cs.Name)
	}
	cs.Policy = cs.Policy.normalized()

	s.components[cs.Name] = &component{
		spec:  cs,
		log:   s.log.With().Str("supervised", cs.Name).Logger(),
		state: StateRegistered,
		ready: make(chan struct{}),
	}
	s.order = append(s.order, cs.Name)
	metrics.SetComponentState(cs.Name, float64(StateRegistered))
	return nil
}

// closesCycle walks dependency edges from the candidate; finding a path
// back to it means the candidate closes a cycle. Names not yet registered
// have no outgoing edges. Caller holds s.mu.
func (s *Supervisor) closesCycle(cs ComponentSpec) bool {
	seen := make(map[string]bool)
	var walk func(name string) bool
	walk = func(name string) bool {
		if name == cs.Name {
			return true
		}
		if seen[name] {
			return false
		}
		seen[name] = true
		c, ok := s.components[name]
		if !ok {
			return false
		}
		for _, dep := range c.spec.Dependencies {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	for _, dep := range cs.Dependencies {
		if dep == cs.Name || walk(dep) {
			return true
		}
	}
	return false
}

// levels groups components so every dependency lands in an earlier group.
// Registration order breaks ties within a group. Caller holds s.mu.
func (s *Supervisor) levels() ([][]string, error) {
	placed := make(map[string]bool)
	var out [][]string
	for len(placed) < len(s.order) {
		var level []string
		for _, name := range s.order {
			if placed[name] {
				continue
			}
			c := s.components[name]
			eligible := true
			for _, dep := range c.spec.Dependencies {
				if _, known := s.components[dep]; !known {
					return nil, fmt.Errorf("component %s depends on unregistered %s", name, dep)
				}
				if !placed[dep] {
					eligible = false
					break
				}
			}
			if eligible {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, errors.New("dependency cycle among registered components")
		}
		for _, name := range level {
			placed[name] = true
		}
		out = append(out, level)
	}
	return out, nil
}

// Start brings up every component level by level and returns once all of
// them reached Running at least once. A non-critical component that goes
// Fatal during startup is tolerated; its dependents are left unstarted.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	lv, err := s.levels()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.levelOrder = lv
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.bus != nil {
		h, err := s.bus.Subscribe(bus.Subscription{
			Subscriber: "supervisor",
			Types:      []bus.MessageType{bus.TypeComponentRestart},
			Handler:    s.handleRestartCommand,
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to restart commands: %w", err)
		}
		s.mu.Lock()
		s.sub = h
		s.mu.Unlock()
	}

	s.wg.Add(1)
	go s.healthLoop()

	skipped := make(map[string]bool)
	for _, level := range lv {
		g, gctx := errgroup.WithContext(s.ctx)
		for _, name := range level {
			s.mu.Lock()
			c := s.components[name]
			blocked := ""
			for _, dep := range c.spec.Dependencies {
				if skipped[dep] || s.components[dep].state == StateFatal {
					blocked = dep
					break
				}
			}
			if blocked != "" {
				skipped[name] = true
				s.mu.Unlock()
				c.log.Warn().Str("dependency", blocked).Msg("Not starting component, dependency failed")
				continue
			}
			s.launchLocked(c)
			s.mu.Unlock()

			g.Go(func() error {
				select {
				case <-c.ready:
				case <-gctx.Done():
					return gctx.Err()
				}
				if s.stateOf(c) == StateFatal && c.spec.Critical {
					return &FatalError{Component: c.spec.Name}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, name := range level {
			if s.stateOf(s.components[name]) == StateFatal {
				skipped[name] = true
			}
		}
	}

	s.log.Info().Int("components", len(s.order)).Int("levels", len(lv)).Msg("Supervisor started")
	return nil
}

// launchLocked spins up the lifecycle goroutine for a component. Caller
// holds s.mu.
func (s *Supervisor) launchLocked(c *component) {
	c.launched = true
	c.stopped = make(chan struct{})
	s.wg.Add(1)
	go s.supervise(c)
}

// supervise drives one component through the state machine until the
// supervisor stops or the component goes Fatal.
func (s *Supervisor) supervise(c *component) {
	defer s.wg.Done()
	defer close(c.stopped)

	for {
		s.mu.Lock()
		if c.attempts > 0 {
			c.restarts++
			metrics.RecordComponentRestart(c.spec.Name)
		}
		c.attempts++
		s.mu.Unlock()
		s.setState(c, StateStarting)

		runCtx, cancel := context.WithCancel(s.ctx)
		s.mu.Lock()
		c.cancelRun = cancel
		s.mu.Unlock()

		var runErr error
		worker, ferr := c.spec.Factory()
		switch {
		case ferr != nil:
			runErr = fmt.Errorf("factory: %w", ferr)
		default:
			if ierr := safeCall(runCtx, "initialize", worker.Initialize); ierr != nil {
				runErr = ierr
			} else {
				s.mu.Lock()
				c.worker = worker
				s.mu.Unlock()
				s.setState(c, StateRunning)
				c.log.Info().Msg("Component running")
				runErr = safeCall(runCtx, "run", worker.Run)
				s.shutdownWorker(c, worker)
			}
		}
		cancel()

		s.mu.Lock()
		c.worker = nil
		c.cancelRun = nil
		manual := c.restartReq
		c.restartReq = false
		healthKill := c.healthErr
		c.healthErr = nil
		stopping := s.stopping
		s.mu.Unlock()

		if stopping || s.ctx.Err() != nil {
			s.setState(c, StateStopped)
			c.log.Info().Msg("Component stopped")
			return
		}
		if manual {
			c.log.Info().Msg("Restarting component on request")
			continue
		}
		if healthKill != nil {
			runErr = healthKill
		} else if runErr == nil {
			// A supervised worker has no business returning on its own.
			runErr = errors.New("run loop exited unexpectedly")
		}

		delay, fatal := s.recordFailure(c, runErr)
		if fatal {
			s.failComponent(c, runErr)
			return
		}
		c.log.Warn().Err(runErr).Dur("backoff", delay).Msg("Component failed, restarting after backoff")

		select {
		case <-time.After(delay):
		case <-s.stopCh:
			s.setState(c, StateStopped)
			return
		case <-s.ctx.Done():
			s.setState(c, StateStopped)
			return
		}
	}
}

// safeCall invokes one worker phase, converting a panic into an error so a
// misbehaving worker cannot take the whole process down.
func safeCall(ctx context.Context, phase string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panic: %v", phase, r)
		}
	}()
	return fn(ctx)
}

// shutdownWorker gives a worker whose Run has returned a bounded chance to
// release its resources. During supervisor shutdown the bound is whatever
// remains of the grace period.
func (s *Supervisor) shutdownWorker(c *component, w Worker) {
	budget := s.cfg.GracePeriod
	s.mu.Lock()
	if s.stopping && !s.stopDeadline.IsZero() {
		if left := time.Until(s.stopDeadline); left < budget {
			budget = left
		}
	}
	s.mu.Unlock()
	if budget < time.Second {
		budget = time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := safeCall(ctx, "shutdown", w.Shutdown); err != nil {
		c.log.Error().Err(err).Msg("Worker shutdown failed")
	}
}

// recordFailure counts one failure against the component's streak and
// returns the backoff delay, or fatal=true when the budget is spent. A
// run that lasted at least ResetWindow forgives the previous streak.
func (s *Supervisor) recordFailure(c *component, err error) (time.Duration, bool) {
	now := time.Now()

	s.mu.Lock()
	if !c.runningSince.IsZero() && now.Sub(c.runningSince) >= c.spec.Policy.ResetWindow {
		c.failures = 0
	}
	c.runningSince = time.Time{}
	c.failures++
	c.lastErr = err
	name := c.spec.Name
	if c.failures >= c.spec.Policy.MaxConsecutiveFailures {
		s.mu.Unlock()
		metrics.RecordComponentFailure(name)
		return 0, true
	}
	delay := jitter(backoffDelay(c.spec.Policy, c.failures))
	c.nextRestartAt = now.Add(delay)
	c.state = StateBackoff
	s.mu.Unlock()

	metrics.RecordComponentFailure(name)
	metrics.SetComponentState(name, float64(StateBackoff))
	return delay, false
}

// backoffDelay doubles from MinBackoff per consecutive failure, capped at
// MaxBackoff.
func backoffDelay(p RestartPolicy, failures int) time.Duration {
	d := p.MinBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// jitter spreads restarts of components that failed together.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.9 + 0.2*rand.Float64() // #nosec G404 -- non-cryptographic use: restart jitter
	return time.Duration(float64(d) * f)
}

// failComponent marks a component Fatal, alerts, and reports upward when
// the component is critical.
func (s *Supervisor) failComponent(c *component, err error) {
	s.setState(c, StateFatal)
	name := c.spec.Name
	c.log.Error().Err(err).Int("consecutive_failures", s.failuresOf(c)).
		Msg("Component exceeded restart budget, marking fatal")

	if s.bus != nil {
		msg := bus.NewMessage(bus.TypeComponentFatal, "supervisor").
			WithPriority(bus.PriorityCritical).
			WithKey(name).
			WithData(map[string]interface{}{
				"component": name,
				"failures":  s.failuresOf(c),
				"error":     err.Error(),
			})
		if _, perr := s.bus.Publish(msg); perr != nil {
			s.log.Error().Err(perr).Str("fatal_component", name).Msg("Failed to publish fatal notice")
		}
	}
	if s.alerts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		meta := map[string]interface{}{"component": name, "error": err.Error()}
		if aerr := s.alerts.SendCritical(ctx, "Component fatal",
			fmt.Sprintf("component %s exceeded its restart budget", name), meta); aerr != nil {
			s.log.Error().Err(aerr).Str("fatal_component", name).Msg("Failed to send fatal alert")
		}
	}

	if c.spec.Critical {
		select {
		case s.fatalCh <- &FatalError{Component: name}:
		default:
		}
	}
}

// healthLoop polls every Running worker's Health on an interval.
func (s *Supervisor) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

// checkHealth recycles components that stay unhealthy past the deadline.
// The recycle is counted as a failure by the lifecycle loop.
func (s *Supervisor) checkHealth() {
	type probe struct {
		c *component
		w Worker
	}

	s.mu.Lock()
	probes := make([]probe, 0, len(s.order))
	for _, name := range s.order {
		c := s.components[name]
		if c.state == StateRunning && c.worker != nil {
			probes = append(probes, probe{c, c.worker})
		}
	}
	s.mu.Unlock()

	now := time.Now()
	for _, p := range probes {
		herr := p.w.Health()

		s.mu.Lock()
		c := p.c
		if c.state != StateRunning || c.worker != p.w {
			s.mu.Unlock()
			continue
		}
		if herr == nil {
			c.unhealthySince = time.Time{}
			s.mu.Unlock()
			continue
		}
		if c.unhealthySince.IsZero() {
			c.unhealthySince = now
			s.mu.Unlock()
			c.log.Warn().Err(herr).Msg("Component reported unhealthy")
			continue
		}
		unhealthyFor := now.Sub(c.unhealthySince)
		if unhealthyFor < s.cfg.HealthUnhealthyAfter {
			s.mu.Unlock()
			continue
		}
		c.healthErr = fmt.Errorf("unhealthy for %s: %w", unhealthyFor.Round(time.Second), herr)
		cancel := c.cancelRun
		c.unhealthySince = time.Time{}
		s.mu.Unlock()

		c.log.Error().Err(herr).Dur("unhealthy_for", unhealthyFor).Msg("Component unhealthy past deadline, recycling")
		if cancel != nil {
			cancel()
		}
	}
}

// Restart recycles a component. A running worker is replaced without
// charging its failure budget; a fatal component gets a clean budget and
// a fresh lifecycle.
func (s *Supervisor) Restart(name string) error {
	s.mu.Lock()
	c, ok := s.components[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if !s.started || s.stopping {
		s.mu.Unlock()
		return errors.New("supervisor is not running")
	}

	switch c.state {
	case StateRunning:
		c.restartReq = true
		cancel := c.cancelRun
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case StateFatal:
		c.failures = 0
		c.lastErr = nil
		s.launchLocked(c)
		s.mu.Unlock()
		return nil
	default:
		st := c.state
		s.mu.Unlock()
		return fmt.Errorf("component %s is %s, not restartable", name, st)
	}
}

// handleRestartCommand serves ComponentRestart control messages from the
// bus. Refusals are logged, never counted against the subscription.
func (s *Supervisor) handleRestartCommand(ctx context.Context, msg *bus.Message) error {
	name := msg.Key
	if name == "" {
		s.log.Warn().Str("message_id", msg.ID.String()).Msg("Restart command without component key")
		return nil
	}
	if err := s.Restart(name); err != nil {
		s.log.Warn().Err(err).Str("restart_target", name).Msg("Restart command refused")
		return nil
	}
	s.log.Info().Str("restart_target", name).Str("sender", msg.Sender).Msg("Component restart requested")
	return nil
}

// Shutdown stops all components in reverse dependency order. The shutdown
// is announced on the bus first so subscribers can drain, then worker
// contexts are canceled level by level within the grace period, and
// whatever remains is forced.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	deadline := time.Now().Add(s.cfg.GracePeriod)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.stopDeadline = deadline
	close(s.stopCh)
	lv := s.levelOrder
	sub := s.sub
	s.mu.Unlock()

	s.log.Info().Time("deadline", deadline).Msg("Supervisor shutting down")

	if s.bus != nil {
		s.bus.Unsubscribe(sub)
		if _, err := s.bus.Publish(bus.ControlShutdownMessage("supervisor")); err != nil {
			s.log.Warn().Err(err).Msg("Failed to announce shutdown on bus")
		}
	}

	for i := len(lv) - 1; i >= 0; i-- {
		var waits []*component
		s.mu.Lock()
		for _, name := range lv[i] {
			c := s.components[name]
			if !c.launched {
				continue
			}
			if c.cancelRun != nil {
				c.cancelRun()
			}
			waits = append(waits, c)
		}
		s.mu.Unlock()

		for _, c := range waits {
			select {
			case <-c.stopped:
			case <-time.After(time.Until(deadline)):
				c.log.Warn().Msg("Component did not stop within grace period")
			}
		}
	}

	s.cancel()

	tail := time.Until(deadline)
	if tail < 2*time.Second {
		tail = 2 * time.Second
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("Supervisor shutdown complete")
	case <-time.After(tail):
		s.log.Warn().Msg("Forcing shutdown with components still running")
	}

	close(s.doneCh)
	return nil
}

// Wait blocks until the supervisor stops. It returns a *FatalError when a
// critical component exhausted its restart budget, nil after a graceful
// shutdown.
func (s *Supervisor) Wait() error {
	select {
	case fe := <-s.fatalCh:
		return fe
	case <-s.doneCh:
		return nil
	}
}

// Status reports every component in registration order.
func (s *Supervisor) Status() []ComponentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ComponentStatus, 0, len(s.order))
	for _, name := range s.order {
		c := s.components[name]
		cs := ComponentStatus{
			Name:          name,
			State:         c.state.String(),
			Critical:      c.spec.Critical,
			Restarts:      c.restarts,
			Failures:      c.failures,
			RunningSince:  c.runningSince,
			NextRestartAt: c.nextRestartAt,
		}
		if c.lastErr != nil {
			cs.LastError = c.lastErr.Error()
		}
		out = append(out, cs)
	}
	return out
}

// setState serializes a transition and mirrors it into the state gauge.
func (s *Supervisor) setState(c *component, to State) {
	s.mu.Lock()
	c.state = to
	if to == StateRunning {
		c.runningSince = time.Now()
		c.nextRestartAt = time.Time{}
		c.unhealthySince = time.Time{}
	}
	s.mu.Unlock()

	metrics.SetComponentState(c.spec.Name, float64(to))
	if to == StateRunning || to == StateFatal {
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

func (s *Supervisor) stateOf(c *component) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.state
}

func (s *Supervisor) failuresOf(c *component) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.failures
}
