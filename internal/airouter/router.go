package airouter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/breaker"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// ErrAllProvidersUnavailable reports that every eligible provider was
// skipped or failed for a query.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// Config tunes the router.
type Config struct {
	// CallTimeout bounds each provider call unless the query constrains
	// it tighter.
	CallTimeout time.Duration

	// HealthInterval paces the background health sweep in Run.
	HealthInterval time.Duration
}

func (c Config) normalized() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	return c
}

// ProviderStatus is a point-in-time view for status surfaces.
type ProviderStatus struct {
	Name      string     `json:"name"`
	TaskTypes []TaskType `json:"task_types"`
	CostPer1K float64    `json:"cost_per_1k"`
	Healthy   bool       `json:"healthy"`
	Breaker   string     `json:"breaker"`
}

// Router picks the cheapest healthy provider for a task and fails over on
// transient errors. Provider-specific errors never surface upward: the
// caller sees taxonomy kinds only.
type Router struct {
	cfg      Config
	log      zerolog.Logger
	breakers *breaker.Registry

	mu        sync.RWMutex
	providers []Provider
	unhealthy map[string]string
}

// New builds a router. Provider breakers live in the given registry so the
// control surface can force them by name.
func New(cfg Config, breakers *breaker.Registry, log zerolog.Logger) *Router {
	return &Router{
		cfg:       cfg.normalized(),
		log:       log.With().Str("component", "airouter").Logger(),
		breakers:  breakers,
		unhealthy: make(map[string]string),
	}
}

// Register adds a provider and creates its breaker.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	r.providers = append(r.providers, p)
	r.mu.Unlock()

	r.breakers.GetOrCreate(breakerName(p.Name()))
	r.log.Info().
		Str("provider", p.Name()).
		Float64("cost_per_1k", p.CostPer1K()).
		Int("task_types", len(p.SupportedTaskTypes())).
		Msg("Registered AI provider")
}

func breakerName(provider string) string { return "ai_" + provider }

// Query routes a prompt to the cheapest healthy provider supporting the
// task. Transient failures move on to the next provider; terminal ones
// propagate. With no provider left it fails with ErrAllProvidersUnavailable.
func (r *Router) Query(ctx context.Context, prompt string, taskType TaskType, c Constraints) (*Reply, error) {
	const op = "airouter.query"

	if prompt == "" {
		return nil, faults.New(faults.Contract, op, "prompt is required")
	}

	candidates := r.candidates(taskType, c)
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CallTimeout
	}

	var lastErr error
	for _, p := range candidates {
		b := r.breakers.GetOrCreate(breakerName(p.Name()))
		if ok, _ := b.Allow(); !ok {
			r.log.Warn().Str("provider", p.Name()).Msg("Circuit breaker open, skipping provider")
			continue
		}

		r.log.Debug().
			Str("provider", p.Name()).
			Str("task_type", string(taskType)).
			Msg("Attempting AI call")

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		reply, err := p.Call(callCtx, prompt, taskType)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			b.RecordSuccess()
			if reply.ModelUsed == "" {
				reply.ModelUsed = p.Name()
			}
			if reply.LatencyMS == 0 {
				reply.LatencyMS = elapsed.Milliseconds()
			}
			metrics.RecordAICall(p.Name(), string(taskType), true, float64(elapsed.Milliseconds()), reply.CostEstimate)
			r.log.Info().
				Str("provider", p.Name()).
				Str("model", reply.ModelUsed).
				Dur("duration", elapsed).
				Msg("AI call succeeded")
			return reply, nil
		}

		b.RecordFailure(err.Error())
		metrics.RecordAICall(p.Name(), string(taskType), false, float64(elapsed.Milliseconds()), 0)
		lastErr = err

		kind := faults.Classify(err)
		if kind == faults.Terminal || kind == faults.Contract {
			r.log.Error().Err(err).Str("provider", p.Name()).Msg("AI call failed terminally")
			return nil, err
		}

		metrics.RecordAIFailover(p.Name())
		ev := r.log.Warn().
			Err(err).
			Str("provider", p.Name()).
			Str("task_type", string(taskType))
		if at, ok := faults.RetryAt(err); ok {
			ev = ev.Time("retry_at", at)
		}
		ev.Msg("AI call failed, trying next provider")

		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.Transient, op, ctx.Err())
		}
	}

	if lastErr == nil {
		return nil, faults.Wrap(faults.ExternalUnavailable, op,
			fmt.Errorf("%w: no healthy provider for task %q", ErrAllProvidersUnavailable, taskType))
	}
	return nil, faults.Wrap(faults.ExternalUnavailable, op,
		fmt.Errorf("%w for task %q: %v", ErrAllProvidersUnavailable, taskType, lastErr))
}

// candidates filters by task type, cost cap, last health result, and
// breaker state, then orders by cost ascending with name as tiebreak.
func (r *Router) candidates(taskType TaskType, c Constraints) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	for _, p := range r.providers {
		if !supportsTask(p, taskType) {
			continue
		}
		if c.MaxCostPer1K > 0 && p.CostPer1K() > c.MaxCostPer1K {
			continue
		}
		if reason, bad := r.unhealthy[p.Name()]; bad {
			r.log.Debug().
				Str("provider", p.Name()).
				Str("reason", reason).
				Msg("Provider failed last health check, skipping")
			continue
		}
		if b, ok := r.breakers.Get(breakerName(p.Name())); ok && b.State() == breaker.Open {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CostPer1K() != out[j].CostPer1K() {
			return out[i].CostPer1K() < out[j].CostPer1K()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// CheckHealth probes every provider once and records the outcome for
// selection. A recovered provider rejoins the pool immediately.
func (r *Router) CheckHealth(ctx context.Context) {
	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	for _, p := range providers {
		hctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		err := p.HealthCheck(hctx)
		cancel()

		r.mu.Lock()
		if err != nil {
			r.unhealthy[p.Name()] = err.Error()
			r.mu.Unlock()
			r.log.Warn().Err(err).Str("provider", p.Name()).Msg("Provider failed health check")
			continue
		}
		_, wasDown := r.unhealthy[p.Name()]
		delete(r.unhealthy, p.Name())
		r.mu.Unlock()
		if wasDown {
			r.log.Info().Str("provider", p.Name()).Msg("Provider healthy again")
		}
	}
}

// Run sweeps provider health until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	r.CheckHealth(ctx)

	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

// Status reports every registered provider for the status API.
func (r *Router) Status() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		st := ProviderStatus{
			Name:      p.Name(),
			TaskTypes: p.SupportedTaskTypes(),
			CostPer1K: p.CostPer1K(),
		}
		_, bad := r.unhealthy[p.Name()]
		st.Healthy = !bad
		if b, ok := r.breakers.Get(breakerName(p.Name())); ok {
			st.Breaker = b.State().String()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
