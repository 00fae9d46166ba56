package trade

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// Venue guard thresholds. The guard protects the transport to the venue;
// trading-level trip decisions belong to the windowed trade breaker.
const (
	guardMinRequests     = 5
	guardFailureRatio    = 0.6
	guardOpenTimeout     = 30 * time.Second
	guardHalfOpenMaxReqs = 3
	guardCountInterval   = 10 * time.Second
)

// GuardSettings tunes the venue guard.
type GuardSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultGuardSettings returns the venue guard defaults.
func DefaultGuardSettings() GuardSettings {
	return GuardSettings{
		MinRequests:     guardMinRequests,
		FailureRatio:    guardFailureRatio,
		OpenTimeout:     guardOpenTimeout,
		HalfOpenMaxReqs: guardHalfOpenMaxReqs,
		CountInterval:   guardCountInterval,
	}
}

// GuardedVenue wraps a venue adapter in a circuit breaker. While the breaker
// is open every call fails fast with an ExternalUnavailable fault instead of
// hammering a venue that is already in trouble.
type GuardedVenue struct {
	inner VenueAdapter
	cb    *gobreaker.CircuitBreaker
	log   zerolog.Logger
}

// NewGuardedVenue wraps inner with breaker settings. Domain answers such as
// "already closed", "no quote" and contract rejections do not count as
// transport failures.
func NewGuardedVenue(inner VenueAdapter, settings GuardSettings, log zerolog.Logger) *GuardedVenue {
	if settings.MinRequests == 0 {
		settings = DefaultGuardSettings()
	}
	name := "venue_" + inner.Name()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.HalfOpenMaxReqs,
		Interval:    settings.CountInterval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= settings.MinRequests && failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, ErrNoQuote) || errors.Is(err, ErrUnknownVenueID) {
				return true
			}
			return faults.KindOf(err) == faults.Contract
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, guardStateValue(to))
			if to == gobreaker.StateOpen {
				metrics.RecordBreakerTrip(name)
			}
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Venue guard state changed")
		},
	})

	metrics.SetBreakerState(name, guardStateValue(cb.State()))

	return &GuardedVenue{inner: inner, cb: cb, log: log}
}

// Name implements VenueAdapter.
func (g *GuardedVenue) Name() string { return g.inner.Name() }

// Quote implements VenueAdapter.
func (g *GuardedVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.Quote(ctx, symbol)
	})
	if err != nil {
		return decimal.Zero, g.wrapGuardErr("venue.quote", err)
	}
	return res.(decimal.Decimal), nil
}

// Execute implements VenueAdapter.
func (g *GuardedVenue) Execute(ctx context.Context, intent TradeIntent) (*Execution, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.Execute(ctx, intent)
	})
	if err != nil {
		return nil, g.wrapGuardErr("venue.execute", err)
	}
	return res.(*Execution), nil
}

// Status implements VenueAdapter.
func (g *GuardedVenue) Status(ctx context.Context, venueID string) (VenueStatus, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.Status(ctx, venueID)
	})
	if err != nil {
		return VenueFailed, g.wrapGuardErr("venue.status", err)
	}
	return res.(VenueStatus), nil
}

// Cancel implements VenueAdapter.
func (g *GuardedVenue) Cancel(ctx context.Context, venueID string) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.Cancel(ctx, venueID)
	})
	if err != nil {
		return g.wrapGuardErr("venue.cancel", err)
	}
	return nil
}

// wrapGuardErr converts breaker refusals into ExternalUnavailable faults
// and passes every other error through untouched.
func (g *GuardedVenue) wrapGuardErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RecordBreakerDenial("venue_" + g.inner.Name())
		return faults.Wrap(faults.ExternalUnavailable, op, err)
	}
	return err
}

func guardStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerStateOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerStateHalfOpen
	default:
		return metrics.BreakerStateClosed
	}
}
