package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/botfunk/internal/faults"
)

func testGuardSettings() GuardSettings {
	return GuardSettings{
		MinRequests:     2,
		FailureRatio:    0.5,
		OpenTimeout:     time.Hour,
		HalfOpenMaxReqs: 1,
		CountInterval:   time.Hour,
	}
}

func TestGuardTripsOnTransportFailures(t *testing.T) {
	venue := NewPaperVenue(zerolog.Nop())
	venue.FailExecutions(errors.New("connection reset"))
	g := NewGuardedVenue(venue, testGuardSettings(), zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := g.Execute(context.Background(), intentFor("BTC/USDT", "1"))
		require.Error(t, err)
	}

	// Open circuit fails fast without reaching the venue.
	venue.FailExecutions(nil)
	venue.SetPrice("BTC/USDT", decimal.RequireFromString("100"))
	_, err := g.Execute(context.Background(), intentFor("BTC/USDT", "1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, faults.ExternalUnavailable, faults.KindOf(err))
}

func TestGuardIgnoresDomainAnswers(t *testing.T) {
	venue := NewPaperVenue(zerolog.Nop())
	g := NewGuardedVenue(venue, testGuardSettings(), zerolog.Nop())

	// Missing quotes and unknown venue IDs are domain answers, not
	// transport failures; they never trip the guard.
	for i := 0; i < 5; i++ {
		_, err := g.Quote(context.Background(), "UNLISTED/USDT")
		require.ErrorIs(t, err, ErrNoQuote)
		_, err = g.Status(context.Background(), "no-such-order")
		require.ErrorIs(t, err, ErrUnknownVenueID)
	}

	venue.SetPrice("BTC/USDT", decimal.RequireFromString("100"))
	price, err := g.Quote(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("100")))
}

func TestGuardPassesThroughHealthyCalls(t *testing.T) {
	venue := NewPaperVenue(zerolog.Nop())
	venue.SetPrice("BTC/USDT", decimal.RequireFromString("50"))
	g := NewGuardedVenue(venue, testGuardSettings(), zerolog.Nop())

	assert.Equal(t, "paper", g.Name())

	exec, err := g.Execute(context.Background(), intentFor("BTC/USDT", "2"))
	require.NoError(t, err)
	assert.True(t, exec.AvgPrice().Equal(decimal.RequireFromString("50")))
	assert.True(t, exec.FilledQuantity().Equal(decimal.RequireFromString("2")))

	status, err := g.Status(context.Background(), exec.VenueID)
	require.NoError(t, err)
	assert.Equal(t, VenueOpen, status)

	require.NoError(t, g.Cancel(context.Background(), exec.VenueID))
	status, err = g.Status(context.Background(), exec.VenueID)
	require.NoError(t, err)
	assert.Equal(t, VenueClosed, status)
}
