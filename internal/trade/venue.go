// Package trade implements the trade engine: idempotent position open and
// close against an execution venue, durable position state, and stop-loss,
// take-profit and trailing-stop management driven by price updates.
package trade

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/botfunk/internal/state"
)

// TradeIntent is a request to open a position. IntentID is the idempotency
// key: the engine and every venue adapter treat a repeated intent as the
// original, never as a second order.
type TradeIntent struct {
	IntentID  uuid.UUID       `json:"intent_id"`
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"`
	Size      decimal.Decimal `json:"size"`
	TTL       time.Duration   `json:"ttl,omitempty"`
}

// Fill is one execution slice reported by a venue.
type Fill struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Time     time.Time       `json:"time"`
}

// Execution is a venue's terminal answer for one intent.
type Execution struct {
	VenueID string          `json:"venue_id"`
	Fills   []Fill          `json:"fills"`
	Fees    decimal.Decimal `json:"fees"`
}

// AvgPrice returns the quantity-weighted average fill price, or zero when
// the execution carries no fills.
func (e *Execution) AvgPrice() decimal.Decimal {
	var notional, qty decimal.Decimal
	for _, f := range e.Fills {
		notional = notional.Add(f.Price.Mul(f.Quantity))
		qty = qty.Add(f.Quantity)
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// FilledQuantity returns the total quantity across fills.
func (e *Execution) FilledQuantity() decimal.Decimal {
	var qty decimal.Decimal
	for _, f := range e.Fills {
		qty = qty.Add(f.Quantity)
	}
	return qty
}

// VenueStatus is the venue-side view of a position identified by venue ID.
type VenueStatus string

const (
	VenueOpen   VenueStatus = "Open"
	VenueClosed VenueStatus = "Closed"
	VenueFailed VenueStatus = "Failed"
)

// Venue adapter errors shared across implementations.
var (
	// ErrAlreadyClosed is returned by a closing execution when the venue
	// no longer holds the position. The engine reconciles locally.
	ErrAlreadyClosed = errors.New("venue: position already closed")

	// ErrNoQuote is returned when the venue has no price for a symbol.
	ErrNoQuote = errors.New("venue: no quote available")

	// ErrUnknownVenueID is returned by Status and Cancel for IDs the venue
	// has never issued.
	ErrUnknownVenueID = errors.New("venue: unknown venue id")
)

// VenueAdapter is the boundary to an execution venue. Execute must be
// idempotent under retry by intent ID: submitting the same intent twice
// yields the original execution, never a second order.
type VenueAdapter interface {
	// Name identifies the venue in logs and metrics.
	Name() string

	// Quote returns the venue's current price for a symbol.
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Execute submits an intent and returns the resulting execution.
	Execute(ctx context.Context, intent TradeIntent) (*Execution, error)

	// Status reports the venue-side state of a prior execution.
	Status(ctx context.Context, venueID string) (VenueStatus, error)

	// Cancel withdraws a venue-side order that has not fully executed.
	Cancel(ctx context.Context, venueID string) error
}

// closeIntentNS namespaces the deterministic close-intent IDs so a retried
// close collapses onto the first attempt at the venue.
var closeIntentNS = uuid.MustParse("e7c02a4e-9d31-4c6a-8f5e-3b1a6d28c901")

// closeIntentID derives the idempotency key for closing a position. The same
// position always closes under the same intent ID, across restarts.
func closeIntentID(positionID string) uuid.UUID {
	return uuid.NewSHA1(closeIntentNS, []byte("close:"+positionID))
}

// oppositeDirection flips long to short and back, for closing executions.
func oppositeDirection(direction string) string {
	if direction == state.DirectionShort {
		return state.DirectionLong
	}
	return state.DirectionShort
}
