package trade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// PaperVenue simulates an execution venue for dry-run trading and tests.
// Market orders fill immediately and in full at the posted quote, with no
// slippage, so test expectations stay exact.
type PaperVenue struct {
	mu sync.Mutex

	prices     map[string]decimal.Decimal
	byIntent   map[string]*paperOrder // idempotency: intent ID -> order
	byVenueID  map[string]*paperOrder
	nextID     int64
	executeErr error
	quoteErr   error

	log zerolog.Logger
}

// paperOrder is one simulated venue-side position.
type paperOrder struct {
	venueID   string
	intentID  string
	symbol    string
	direction string
	quantity  decimal.Decimal
	execution *Execution
	closed    bool
	failed    bool
}

// NewPaperVenue creates an empty paper venue. Prices must be posted with
// SetPrice before intents referencing the symbol can execute.
func NewPaperVenue(log zerolog.Logger) *PaperVenue {
	log.Info().Msg("Paper venue initialized (dry-run mode)")
	return &PaperVenue{
		prices:    make(map[string]decimal.Decimal),
		byIntent:  make(map[string]*paperOrder),
		byVenueID: make(map[string]*paperOrder),
		log:       log,
	}
}

// Name implements VenueAdapter.
func (v *PaperVenue) Name() string { return "paper" }

// SetPrice posts the simulated market price for a symbol.
func (v *PaperVenue) SetPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
}

// FailExecutions makes subsequent Execute calls return err. Passing nil
// restores normal fills.
func (v *PaperVenue) FailExecutions(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.executeErr = err
}

// FailQuotes makes subsequent Quote calls return err. Passing nil restores
// normal quotes.
func (v *PaperVenue) FailQuotes(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quoteErr = err
}

// Quote implements VenueAdapter.
func (v *PaperVenue) Quote(_ context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.quoteErr != nil {
		return decimal.Zero, v.quoteErr
	}
	price, ok := v.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return price, nil
}

// Execute implements VenueAdapter. A repeated intent ID returns the original
// execution. An intent whose direction opposes an open order on the same
// symbol closes that order; closing with nothing open reports
// ErrAlreadyClosed so the engine can reconcile.
func (v *PaperVenue) Execute(_ context.Context, intent TradeIntent) (*Execution, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if prior, ok := v.byIntent[intent.IntentID.String()]; ok {
		return prior.execution, nil
	}
	if v.executeErr != nil {
		return nil, v.executeErr
	}
	if intent.Symbol == "" {
		return nil, faults.New(faults.Contract, "paper.execute", "symbol is required")
	}
	if !intent.Size.IsPositive() {
		return nil, faults.New(faults.Contract, "paper.execute", "size must be positive")
	}

	price, ok := v.prices[intent.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, intent.Symbol)
	}

	// An opposing intent on a symbol with an open order is a close; the
	// pair nets out, so the closing order is itself born closed.
	netted := false
	if counter := v.openOrderLocked(intent.Symbol, oppositeDirection(intent.Direction)); counter != nil {
		counter.closed = true
		netted = true
	} else if v.isCloseAttemptLocked(intent) {
		return nil, ErrAlreadyClosed
	}

	v.nextID++
	order := &paperOrder{
		venueID:   fmt.Sprintf("paper-%d", v.nextID),
		intentID:  intent.IntentID.String(),
		symbol:    intent.Symbol,
		direction: intent.Direction,
		quantity:  intent.Size,
		closed:    netted,
		execution: &Execution{
			Fills: []Fill{{Price: price, Quantity: intent.Size, Time: time.Now().UTC()}},
			Fees:  decimal.Zero,
		},
	}
	order.execution.VenueID = order.venueID

	v.byIntent[order.intentID] = order
	v.byVenueID[order.venueID] = order

	v.log.Debug().
		Str("venue_id", order.venueID).
		Str("symbol", intent.Symbol).
		Str("direction", intent.Direction).
		Str("price", price.String()).
		Str("quantity", intent.Size.String()).
		Msg("Paper order filled")

	return order.execution, nil
}

// Status implements VenueAdapter.
func (v *PaperVenue) Status(_ context.Context, venueID string) (VenueStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.byVenueID[venueID]
	if !ok {
		return VenueFailed, fmt.Errorf("%w: %s", ErrUnknownVenueID, venueID)
	}
	if order.failed {
		return VenueFailed, nil
	}
	if order.closed {
		return VenueClosed, nil
	}
	return VenueOpen, nil
}

// Cancel implements VenueAdapter. Paper fills are immediate, so cancel only
// marks the order closed.
func (v *PaperVenue) Cancel(_ context.Context, venueID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.byVenueID[venueID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenueID, venueID)
	}
	order.closed = true
	return nil
}

// MarkClosed force-closes a venue-side order, simulating an operator closing
// the position directly on the venue.
func (v *PaperVenue) MarkClosed(venueID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if order, ok := v.byVenueID[venueID]; ok {
		order.closed = true
	}
}

// MarkFailed marks a venue-side order failed, simulating an execution the
// venue rejected after acknowledging it.
func (v *PaperVenue) MarkFailed(venueID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if order, ok := v.byVenueID[venueID]; ok {
		order.failed = true
	}
}

// openOrderLocked returns an open order on symbol with the given direction.
func (v *PaperVenue) openOrderLocked(symbol, direction string) *paperOrder {
	for _, order := range v.byVenueID {
		if !order.closed && order.symbol == symbol && order.direction == direction {
			return order
		}
	}
	return nil
}

// isCloseAttemptLocked reports whether the intent looks like a close: an
// order with the opposite direction existed on this symbol but is already
// closed. A fresh short on an untraded symbol is not a close attempt.
func (v *PaperVenue) isCloseAttemptLocked(intent TradeIntent) bool {
	if intent.Direction != state.DirectionShort && intent.Direction != state.DirectionLong {
		return false
	}
	for _, order := range v.byVenueID {
		if order.symbol == intent.Symbol && order.direction == oppositeDirection(intent.Direction) && order.closed {
			return true
		}
	}
	return false
}
