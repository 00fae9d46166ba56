package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks a position through its lifecycle. Transitions are
// monotone: Open, then Closing, then Closed.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "Open"
	StatusClosing PositionStatus = "Closing"
	StatusClosed  PositionStatus = "Closed"
)

// Direction of a position relative to the market.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Position represents a single trading position. Prices and quantities use
// decimal arithmetic; float drift on money fields is not acceptable in the
// persisted record.
type Position struct {
	ID              string           `json:"id"`
	Symbol          string           `json:"symbol"`
	Direction       string           `json:"direction"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	CurrentPrice    decimal.Decimal  `json:"current_price"`
	PeakPrice       decimal.Decimal  `json:"peak_price"`
	Quantity        decimal.Decimal  `json:"quantity"`
	StopLossPrice   decimal.Decimal  `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal  `json:"take_profit_price"`
	Status          PositionStatus   `json:"status"`
	IntentID        string           `json:"intent_id"`
	VenueID         string           `json:"venue_id,omitempty"`
	OpenedAt        time.Time        `json:"opened_at"`
	ClosedAt        *time.Time       `json:"closed_at,omitempty"`
	RealizedPnL     *decimal.Decimal `json:"realized_pnl,omitempty"`
}

// statusRank orders lifecycle states for monotonicity checks.
func statusRank(s PositionStatus) int {
	switch s {
	case StatusOpen:
		return 0
	case StatusClosing:
		return 1
	case StatusClosed:
		return 2
	default:
		return -1
	}
}

// ValidTransition reports whether a status change respects the
// Open -> Closing -> Closed lifecycle. Same-state writes are allowed.
func ValidTransition(from, to PositionStatus) bool {
	fr, tr := statusRank(from), statusRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr >= fr
}

// positionsDoc is the on-disk snapshot document.
type positionsDoc struct {
	Version   int        `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
	Positions []Position `json:"positions"`
}

// validate enforces at-rest invariants. A snapshot that breaks them is
// refused rather than repaired.
func (d *positionsDoc) validate() error {
	if d.Version > schemaVersion {
		return fmt.Errorf("snapshot schema v%d is newer than supported v%d", d.Version, schemaVersion)
	}
	openIntents := make(map[string]bool, len(d.Positions))
	for i := range d.Positions {
		p := &d.Positions[i]
		if p.ID == "" || p.Symbol == "" || p.IntentID == "" {
			return fmt.Errorf("position %d missing id, symbol or intent_id", i)
		}
		if statusRank(p.Status) < 0 {
			return fmt.Errorf("position %s has unknown status %q", p.ID, p.Status)
		}
		if p.Quantity.IsNegative() {
			return fmt.Errorf("position %s has negative quantity", p.ID)
		}
		if p.Status != StatusClosed {
			if openIntents[p.IntentID] {
				return fmt.Errorf("duplicate open position for intent %s", p.IntentID)
			}
			openIntents[p.IntentID] = true
		}
	}
	return nil
}
