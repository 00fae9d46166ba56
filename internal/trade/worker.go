package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/metrics"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// Initialize loads the persisted position set, reconciles interrupted work
// against the venue, and subscribes to buy signals. A corrupt snapshot is
// propagated as-is so startup can refuse rather than trade on bad state.
func (e *Engine) Initialize(ctx context.Context) error {
	positions, err := e.store.LoadPositions()
	if err != nil {
		return err
	}

	e.mu.Lock()
	for i := range positions {
		pos := positions[i]
		e.positions[pos.ID] = &pos
		e.byIntent[pos.IntentID] = pos.ID
	}
	e.mu.Unlock()

	if err := e.reconcile(ctx); err != nil {
		return err
	}

	if e.bus != nil {
		h, err := e.bus.Subscribe(bus.Subscription{
			Subscriber: e.cfg.Actor,
			Types:      []bus.MessageType{bus.TypeBuySignal},
			Handler:    e.handleBuySignal,
		})
		if err != nil {
			return err
		}
		e.subs = append(e.subs, h)
	}

	metrics.SetOpenPositions(e.openCount())
	e.log.Info().
		Int("positions", len(positions)).
		Int("open", e.openCount()).
		Str("venue", e.venue.Name()).
		Msg("Trade engine initialized")
	return nil
}

// Run drives the engine's periodic work: marking live positions to the
// venue's quote and sweeping expired pending intents. It returns when the
// context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	quotes := time.NewTicker(e.cfg.QuoteInterval)
	defer quotes.Stop()
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-quotes.C:
			e.pollPrices(ctx)
		case <-sweep.C:
			e.sweepExpiredIntents()
		}
	}
}

// Shutdown detaches from the bus and writes a final snapshot.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.bus != nil {
		for _, h := range e.subs {
			e.bus.Unsubscribe(h)
		}
	}
	e.subs = nil

	if err := e.persist(); err != nil {
		return err
	}
	e.log.Info().Msg("Trade engine stopped")
	return nil
}

// Health reports the last persistence outcome. A store that stopped
// accepting writes makes the engine unhealthy: it can no longer guarantee
// its durability contract.
func (e *Engine) Health() error {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	return e.persistErr
}

// handleBuySignal opens a position for an inbound signal. Denials and
// duplicates are the engine's normal business and never count as handler
// failures; they are audited and logged instead.
func (e *Engine) handleBuySignal(ctx context.Context, msg *bus.Message) error {
	intent, err := IntentFromMessage(msg)
	if err != nil {
		e.log.Warn().Err(err).
			Str("message_id", msg.ID.String()).
			Str("sender", msg.Sender).
			Msg("Discarding malformed buy signal")
		return nil
	}

	_, err = e.Open(ctx, intent)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyProcessed):
		e.log.Debug().Str("intent_id", intent.IntentID.String()).Msg("Duplicate buy signal ignored")
	default:
		e.log.Warn().Err(err).
			Str("intent_id", intent.IntentID.String()).
			Str("symbol", intent.Symbol).
			Msg("Buy signal rejected")
	}
	return nil
}

// pollPrices fetches a fresh quote for every symbol holding a live position
// and runs it through the stop logic. Quote failures skip the symbol; the
// next tick retries.
func (e *Engine) pollPrices(ctx context.Context) {
	for _, symbol := range e.activeSymbols() {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
		start := time.Now()
		price, err := e.venue.Quote(callCtx, symbol)
		cancel()
		metrics.RecordVenueCall(e.venue.Name(), "quote", float64(time.Since(start).Milliseconds()), err)
		if err != nil {
			e.log.Debug().Err(err).Str("symbol", symbol).Msg("Quote failed")
			continue
		}
		if !price.IsPositive() {
			continue
		}
		if err := e.OnPrice(ctx, symbol, price); err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("Price update failed")
		}
	}
}

// sweepExpiredIntents drops pending intents past their TTL so an abandoned
// open cannot fire hours later through restart reconciliation.
func (e *Engine) sweepExpiredIntents() {
	pendings, err := e.store.PendingIntents()
	if err != nil {
		e.log.Warn().Err(err).Msg("Pending intent sweep failed")
		return
	}

	now := time.Now().UTC()
	for _, pi := range pendings {
		if !pi.Expired(now) {
			continue
		}
		if err := e.store.DeletePendingIntent(pi.IntentID); err != nil {
			e.log.Warn().Err(err).Str("intent_id", pi.IntentID).Msg("Failed to sweep expired intent")
			continue
		}
		if posID, ok := e.intentResolved(pi.IntentID); ok {
			// The open landed but its cleanup delete failed earlier.
			e.log.Debug().Str("intent_id", pi.IntentID).Str("position_id", posID).Msg("Swept stale intent record")
			continue
		}
		e.audit(state.ActionReconcile, nil, map[string]interface{}{
			"intent_id": pi.IntentID,
			"symbol":    pi.Symbol,
		}, "pending intent expired before execution")
	}
}

func (e *Engine) activeSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]bool, len(e.positions))
	var out []string
	for _, pos := range e.positions {
		if pos.Status != state.StatusClosed && !seen[pos.Symbol] {
			seen[pos.Symbol] = true
			out = append(out, pos.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// IntentFromMessage extracts a trade intent from a buy signal. It accepts
// an in-process TradeIntent payload or the map shape produced by JSON
// transports.
func IntentFromMessage(msg *bus.Message) (TradeIntent, error) {
	switch data := msg.Data.(type) {
	case TradeIntent:
		return data, nil
	case *TradeIntent:
		if data != nil {
			return *data, nil
		}
	case map[string]interface{}:
		return intentFromMap(data)
	}
	return TradeIntent{}, faults.Newf(faults.Contract, "trade.intent_from_message", "unsupported buy signal payload %T", msg.Data)
}

func intentFromMap(data map[string]interface{}) (TradeIntent, error) {
	rawID, _ := data["intent_id"].(string)
	id, err := uuid.Parse(rawID)
	if err != nil {
		return TradeIntent{}, faults.Newf(faults.Contract, "trade.intent_from_message", "bad intent_id %q", rawID)
	}

	size, err := decimalField(data["size"])
	if err != nil {
		return TradeIntent{}, faults.Wrap(faults.Contract, "trade.intent_from_message", err)
	}

	intent := TradeIntent{
		IntentID: id,
		Size:     size,
	}
	intent.Symbol, _ = data["symbol"].(string)
	intent.Direction, _ = data["direction"].(string)
	if ttl, ok := data["ttl_s"].(float64); ok && ttl > 0 {
		intent.TTL = time.Duration(ttl * float64(time.Second))
	}
	return intent, nil
}

func decimalField(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case nil:
		return decimal.Zero, errors.New("size is required")
	}
	return decimal.Zero, fmt.Errorf("unsupported size type %T", v)
}
