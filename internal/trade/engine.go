package trade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/botfunk/internal/breaker"
	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/learning"
	"github.com/ajitpratap0/botfunk/internal/metrics"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// Engine errors callers branch on.
var (
	// ErrAlreadyProcessed reports that an intent already produced a
	// position. Open returns it together with that position.
	ErrAlreadyProcessed = errors.New("trade: intent already processed")

	// ErrNotOpen reports a close attempt on an unknown or already closed
	// position.
	ErrNotOpen = errors.New("trade: position not open")
)

// LearningSink receives closed-trade outcomes for later recall.
type LearningSink interface {
	Add(component string, typ learning.Type, content string, context map[string]string, confidence float64) (uuid.UUID, error)
}

// Config carries the engine's risk parameters. Percentages are fractions:
// a StopPct of 0.15 places the initial stop 15% below entry.
type Config struct {
	Actor         string
	MaxPositions  int
	StopPct       float64
	TakeProfitPct float64
	BreakEvenPct  float64
	TrailStartPct float64
	TrailPct      float64
	FloorPct      float64
	IntentTTL     time.Duration
	VenueTimeout  time.Duration
	SweepInterval time.Duration
	QuoteInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Actor:         "trade-engine",
		MaxPositions:  5,
		StopPct:       0.15,
		TakeProfitPct: 0.25,
		BreakEvenPct:  0.10,
		TrailStartPct: 0.15,
		TrailPct:      0.05,
		FloorPct:      0.90,
		IntentTTL:     time.Hour,
		VenueTimeout:  10 * time.Second,
		SweepInterval: time.Minute,
		QuoteInterval: 15 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Actor == "" {
		c.Actor = def.Actor
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = def.MaxPositions
	}
	if c.StopPct <= 0 {
		c.StopPct = def.StopPct
	}
	if c.TakeProfitPct <= 0 {
		c.TakeProfitPct = def.TakeProfitPct
	}
	if c.BreakEvenPct <= 0 {
		c.BreakEvenPct = def.BreakEvenPct
	}
	if c.TrailStartPct <= 0 {
		c.TrailStartPct = def.TrailStartPct
	}
	if c.TrailPct <= 0 {
		c.TrailPct = def.TrailPct
	}
	if c.FloorPct <= 0 {
		c.FloorPct = def.FloorPct
	}
	if c.IntentTTL <= 0 {
		c.IntentTTL = def.IntentTTL
	}
	if c.VenueTimeout <= 0 {
		c.VenueTimeout = def.VenueTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.QuoteInterval <= 0 {
		c.QuoteInterval = def.QuoteInterval
	}
	return c
}

// ClosedReport summarizes a completed close.
type ClosedReport struct {
	Position    state.Position  `json:"position"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
	Reason      string          `json:"reason"`
}

// Filter narrows a Positions listing. Zero values match everything.
type Filter struct {
	Symbol string
	Status state.PositionStatus
}

// Engine opens and closes positions against a venue adapter with durable
// state. Every mutation persists before the engine reports success, and the
// pending-intent record persists before any venue call, so a crash at any
// point reconciles on restart instead of double-trading.
//
// Concurrency: one writer per symbol. Price updates, opens and closes on the
// same symbol serialize on a per-symbol mutex; distinct symbols progress in
// parallel. Readers get copies.
type Engine struct {
	cfg   Config
	store *state.Store
	venue VenueAdapter
	trips *breaker.Breaker
	bus   *bus.Bus
	learn LearningSink
	log   zerolog.Logger

	mu        sync.RWMutex
	positions map[string]*state.Position
	byIntent  map[string]string // intent ID -> position ID
	symLocks  map[string]*sync.Mutex
	reserved  int // open slots claimed by in-flight opens

	persistMu sync.Mutex

	healthMu   sync.Mutex
	persistErr error

	subs []bus.Handle
}

// New creates a trade engine. The breaker is the trading-level circuit
// breaker consulted before every open; eventBus and learn may be nil when
// the engine runs without those collaborators (tests, dry-run tooling).
func New(cfg Config, store *state.Store, venue VenueAdapter, trips *breaker.Breaker, eventBus *bus.Bus, learn LearningSink, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg.normalized(),
		store:     store,
		venue:     venue,
		trips:     trips,
		bus:       eventBus,
		learn:     learn,
		log:       log.With().Str("component", "trade-engine").Logger(),
		positions: make(map[string]*state.Position),
		byIntent:  make(map[string]string),
		symLocks:  make(map[string]*sync.Mutex),
	}
}

// Open opens a position for the intent. Gates run in order: idempotency,
// kill switch, position limit, durable intent, circuit breaker, venue. A
// persistence failure before the venue call is fatal for the open; the
// venue is never reached without a persisted intent on disk.
//
// A repeated intent ID returns the existing position with
// ErrAlreadyProcessed, regardless of the other gates: the position exists,
// so the retrying caller gets its handle back.
func (e *Engine) Open(ctx context.Context, intent TradeIntent) (*state.Position, error) {
	if err := validateIntent(&intent); err != nil {
		return nil, err
	}

	// Idempotency is checked twice: here, ungated, so a retry of a finished
	// intent always gets its handle back, and again under the symbol lock to
	// close the race with an in-flight duplicate.
	if pos, ok := e.positionByIntent(intent.IntentID.String()); ok {
		return pos, ErrAlreadyProcessed
	}

	if on, reason := e.store.KillSwitch(); on {
		e.deny(intent, metrics.DenyReasonKillSwitch, "kill switch engaged: "+reason)
		return nil, faults.New(faults.Safety, "trade.open", "kill switch engaged: "+reason)
	}

	lock := e.symbolLock(intent.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if pos, ok := e.positionByIntent(intent.IntentID.String()); ok {
		return pos, ErrAlreadyProcessed
	}

	release, ok := e.reserveSlot()
	if !ok {
		e.deny(intent, metrics.DenyReasonMaxPositions, "max open positions reached")
		return nil, faults.New(faults.Safety, "trade.open", "max open positions reached")
	}
	defer release()

	size := e.effectiveSize(intent.Size)
	pending := state.PendingIntent{
		IntentID:  intent.IntentID.String(),
		Symbol:    intent.Symbol,
		Direction: intent.Direction,
		Size:      size,
		TTL:       intent.TTL,
		CreatedAt: time.Now().UTC(),
	}
	if pending.TTL <= 0 {
		pending.TTL = e.cfg.IntentTTL
	}
	if err := e.store.PutPendingIntent(pending); err != nil {
		e.deny(intent, metrics.DenyReasonPersistence, "pending intent write failed")
		return nil, err
	}
	intent.Size = size

	// The probe slot taken here is settled by the RecordSuccess or
	// RecordFailure below; no path returns between Allow and the venue call.
	if ok, _ := e.trips.Allow(); !ok {
		if derr := e.store.DeletePendingIntent(pending.IntentID); derr != nil {
			e.log.Error().Err(derr).Str("intent_id", pending.IntentID).Msg("Failed to drop denied pending intent")
		}
		e.deny(intent, metrics.DenyReasonBreakerOpen, "trade breaker open")
		return nil, e.trips.Deny("trade.open")
	}

	exec, err := e.executeVenue(ctx, "execute", intent)
	if err != nil {
		e.trips.RecordFailure("venue execute failed")
		if venueNeverReached(err) {
			if derr := e.store.DeletePendingIntent(pending.IntentID); derr != nil {
				e.log.Error().Err(derr).Str("intent_id", pending.IntentID).Msg("Failed to drop rejected pending intent")
			}
		}
		e.deny(intent, metrics.DenyReasonOther, "venue execution failed")
		return nil, err
	}
	e.trips.RecordSuccess()

	entry := exec.AvgPrice()
	if entry.IsZero() {
		return nil, faults.New(faults.ExternalUnavailable, "trade.open", "execution carried no fills")
	}
	quantity := exec.FilledQuantity()
	if quantity.IsZero() {
		quantity = size
	}

	pos := e.buildPosition(intent, exec, entry, quantity)

	e.mu.Lock()
	e.positions[pos.ID] = pos
	e.byIntent[pos.IntentID] = pos.ID
	e.mu.Unlock()

	if err := e.persist(); err != nil {
		// The venue holds the position and the pending intent is still on
		// disk, so a restart reconciles it. Callers retrying land on the
		// idempotency path.
		e.log.Error().Err(err).Str("position_id", pos.ID).Msg("Opened position could not be persisted")
		return nil, err
	}
	if err := e.store.DeletePendingIntent(pos.IntentID); err != nil {
		e.log.Error().Err(err).Str("intent_id", pos.IntentID).Msg("Failed to clear resolved pending intent")
	}

	e.audit(state.ActionOpen, nil, positionSummary(pos), "")
	metrics.RecordTradeOpened(pos.Symbol, e.venue.Name())
	metrics.SetOpenPositions(e.openCount())

	e.log.Info().
		Str("position_id", pos.ID).
		Str("intent_id", pos.IntentID).
		Str("symbol", pos.Symbol).
		Str("direction", pos.Direction).
		Str("entry_price", pos.EntryPrice.String()).
		Str("quantity", pos.Quantity.String()).
		Str("stop", pos.StopLossPrice.String()).
		Str("take_profit", pos.TakeProfitPrice.String()).
		Msg("Position opened")

	cp := *pos
	return &cp, nil
}

// Close closes a position. Closing is always permitted, kill switch or not:
// reducing exposure is never blocked. Retrying an interrupted close is safe;
// the venue-side close order is keyed deterministically by position ID.
func (e *Engine) Close(ctx context.Context, positionID, reason string) (*ClosedReport, error) {
	e.mu.RLock()
	pos, ok := e.positions[positionID]
	var symbol string
	if ok {
		symbol = pos.Symbol
	}
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, positionID)
	}

	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	if pos.Status == state.StatusClosed {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, positionID)
	}

	return e.closeLocked(ctx, pos, reason, decimal.Zero)
}

// closeLocked drives a close while holding the symbol lock. exitHint, when
// non-zero, stands in for the exit price when the venue cannot provide one.
func (e *Engine) closeLocked(ctx context.Context, pos *state.Position, reason string, exitHint decimal.Decimal) (*ClosedReport, error) {
	before := positionSummary(pos)

	if pos.Status == state.StatusOpen {
		pos.Status = state.StatusClosing
		if err := e.persist(); err != nil {
			pos.Status = state.StatusOpen
			return nil, err
		}
	}

	closeIntent := TradeIntent{
		IntentID:  closeIntentID(pos.ID),
		Symbol:    pos.Symbol,
		Direction: oppositeDirection(pos.Direction),
		Size:      pos.Quantity,
	}

	exit := exitHint
	fees := decimal.Zero
	venueNote := ""

	exec, err := e.executeVenue(ctx, "close", closeIntent)
	switch {
	case err == nil:
		e.trips.RecordSuccess()
		if avg := exec.AvgPrice(); !avg.IsZero() {
			exit = avg
		}
		fees = exec.Fees
	case errors.Is(err, ErrAlreadyClosed):
		// The venue no longer holds the position. Reconcile locally at the
		// last known price and record how we got here.
		venueNote = "venue reported already closed"
		e.log.Warn().Str("position_id", pos.ID).Msg("Venue reported position already closed; reconciling locally")
	default:
		e.trips.RecordFailure("venue close failed")
		return nil, err
	}

	if exit.IsZero() {
		exit = pos.CurrentPrice
	}
	if exit.IsZero() {
		exit = pos.EntryPrice
	}

	now := time.Now().UTC()
	pnl := realizedPnL(pos.Direction, pos.EntryPrice, exit, pos.Quantity)
	pos.Status = state.StatusClosed
	pos.ClosedAt = &now
	pos.CurrentPrice = exit
	pos.RealizedPnL = &pnl

	if err := e.persist(); err != nil {
		e.log.Error().Err(err).Str("position_id", pos.ID).Msg("Closed position could not be persisted")
		return nil, err
	}

	after := positionSummary(pos)
	after["exit_price"] = exit.String()
	after["realized_pnl"] = pnl.String()
	if venueNote != "" {
		after["venue"] = venueNote
	}
	e.audit(state.ActionClose, before, after, reason)

	e.publish(bus.NewMessage(bus.TypeTradeClosed, e.cfg.Actor).
		WithPriority(bus.PriorityHigh).
		WithKey(pos.Symbol).
		WithData(map[string]interface{}{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"direction":   pos.Direction,
			"entry_price": pos.EntryPrice.String(),
			"exit_price":  exit.String(),
			"quantity":    pos.Quantity.String(),
			"pnl":         pnl.String(),
			"reason":      reason,
		}))

	e.recordOutcome(pos, exit, pnl, reason)
	metrics.RecordTradeClosed(pos.Symbol, reason, pnl.InexactFloat64())
	metrics.SetOpenPositions(e.openCount())

	e.log.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("exit_price", exit.String()).
		Str("pnl", pnl.String()).
		Str("reason", reason).
		Msg("Position closed")

	cp := *pos
	return &ClosedReport{
		Position:    cp,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		Fees:        fees,
		Reason:      reason,
	}, nil
}

// OnPrice feeds one price observation for a symbol through the stop, take
// profit and trailing logic of every open position on that symbol. Updates
// for one symbol serialize; the price given is evaluated as-is, with no
// synthesized intermediate ticks after a feed gap.
func (e *Engine) OnPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	if symbol == "" || !price.IsPositive() {
		return faults.New(faults.Contract, "trade.on_price", "symbol and positive price required")
	}

	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	e.mu.RLock()
	var affected []*state.Position
	for _, pos := range e.positions {
		if pos.Symbol == symbol && pos.Status != state.StatusClosed {
			affected = append(affected, pos)
		}
	}
	e.mu.RUnlock()

	if len(affected) == 0 {
		return nil
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].OpenedAt.Before(affected[j].OpenedAt) })

	changed := false
	var firstErr error
	for _, pos := range affected {
		if pos.Status != state.StatusOpen {
			pos.CurrentPrice = price
			changed = true
			continue
		}

		pos.CurrentPrice = price
		changed = true

		prevStop := pos.StopLossPrice
		e.advanceStops(pos, price)
		if !pos.StopLossPrice.Equal(prevStop) {
			e.audit(state.ActionStopMove, map[string]interface{}{
				"position_id": pos.ID,
				"stop":        prevStop.String(),
			}, map[string]interface{}{
				"position_id": pos.ID,
				"stop":        pos.StopLossPrice.String(),
				"peak":        pos.PeakPrice.String(),
				"price":       price.String(),
			}, "")
			metrics.RecordStopMove(pos.Symbol)
		}

		if reason, hit := e.triggered(pos, price); hit {
			if _, err := e.closeLocked(ctx, pos, reason, price); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
	}

	if changed {
		if err := e.persist(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// advanceStops applies the trailing algorithm to one open position. For
// longs the stop only ever rises; shorts mirror with a falling stop.
// PeakPrice tracks the most favorable price seen, which for a short is the
// lowest.
func (e *Engine) advanceStops(pos *state.Position, price decimal.Decimal) {
	breakEven := decimal.NewFromFloat(e.paramFraction(state.ParamBreakEvenPct, e.cfg.BreakEvenPct))
	trailStart := decimal.NewFromFloat(e.paramFraction(state.ParamTrailStartPct, e.cfg.TrailStartPct))
	trailPct := decimal.NewFromFloat(e.paramFraction(state.ParamTrailPct, e.cfg.TrailPct))

	one := decimal.NewFromInt(1)

	if pos.Direction == state.DirectionShort {
		if pos.PeakPrice.IsZero() || price.LessThan(pos.PeakPrice) {
			pos.PeakPrice = price
		}
		gain := pos.EntryPrice.Sub(price).Div(pos.EntryPrice)
		switch {
		case gain.GreaterThanOrEqual(trailStart):
			candidate := pos.PeakPrice.Mul(one.Add(trailPct))
			if candidate.LessThan(pos.StopLossPrice) {
				pos.StopLossPrice = candidate
			}
		case gain.GreaterThanOrEqual(breakEven):
			if pos.EntryPrice.LessThan(pos.StopLossPrice) {
				pos.StopLossPrice = pos.EntryPrice
			}
		}
		return
	}

	if price.GreaterThan(pos.PeakPrice) {
		pos.PeakPrice = price
	}
	gain := price.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	switch {
	case gain.GreaterThanOrEqual(trailStart):
		candidate := pos.PeakPrice.Mul(one.Sub(trailPct))
		if candidate.GreaterThan(pos.StopLossPrice) {
			pos.StopLossPrice = candidate
		}
	case gain.GreaterThanOrEqual(breakEven):
		if pos.EntryPrice.GreaterThan(pos.StopLossPrice) {
			pos.StopLossPrice = pos.EntryPrice
		}
	}
}

// triggered decides whether the price closes the position and why. Ties
// between stop and take profit resolve to the stop: risk first. The
// emergency floor applies regardless of trailing state.
func (e *Engine) triggered(pos *state.Position, price decimal.Decimal) (string, bool) {
	floorPct := decimal.NewFromFloat(e.cfg.FloorPct)
	one := decimal.NewFromInt(1)

	if pos.Direction == state.DirectionShort {
		floor := pos.EntryPrice.Mul(one.Add(floorPct))
		switch {
		case price.GreaterThanOrEqual(floor):
			return metrics.CloseReasonFloor, true
		case price.GreaterThanOrEqual(pos.StopLossPrice):
			if pos.StopLossPrice.LessThanOrEqual(pos.EntryPrice) {
				return metrics.CloseReasonTrailingStop, true
			}
			return metrics.CloseReasonStopLoss, true
		case price.LessThanOrEqual(pos.TakeProfitPrice):
			return metrics.CloseReasonTakeProfit, true
		}
		return "", false
	}

	floor := pos.EntryPrice.Mul(one.Sub(floorPct))
	switch {
	case price.LessThanOrEqual(floor):
		return metrics.CloseReasonFloor, true
	case price.LessThanOrEqual(pos.StopLossPrice):
		if pos.StopLossPrice.GreaterThanOrEqual(pos.EntryPrice) {
			return metrics.CloseReasonTrailingStop, true
		}
		return metrics.CloseReasonStopLoss, true
	case price.GreaterThanOrEqual(pos.TakeProfitPrice):
		return metrics.CloseReasonTakeProfit, true
	}
	return "", false
}

// Positions returns copies of positions matching the filter, oldest first.
func (e *Engine) Positions(f Filter) []state.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]state.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		if f.Symbol != "" && pos.Symbol != f.Symbol {
			continue
		}
		if f.Status != "" && pos.Status != f.Status {
			continue
		}
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Get returns a copy of one position by ID.
func (e *Engine) Get(positionID string) (state.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pos, ok := e.positions[positionID]
	if !ok {
		return state.Position{}, false
	}
	return *pos, true
}

// reconcile resolves durable state left by an interrupted run: pending
// intents whose outcome is unknown and positions stuck mid-close. It runs
// before the engine accepts new work.
func (e *Engine) reconcile(ctx context.Context) error {
	pendings, err := e.store.PendingIntents()
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, pi := range pendings {
		if posID, ok := e.intentResolved(pi.IntentID); ok {
			if err := e.store.DeletePendingIntent(pi.IntentID); err != nil {
				return err
			}
			e.audit(state.ActionReconcile, nil, map[string]interface{}{
				"intent_id":   pi.IntentID,
				"position_id": posID,
			}, "pending intent already resolved")
			continue
		}

		if pi.Expired(now) {
			if err := e.store.DeletePendingIntent(pi.IntentID); err != nil {
				return err
			}
			e.audit(state.ActionReconcile, nil, map[string]interface{}{
				"intent_id": pi.IntentID,
				"symbol":    pi.Symbol,
			}, "pending intent expired before execution")
			continue
		}

		intentUUID, perr := uuid.Parse(pi.IntentID)
		if perr != nil {
			e.log.Error().Str("intent_id", pi.IntentID).Msg("Pending intent has unparseable ID; dropping")
			if err := e.store.DeletePendingIntent(pi.IntentID); err != nil {
				return err
			}
			continue
		}

		intent := TradeIntent{
			IntentID:  intentUUID,
			Symbol:    pi.Symbol,
			Direction: pi.Direction,
			Size:      pi.Size,
			TTL:       pi.TTL,
		}
		if intent.Direction == "" {
			intent.Direction = state.DirectionLong
		}

		// The venue dedupes by intent ID: if the order landed before the
		// crash this returns the original execution, otherwise it executes
		// now, inside the intent's TTL.
		exec, verr := e.executeVenue(ctx, "execute", intent)
		if verr != nil {
			e.log.Warn().Err(verr).
				Str("intent_id", pi.IntentID).
				Msg("Pending intent could not be resolved; will retry on next start")
			continue
		}

		entry := exec.AvgPrice()
		if entry.IsZero() {
			e.log.Warn().Str("intent_id", pi.IntentID).Msg("Recovered execution carried no fills; keeping intent pending")
			continue
		}
		quantity := exec.FilledQuantity()
		if quantity.IsZero() {
			quantity = pi.Size
		}

		pos := e.buildPosition(intent, exec, entry, quantity)
		e.mu.Lock()
		e.positions[pos.ID] = pos
		e.byIntent[pos.IntentID] = pos.ID
		e.mu.Unlock()

		if err := e.persist(); err != nil {
			return err
		}
		if err := e.store.DeletePendingIntent(pi.IntentID); err != nil {
			return err
		}

		e.audit(state.ActionReconcile, nil, positionSummary(pos), "pending intent resolved against venue")
		metrics.RecordTradeOpened(pos.Symbol, e.venue.Name())
	}

	for _, pos := range e.closingPositions() {
		lock := e.symbolLock(pos.Symbol)
		lock.Lock()
		if err := e.reconcileClosing(ctx, pos); err != nil {
			e.log.Warn().Err(err).
				Str("position_id", pos.ID).
				Msg("Closing position not reconciled; will retry on next start")
		}
		lock.Unlock()
	}

	metrics.SetOpenPositions(e.openCount())
	return nil
}

// reconcileClosing resolves one position stuck in Closing against the venue.
func (e *Engine) reconcileClosing(ctx context.Context, pos *state.Position) error {
	status, err := e.venueStatus(ctx, pos.VenueID)
	if err != nil {
		return err
	}

	switch status {
	case VenueFailed:
		// The opening execution never stood at the venue. Void the
		// position: nothing was held, so nothing was gained or lost.
		before := positionSummary(pos)
		now := time.Now().UTC()
		zero := decimal.Zero
		pos.Status = state.StatusClosed
		pos.ClosedAt = &now
		pos.RealizedPnL = &zero
		if err := e.persist(); err != nil {
			return err
		}
		e.audit(state.ActionReconcile, before, positionSummary(pos), "venue reported failed execution; position voided")
		return nil

	case VenueClosed:
		// The close landed before the crash; the exact fill price is gone.
		// Settle at the last observed price.
		before := positionSummary(pos)
		now := time.Now().UTC()
		exit := pos.CurrentPrice
		if exit.IsZero() {
			exit = pos.EntryPrice
		}
		pnl := realizedPnL(pos.Direction, pos.EntryPrice, exit, pos.Quantity)
		pos.Status = state.StatusClosed
		pos.ClosedAt = &now
		pos.RealizedPnL = &pnl
		if err := e.persist(); err != nil {
			return err
		}
		e.audit(state.ActionReconcile, before, positionSummary(pos), "venue already closed")
		e.publish(bus.NewMessage(bus.TypeTradeClosed, e.cfg.Actor).
			WithPriority(bus.PriorityHigh).
			WithKey(pos.Symbol).
			WithData(map[string]interface{}{
				"position_id": pos.ID,
				"symbol":      pos.Symbol,
				"pnl":         pnl.String(),
				"reason":      metrics.CloseReasonReconcile,
			}))
		metrics.RecordTradeClosed(pos.Symbol, metrics.CloseReasonReconcile, pnl.InexactFloat64())
		return nil

	default:
		// Still open at the venue: the close never landed. Re-drive it;
		// the deterministic close intent collapses onto any half-sent
		// attempt.
		_, err := e.closeLocked(ctx, pos, metrics.CloseReasonReconcile, decimal.Zero)
		return err
	}
}

// --- helpers ---

func validateIntent(intent *TradeIntent) error {
	if intent.IntentID == uuid.Nil {
		return faults.New(faults.Contract, "trade.open", "intent_id is required")
	}
	if intent.Symbol == "" {
		return faults.New(faults.Contract, "trade.open", "symbol is required")
	}
	if !intent.Size.IsPositive() {
		return faults.New(faults.Contract, "trade.open", "size must be positive")
	}
	switch intent.Direction {
	case "":
		intent.Direction = state.DirectionLong
	case state.DirectionLong, state.DirectionShort:
	default:
		return faults.Newf(faults.Contract, "trade.open", "unknown direction %q", intent.Direction)
	}
	return nil
}

// reserveSlot claims one opening slot against the position limit. The
// reservation holds until release so racing opens on different symbols
// cannot overshoot the limit.
func (e *Engine) reserveSlot() (func(), bool) {
	max := e.effectiveMaxPositions()

	e.mu.Lock()
	defer e.mu.Unlock()

	open := 0
	for _, pos := range e.positions {
		if pos.Status != state.StatusClosed {
			open++
		}
	}
	if open+e.reserved >= max {
		return nil, false
	}
	e.reserved++
	return func() {
		e.mu.Lock()
		e.reserved--
		e.mu.Unlock()
	}, true
}

func (e *Engine) positionByIntent(intentID string) (*state.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	posID, ok := e.byIntent[intentID]
	if !ok {
		return nil, false
	}
	pos, ok := e.positions[posID]
	if !ok {
		return nil, false
	}
	cp := *pos
	return &cp, true
}

func (e *Engine) intentResolved(intentID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	posID, ok := e.byIntent[intentID]
	return posID, ok
}

func (e *Engine) closingPositions() []*state.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*state.Position
	for _, pos := range e.positions {
		if pos.Status == state.StatusClosing {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (e *Engine) buildPosition(intent TradeIntent, exec *Execution, entry, quantity decimal.Decimal) *state.Position {
	one := decimal.NewFromInt(1)
	stopPct := decimal.NewFromFloat(e.paramFraction(state.ParamStopPct, e.cfg.StopPct))
	tpPct := decimal.NewFromFloat(e.paramFraction(state.ParamTakeProfitPct, e.cfg.TakeProfitPct))

	var stop, tp decimal.Decimal
	if intent.Direction == state.DirectionShort {
		stop = entry.Mul(one.Add(stopPct))
		tp = entry.Mul(one.Sub(tpPct))
	} else {
		stop = entry.Mul(one.Sub(stopPct))
		tp = entry.Mul(one.Add(tpPct))
	}

	return &state.Position{
		ID:              uuid.New().String(),
		Symbol:          intent.Symbol,
		Direction:       intent.Direction,
		EntryPrice:      entry,
		CurrentPrice:    entry,
		PeakPrice:       entry,
		Quantity:        quantity,
		StopLossPrice:   stop,
		TakeProfitPrice: tp,
		Status:          state.StatusOpen,
		IntentID:        intent.IntentID.String(),
		VenueID:         exec.VenueID,
		OpenedAt:        time.Now().UTC(),
	}
}

func (e *Engine) executeVenue(ctx context.Context, op string, intent TradeIntent) (*Execution, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	defer cancel()

	start := time.Now()
	exec, err := e.venue.Execute(callCtx, intent)
	metrics.RecordVenueCall(e.venue.Name(), op, float64(time.Since(start).Milliseconds()), err)
	return exec, err
}

func (e *Engine) venueStatus(ctx context.Context, venueID string) (VenueStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	defer cancel()

	start := time.Now()
	status, err := e.venue.Status(callCtx, venueID)
	metrics.RecordVenueCall(e.venue.Name(), "status", float64(time.Since(start).Milliseconds()), err)
	return status, err
}

// venueNeverReached reports whether the failed execute is guaranteed not to
// have placed an order, making it safe to drop the pending intent. Anything
// ambiguous keeps the intent for restart reconciliation.
func venueNeverReached(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, ErrNoQuote) {
		return true
	}
	return faults.KindOf(err) == faults.Contract
}

func (e *Engine) effectiveSize(size decimal.Decimal) decimal.Decimal {
	mult := e.paramFraction(state.ParamSizeMultiplier, 1.0)
	if mult == 1.0 {
		return size
	}
	return size.Mul(decimal.NewFromFloat(mult))
}

func (e *Engine) effectiveMaxPositions() int {
	if p, ok := e.store.GetParam(state.ParamMaxPositions); ok {
		if v, isNum := p.Float(); isNum && v >= 1 {
			return int(v)
		}
	}
	return e.cfg.MaxPositions
}

// paramFraction reads a tunable fraction from the state store, falling back
// to static configuration when unset or not a positive number.
func (e *Engine) paramFraction(key string, fallback float64) float64 {
	if p, ok := e.store.GetParam(key); ok {
		if v, isNum := p.Float(); isNum && v > 0 {
			return v
		}
	}
	return fallback
}

func (e *Engine) openCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, pos := range e.positions {
		if pos.Status != state.StatusClosed {
			n++
		}
	}
	return n
}

// persist writes the full position set atomically. The persist mutex orders
// snapshots so a slow writer cannot clobber a newer one.
func (e *Engine) persist() error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.RLock()
	snap := make([]state.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		snap = append(snap, *pos)
	}
	e.mu.RUnlock()

	sort.Slice(snap, func(i, j int) bool {
		if snap[i].OpenedAt.Equal(snap[j].OpenedAt) {
			return snap[i].ID < snap[j].ID
		}
		return snap[i].OpenedAt.Before(snap[j].OpenedAt)
	})

	err := e.store.SavePositions(snap)
	metrics.RecordStateWrite("positions", err == nil)

	e.healthMu.Lock()
	e.persistErr = err
	e.healthMu.Unlock()
	return err
}

func (e *Engine) deny(intent TradeIntent, metricReason, reason string) {
	e.audit(state.ActionDenied, intentSummary(intent), nil, reason)
	metrics.RecordTradeDenied(metricReason)
	e.log.Warn().
		Str("intent_id", intent.IntentID.String()).
		Str("symbol", intent.Symbol).
		Str("reason", reason).
		Msg("Trade intent denied")
}

func (e *Engine) audit(action string, before, after interface{}, reason string) {
	_, err := e.store.AppendAudit(state.AuditEntry{
		Actor:  e.cfg.Actor,
		Action: action,
		Before: before,
		After:  after,
		Reason: reason,
	})
	metrics.RecordAuditAppend(action, err == nil)
	if err != nil {
		e.log.Error().Err(err).Str("action", action).Msg("Failed to append audit entry")
	}
}

func (e *Engine) publish(msg *bus.Message) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(msg); err != nil {
		e.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("Failed to publish trade event")
	}
}

// recordOutcome stores the closed trade as a learning so future decisions
// can recall what this configuration did.
func (e *Engine) recordOutcome(pos *state.Position, exit decimal.Decimal, pnl decimal.Decimal, reason string) {
	if e.learn == nil {
		return
	}
	typ := learning.SuccessPattern
	if pnl.IsNegative() {
		typ = learning.FailurePattern
	}
	content := fmt.Sprintf("%s %s closed via %s: entry %s exit %s pnl %s",
		pos.Direction, pos.Symbol, reason, pos.EntryPrice.String(), exit.String(), pnl.String())
	_, err := e.learn.Add("trade-engine", typ, content, map[string]string{
		"symbol":    pos.Symbol,
		"direction": pos.Direction,
		"reason":    reason,
	}, 0.5)
	if err != nil {
		e.log.Warn().Err(err).Str("position_id", pos.ID).Msg("Failed to record trade outcome learning")
	}
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		e.symLocks[symbol] = lock
	}
	return lock
}

func realizedPnL(direction string, entry, exit, quantity decimal.Decimal) decimal.Decimal {
	if direction == state.DirectionShort {
		return entry.Sub(exit).Mul(quantity)
	}
	return exit.Sub(entry).Mul(quantity)
}

func positionSummary(pos *state.Position) map[string]interface{} {
	return map[string]interface{}{
		"position_id": pos.ID,
		"intent_id":   pos.IntentID,
		"symbol":      pos.Symbol,
		"direction":   pos.Direction,
		"status":      string(pos.Status),
		"entry_price": pos.EntryPrice.String(),
		"quantity":    pos.Quantity.String(),
		"stop":        pos.StopLossPrice.String(),
		"take_profit": pos.TakeProfitPrice.String(),
		"venue_id":    pos.VenueID,
	}
}

func intentSummary(intent TradeIntent) map[string]interface{} {
	return map[string]interface{}{
		"intent_id": intent.IntentID.String(),
		"symbol":    intent.Symbol,
		"direction": intent.Direction,
		"size":      intent.Size.String(),
	}
}
