package trade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/state"
)

// BinanceVenue executes intents against Binance spot. The intent ID rides as
// the client order ID, so a retried Execute collapses onto the original
// order at the venue instead of placing a duplicate.
type BinanceVenue struct {
	client  *binance.Client
	testnet bool
	log     zerolog.Logger
}

// BinanceConfig carries the venue credentials and mode.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// NewBinanceVenue creates a Binance-backed venue adapter.
func NewBinanceVenue(cfg BinanceConfig, log zerolog.Logger) *BinanceVenue {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance venue initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance venue initialized (LIVE TRADING mode)")
	}

	return &BinanceVenue{client: client, testnet: cfg.Testnet, log: log}
}

// Name implements VenueAdapter.
func (v *BinanceVenue) Name() string {
	if v.testnet {
		return "binance_testnet"
	}
	return "binance"
}

// Quote implements VenueAdapter.
func (v *BinanceVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := v.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classifyVenueErr("binance.quote", err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, faults.Wrap(faults.Terminal, "binance.quote", err)
	}
	return price, nil
}

// Execute implements VenueAdapter. Market order, full quantity. A duplicate
// client order ID rejection is resolved by fetching the original order.
func (v *BinanceVenue) Execute(ctx context.Context, intent TradeIntent) (*Execution, error) {
	side := binance.SideTypeBuy
	if intent.Direction == state.DirectionShort {
		side = binance.SideTypeSell
	}

	resp, err := v.client.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(intent.Size.StringFixed(8)).
		NewClientOrderID(intent.IntentID.String()).
		Do(ctx)
	if err != nil {
		if isDuplicateOrderErr(err) {
			return v.recoverExecution(ctx, intent)
		}
		return nil, classifyVenueErr("binance.execute", err)
	}

	exec := &Execution{
		VenueID: venueID(resp.Symbol, resp.OrderID),
		Fills:   make([]Fill, 0, len(resp.Fills)),
	}
	now := time.Now().UTC()
	for _, f := range resp.Fills {
		price, perr := decimal.NewFromString(f.Price)
		qty, qerr := decimal.NewFromString(f.Quantity)
		fee, ferr := decimal.NewFromString(f.Commission)
		if perr != nil || qerr != nil || ferr != nil {
			return nil, faults.Newf(faults.Terminal, "binance.execute", "unparseable fill in order %d", resp.OrderID)
		}
		exec.Fills = append(exec.Fills, Fill{Price: price, Quantity: qty, Time: now})
		exec.Fees = exec.Fees.Add(fee)
	}

	v.log.Info().
		Str("venue_id", exec.VenueID).
		Str("symbol", intent.Symbol).
		Str("side", string(side)).
		Str("quantity", intent.Size.String()).
		Msg("Order executed on Binance")

	return exec, nil
}

// Status implements VenueAdapter. Binance spot has no position objects, so
// this reports the standing of the opening order: an unfilled cancel,
// rejection or expiry means the position never existed.
func (v *BinanceVenue) Status(ctx context.Context, id string) (VenueStatus, error) {
	symbol, orderID, err := splitVenueID(id)
	if err != nil {
		return VenueFailed, err
	}

	order, err := v.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return VenueFailed, classifyVenueErr("binance.status", err)
	}

	switch order.Status {
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return VenueFailed, nil
	default:
		return VenueOpen, nil
	}
}

// Cancel implements VenueAdapter.
func (v *BinanceVenue) Cancel(ctx context.Context, id string) error {
	symbol, orderID, err := splitVenueID(id)
	if err != nil {
		return err
	}
	_, err = v.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return classifyVenueErr("binance.cancel", err)
	}
	return nil
}

// recoverExecution fetches the order a duplicate client order ID points at
// and synthesizes its execution. Fill detail is gone by then; the executed
// quantity and average price stand in as a single fill.
func (v *BinanceVenue) recoverExecution(ctx context.Context, intent TradeIntent) (*Execution, error) {
	order, err := v.client.NewGetOrderService().
		Symbol(intent.Symbol).
		OrigClientOrderID(intent.IntentID.String()).
		Do(ctx)
	if err != nil {
		return nil, classifyVenueErr("binance.execute", err)
	}

	executedQty, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return nil, faults.Wrap(faults.Terminal, "binance.execute", err)
	}
	quoteQty, err := decimal.NewFromString(order.CummulativeQuoteQuantity)
	if err != nil {
		return nil, faults.Wrap(faults.Terminal, "binance.execute", err)
	}

	exec := &Execution{VenueID: venueID(order.Symbol, order.OrderID)}
	if executedQty.IsPositive() {
		avg := quoteQty.Div(executedQty)
		exec.Fills = []Fill{{Price: avg, Quantity: executedQty, Time: time.UnixMilli(order.UpdateTime).UTC()}}
	}
	return exec, nil
}

// venueID packs symbol and order ID into one token so Status and Cancel can
// be answered after a restart without an in-memory order table.
func venueID(symbol string, orderID int64) string {
	return symbol + ":" + strconv.FormatInt(orderID, 10)
}

func splitVenueID(id string) (string, int64, error) {
	symbol, raw, ok := strings.Cut(id, ":")
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrUnknownVenueID, id)
	}
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrUnknownVenueID, id)
	}
	return symbol, orderID, nil
}

// isDuplicateOrderErr matches the venue's rejection of a reused client order
// ID, which is the idempotent-retry signal.
func isDuplicateOrderErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate order") || strings.Contains(msg, "-2010")
}

// classifyVenueErr buckets a raw venue error into the shared taxonomy so the
// engine can decide between retry, reconcile and refusal.
func classifyVenueErr(op string, err error) error {
	switch faults.Classify(err) {
	case faults.Transient:
		return faults.Wrap(faults.Transient, op, err)
	case faults.Persistence:
		return faults.Wrap(faults.ExternalUnavailable, op, err)
	default:
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "insufficient") || strings.Contains(msg, "invalid") ||
			strings.Contains(msg, "lot size") || strings.Contains(msg, "min notional") {
			return faults.Wrap(faults.Contract, op, err)
		}
		return faults.Wrap(faults.ExternalUnavailable, op, err)
	}
}
