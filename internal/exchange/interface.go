// interface.go defines the capability set the rest of the bot requires from
// a derivatives exchange. The trader, manager, and runner depend on this
// interface; Binance is the one concrete adapter. Tests substitute scripted
// fakes.
package exchange

import (
	"context"

	"signalbot/pkg/types"
)

// Client is the abstract exchange surface. All calls are safe for concurrent
// use. Order placement returns an OrderResult — an exchange rejection is
// data (Success=false, Error set), a transport failure is a Go error.
type Client interface {
	// TestConnectivity pings the exchange. Used once at startup.
	TestConnectivity(ctx context.Context) error

	// GetAllSymbols returns precision and limits for every tradable symbol.
	GetAllSymbols(ctx context.Context) ([]types.SymbolInfo, error)

	// GetMarkPrice returns the current mark price for a symbol.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// GetBalance returns the available balance of one asset (e.g. USDT).
	GetBalance(ctx context.Context, asset string) (float64, error)

	// SetLeverage sets the account leverage for a symbol. Idempotent.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetMarginType sets isolated/cross margin for a symbol. The adapter
	// treats "no need to change" responses as success.
	SetMarginType(ctx context.Context, symbol string, margin types.MarginType) error

	// PlaceMarketOrder submits a market order. ReduceOnly orders can only
	// shrink an existing position (used for compensating closes).
	PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, reduceOnly bool) (types.OrderResult, error)

	// PlaceStopLoss submits a STOP_MARKET reduce-only order at stopPrice.
	PlaceStopLoss(ctx context.Context, symbol string, side types.Side, qty, stopPrice float64) (types.OrderResult, error)

	// PlaceTakeProfit submits a TAKE_PROFIT_MARKET reduce-only order.
	PlaceTakeProfit(ctx context.Context, symbol string, side types.Side, qty, stopPrice float64) (types.OrderResult, error)

	// CancelOrder cancels one order by exchange id.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetPositionAmounts returns the signed position size per symbol for
	// every non-flat position on the account. Used by reconciliation.
	GetPositionAmounts(ctx context.Context) (map[string]float64, error)
}
