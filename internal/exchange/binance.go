// Package exchange implements the Binance USDT-M futures REST and
// user-data stream clients.
//
// The REST adapter (Binance) covers the capability set in interface.go:
//   - GetAllSymbols:    GET  /fapi/v1/exchangeInfo — symbol precision/limits
//   - GetMarkPrice:     GET  /fapi/v1/premiumIndex — current mark price
//   - GetBalance:       GET  /fapi/v2/balance      — per-asset balances
//   - SetLeverage:      POST /fapi/v1/leverage
//   - SetMarginType:    POST /fapi/v1/marginType   — "-4046 no need to change" tolerated
//   - PlaceMarketOrder: POST /fapi/v1/order (MARKET)
//   - PlaceStopLoss:    POST /fapi/v1/order (STOP_MARKET, reduce-only)
//   - PlaceTakeProfit:  POST /fapi/v1/order (TAKE_PROFIT_MARKET, reduce-only)
//   - CancelOrder:      DELETE /fapi/v1/order
//   - GetPositionAmounts: GET /fapi/v2/positionRisk — for reconciliation
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and signed with HMAC where the endpoint requires it.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"signalbot/pkg/types"
)

// Binance is the Binance USDT-M futures REST adapter.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Binance struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // HMAC request signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger

	dryOrderSeq int64 // synthetic order id counter for dry-run results
}

// NewBinance creates a REST adapter with rate limiting and retry.
func NewBinance(baseURL string, auth *Auth, dryRun bool, logger *slog.Logger) *Binance {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", auth.APIKey())

	return &Binance{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "exchange"),
	}
}

// apiError is the JSON error body Binance returns on 4xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// TestConnectivity pings the futures API.
func (b *Binance) TestConnectivity(ctx context.Context) error {
	if err := b.rl.Market.Wait(ctx); err != nil {
		return err
	}
	resp, err := b.http.R().SetContext(ctx).Get("/fapi/v1/ping")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ping: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// exchangeInfo mirrors the subset of GET /fapi/v1/exchangeInfo we consume.
type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
		Filters      []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// defaultMaxLeverage is used when per-symbol leverage brackets are not
// fetched. The validator's own cap is applied on top of this.
const defaultMaxLeverage = 125

// GetAllSymbols fetches precision and limits for every tradable perpetual.
func (b *Binance) GetAllSymbols(ctx context.Context) ([]types.SymbolInfo, error) {
	if err := b.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var info exchangeInfo
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("exchange info: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
			continue
		}
		si := types.SymbolInfo{Symbol: s.Symbol, MaxLeverage: defaultMaxLeverage}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				si.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				si.StepSize = parseFloat(f.StepSize)
				si.MinQty = parseFloat(f.MinQty)
			case "MIN_NOTIONAL":
				si.MinNotional = parseFloat(f.Notional)
			}
		}
		out = append(out, si)
	}
	return out, nil
}

// GetMarkPrice returns the current mark price for a symbol.
func (b *Binance) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := b.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		MarkPrice string `json:"markPrice"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/fapi/v1/premiumIndex")
	if err != nil {
		return 0, fmt.Errorf("mark price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("mark price: status %d: %s", resp.StatusCode(), resp.String())
	}

	price := parseFloat(result.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("mark price: non-positive price %q for %s", result.MarkPrice, symbol)
	}
	return price, nil
}

// GetBalance returns the available balance of one asset.
func (b *Binance) GetBalance(ctx context.Context, asset string) (float64, error) {
	if b.dryRun {
		// No credentials in dry-run; a fixed paper balance keeps sizing live.
		return 10000, nil
	}
	if err := b.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}

	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryString(b.auth.Sign(nil)).
		SetResult(&balances).
		Get("/fapi/v2/balance")
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	for _, bal := range balances {
		if bal.Asset == asset {
			return parseFloat(bal.AvailableBalance), nil
		}
	}
	return 0, fmt.Errorf("balance: asset %s not found", asset)
}

// SetLeverage sets the account leverage for a symbol.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would set leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryString(b.auth.Sign(params)).
		Post("/fapi/v1/leverage")
	if err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("set leverage: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// SetMarginType sets isolated/cross margin for a symbol. Binance answers
// -4046 when the margin type already matches; that is success here.
func (b *Binance) SetMarginType(ctx context.Context, symbol string, margin types.MarginType) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would set margin type", "symbol", symbol, "margin", margin)
		return nil
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(margin))

	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryString(b.auth.Sign(params)).
		Post("/fapi/v1/marginType")
	if err != nil {
		return fmt.Errorf("set margin type: %w", err)
	}
	if resp.StatusCode() == http.StatusOK {
		return nil
	}

	var apiErr apiError
	if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Code == -4046 {
		// "No need to change margin type."
		return nil
	}
	return fmt.Errorf("set margin type: status %d: %s", resp.StatusCode(), resp.String())
}

// orderResponse mirrors the POST /fapi/v1/order result payload.
type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
}

// PlaceMarketOrder submits a market order and reports the fill.
func (b *Binance) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, reduceOnly bool) (types.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatQty(qty))
	params.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	return b.placeOrder(ctx, params, 0)
}

// PlaceStopLoss submits a STOP_MARKET reduce-only order.
func (b *Binance) PlaceStopLoss(ctx context.Context, symbol string, side types.Side, qty, stopPrice float64) (types.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "STOP_MARKET")
	params.Set("quantity", formatQty(qty))
	params.Set("stopPrice", formatQty(stopPrice))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")
	return b.placeOrder(ctx, params, stopPrice)
}

// PlaceTakeProfit submits a TAKE_PROFIT_MARKET reduce-only order.
func (b *Binance) PlaceTakeProfit(ctx context.Context, symbol string, side types.Side, qty, stopPrice float64) (types.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "TAKE_PROFIT_MARKET")
	params.Set("quantity", formatQty(qty))
	params.Set("stopPrice", formatQty(stopPrice))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")
	return b.placeOrder(ctx, params, stopPrice)
}

// placeOrder submits one order. Exchange rejections come back as a failed
// OrderResult, not a Go error, so callers can branch on the message
// (max-quantity fallback) without string-matching wrapped errors.
func (b *Binance) placeOrder(ctx context.Context, params url.Values, refPrice float64) (types.OrderResult, error) {
	if b.dryRun {
		b.dryOrderSeq++
		b.logger.Info("DRY-RUN: would place order",
			"symbol", params.Get("symbol"),
			"type", params.Get("type"),
			"side", params.Get("side"),
			"quantity", params.Get("quantity"),
		)
		return types.OrderResult{
			Success:      true,
			OrderID:      fmt.Sprintf("dry-run-%d", b.dryOrderSeq),
			AvgFillPrice: refPrice,
			FilledQty:    parseFloat(params.Get("quantity")),
		}, nil
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	var result orderResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryString(b.auth.Sign(params)).
		SetResult(&result).
		Post("/fapi/v1/order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Msg != "" {
			return types.OrderResult{Success: false, Error: apiErr.Msg}, nil
		}
		return types.OrderResult{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return types.OrderResult{
		Success:      true,
		OrderID:      strconv.FormatInt(result.OrderID, 10),
		AvgFillPrice: parseFloat(result.AvgPrice),
		FilledQty:    parseFloat(result.ExecutedQty),
	}, nil
}

// CancelOrder cancels one order by exchange id.
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	if err := b.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryString(b.auth.Sign(params)).
		Delete("/fapi/v1/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetPositionAmounts returns signed position sizes for non-flat positions.
func (b *Binance) GetPositionAmounts(ctx context.Context) (map[string]float64, error) {
	if b.dryRun {
		return map[string]float64{}, nil
	}
	if err := b.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var positions []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryString(b.auth.Sign(nil)).
		SetResult(&positions).
		Get("/fapi/v2/positionRisk")
	if err != nil {
		return nil, fmt.Errorf("position risk: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("position risk: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make(map[string]float64)
	for _, p := range positions {
		if amt := parseFloat(p.PositionAmt); amt != 0 {
			out[p.Symbol] = amt
		}
	}
	return out, nil
}

// CreateListenKey opens a user-data stream and returns its listen key.
func (b *Binance) CreateListenKey(ctx context.Context) (string, error) {
	if err := b.rl.Market.Wait(ctx); err != nil {
		return "", err
	}

	var result struct {
		ListenKey string `json:"listenKey"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("create listen key: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the user-data stream validity (60m window).
func (b *Binance) KeepAliveListenKey(ctx context.Context) error {
	if err := b.rl.Market.Wait(ctx); err != nil {
		return err
	}
	resp, err := b.http.R().SetContext(ctx).Put("/fapi/v1/listenKey")
	if err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("keepalive listen key: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// maxQtyRe extracts the allowed quantity from rejection messages of the form
// "... maximum quantity ... 5000 ..." emitted when an order exceeds the
// symbol's cap at the current leverage.
var maxQtyRe = regexp.MustCompile(`(?i)max(?:imum)?[^0-9]*(?:quantity|qty|position)[^0-9]*([0-9]+(?:\.[0-9]+)?)`)

// MaxQuantityFromError parses the maximum allowed quantity out of an
// exchange rejection message. Returns false when the message carries none.
func MaxQuantityFromError(msg string) (float64, bool) {
	m := maxQtyRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	qty := parseFloat(m[1])
	return qty, qty > 0
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// formatQty renders a float without exponent notation or trailing zeros.
func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
