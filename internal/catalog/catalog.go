// Package catalog caches the set of exchange-supported symbols together
// with per-symbol precision and limits.
//
// The cache is loaded once at startup and refreshed periodically. If the
// startup load fails the catalog degrades to a pass-through: symbol
// existence is then verified against the exchange on first use (a mark
// price probe), so a dead exchange-info endpoint never silently accepts
// untradable symbols at trade time.
package catalog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalbot/pkg/types"
)

// symbolSource is the slice of the exchange client the catalog consumes.
type symbolSource interface {
	GetAllSymbols(ctx context.Context) ([]types.SymbolInfo, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// Catalog is the symbol cache. All methods are safe for concurrent use.
type Catalog struct {
	src    symbolSource
	logger *slog.Logger

	mu       sync.RWMutex
	symbols  map[string]types.SymbolInfo
	degraded bool // startup load failed; verify per-symbol on demand
}

// New creates an unloaded catalog.
func New(src symbolSource, logger *slog.Logger) *Catalog {
	return &Catalog{
		src:     src,
		logger:  logger.With("component", "catalog"),
		symbols: make(map[string]types.SymbolInfo),
	}
}

// Load fetches exchange info and replaces the cache. On failure the catalog
// enters degraded pass-through mode rather than blocking startup.
func (c *Catalog) Load(ctx context.Context) error {
	infos, err := c.src.GetAllSymbols(ctx)
	if err != nil {
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		c.logger.Warn("symbol cache load failed, degrading to per-symbol verification", "error", err)
		return err
	}

	next := make(map[string]types.SymbolInfo, len(infos))
	for _, info := range infos {
		next[info.Symbol] = info
	}

	c.mu.Lock()
	c.symbols = next
	c.degraded = false
	c.mu.Unlock()

	c.logger.Info("symbol cache loaded", "symbols", len(next))
	return nil
}

// Run refreshes the cache on the given interval until ctx is cancelled.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Load(ctx); err != nil {
				c.logger.Warn("symbol cache refresh failed", "error", err)
			}
		}
	}
}

// Contains reports whether the symbol is tradable. In degraded mode it
// probes the exchange directly and caches a positive answer.
func (c *Catalog) Contains(ctx context.Context, symbol string) bool {
	c.mu.RLock()
	_, ok := c.symbols[symbol]
	degraded := c.degraded
	c.mu.RUnlock()
	if ok {
		return true
	}
	if !degraded {
		return false
	}

	if _, err := c.src.GetMarkPrice(ctx, symbol); err != nil {
		c.logger.Debug("symbol verification failed", "symbol", symbol, "error", err)
		return false
	}

	c.mu.Lock()
	c.symbols[symbol] = fallbackInfo(symbol)
	c.mu.Unlock()
	return true
}

// Info returns precision and limits for a symbol. The second return is
// false for unknown symbols.
func (c *Catalog) Info(symbol string) (types.SymbolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.symbols[symbol]
	return info, ok
}

// Normalize rewrites a signal's BASE+signalSuffix symbol into the account's
// BASE+executionSuffix form. Symbols without the signal suffix (or with an
// empty base) pass through unchanged.
func Normalize(symbol, signalSuffix, executionSuffix string) string {
	symbol = strings.ToUpper(symbol)
	if signalSuffix == executionSuffix {
		return symbol
	}
	base, found := strings.CutSuffix(symbol, strings.ToUpper(signalSuffix))
	if !found || base == "" {
		return symbol
	}
	return base + strings.ToUpper(executionSuffix)
}

// RoundToStep rounds a quantity DOWN to the symbol's step size. Uses exact
// decimal arithmetic: float division by steps like 0.001 otherwise produces
// quantities the exchange rejects.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	rounded, _ := q.Div(s).Floor().Mul(s).Float64()
	return rounded
}

// RoundToTick rounds a price to the nearest valid tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded, _ := p.Div(t).Round(0).Mul(t).Float64()
	return rounded
}

// fallbackInfo is used for symbols admitted via degraded-mode verification,
// where exchange info was unavailable. Conservative defaults: the exchange
// itself still enforces the real filters on order placement.
func fallbackInfo(symbol string) types.SymbolInfo {
	return types.SymbolInfo{
		Symbol:      symbol,
		TickSize:    0,
		StepSize:    0,
		MinQty:      0,
		MinNotional: 0,
		MaxLeverage: 20,
	}
}
