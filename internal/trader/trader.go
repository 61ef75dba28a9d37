// Package trader executes one validated signal end to end: deviation check,
// sizing, leverage and margin setup, market entry, protective stop, and
// take-profit ladder.
//
// The one hard safety rule lives here: a position never stays open without a
// protective stop. If stop placement fails after retries, the trader flattens
// the position with a compensating market order and closes the record with
// reason ERROR.
package trader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"signalbot/internal/catalog"
	"signalbot/internal/exchange"
	"signalbot/internal/risk"
	"signalbot/internal/store"
	"signalbot/pkg/types"
)

// Config is the trader's slice of the entry policy.
type Config struct {
	MaxDeviationPercent float64               // 0 disables the deviation check
	DeviationAction     types.DeviationAction //
	TargetFractions     []float64             // share per target, resolved against the target count
	BreakevenMigration  bool                  // set MoveStopLossTo on targets
	MarginType          types.MarginType      //
	RetryAttempts       int                   //
	RetryBackoff        time.Duration         // linear: attempt n waits n × backoff
}

// Trader opens positions. It owns the Pending → Open (or Failed/Cancelled)
// part of the lifecycle; everything after the entry is the manager's job.
type Trader struct {
	cfg    Config
	ex     exchange.Client
	sizer  *risk.Sizer
	store  *store.PositionStore
	logger *slog.Logger
}

// New wires a trader.
func New(cfg Config, ex exchange.Client, sizer *risk.Sizer, st *store.PositionStore, logger *slog.Logger) *Trader {
	return &Trader{
		cfg:    cfg,
		ex:     ex,
		sizer:  sizer,
		store:  st,
		logger: logger.With("component", "trader"),
	}
}

// Execute runs the opening sequence for one validated signal. Gates
// (mode, cooldown, duplicates, concurrency limit) are the runner's
// responsibility and assumed already passed.
//
// The returned position reflects the final persisted state; err is non-nil
// only when the sequence aborted (Cancelled positions return a nil error —
// a policy skip is not a fault).
func (t *Trader) Execute(ctx context.Context, sig *types.ValidatedSignal, info types.SymbolInfo, equity, openNotional, multiplier float64) (*types.Position, error) {
	pos := t.newPosition(sig)
	if err := t.store.Save(pos); err != nil {
		return nil, fmt.Errorf("persist pending position: %w", err)
	}

	// Step 1: deviation policy against the live mark.
	adjustTargets, err := t.applyDeviationPolicy(ctx, sig, pos)
	if err != nil {
		return pos, err
	}
	if pos.Status == types.StatusCancelled {
		return pos, nil
	}

	// Step 2: size. A rejection here cancels, it does not fail.
	size, err := t.sizer.Compute(sig, info, equity, openNotional, multiplier)
	if err != nil {
		t.logger.Info("entry cancelled by sizer", "symbol", sig.Symbol, "reason", err)
		return pos, t.cancel(pos)
	}

	// Step 3: leverage and margin. Both idempotent; log and continue.
	if err := t.ex.SetMarginType(ctx, sig.Symbol, t.cfg.MarginType); err != nil {
		t.logger.Warn("set margin type failed", "symbol", sig.Symbol, "error", err)
	}
	if err := t.ex.SetLeverage(ctx, sig.Symbol, sig.AdjustedLeverage); err != nil {
		t.logger.Warn("set leverage failed", "symbol", sig.Symbol, "error", err)
	}

	// Step 4: market entry.
	pos.Status = types.StatusOpening
	if err := t.store.Save(pos); err != nil {
		return pos, fmt.Errorf("persist opening position: %w", err)
	}
	res, err := t.placeEntry(ctx, sig, info, size.Quantity)
	if err != nil {
		pos.Status = types.StatusFailed
		pos.CloseReason = types.CloseError
		if serr := t.store.Save(pos); serr != nil {
			t.logger.Error("persist failed position", "id", pos.ID, "error", serr)
		}
		return pos, err
	}

	pos.EntryOrderID = res.OrderID
	pos.ActualEntry = res.AvgFillPrice
	if pos.ActualEntry <= 0 {
		pos.ActualEntry = sig.Entry
	}
	pos.InitialQuantity = res.FilledQty
	if pos.InitialQuantity <= 0 {
		pos.InitialQuantity = size.Quantity
	}
	pos.RemainingQuantity = pos.InitialQuantity
	pos.Status = types.StatusOpen
	pos.OpenedAt = time.Now().UTC()

	t.buildTargets(pos, sig, info, adjustTargets)
	if err := t.store.Save(pos); err != nil {
		return pos, fmt.Errorf("persist open position: %w", err)
	}

	// Step 5: protective stop. Non-negotiable.
	if err := t.placeStop(ctx, pos, info); err != nil {
		return pos, err
	}

	// Step 6: take-profit ladder. Individual failures leave a "" id and a
	// log line; the stop already protects the position.
	t.placeTakeProfits(ctx, pos)

	if err := t.store.Save(pos); err != nil {
		return pos, fmt.Errorf("persist protected position: %w", err)
	}
	t.logger.Info("position opened",
		"id", pos.ID, "symbol", pos.Symbol, "direction", pos.Direction,
		"entry", pos.ActualEntry, "qty", pos.InitialQuantity,
		"stop", pos.StopLoss, "targets", len(pos.Targets))
	return pos, nil
}

// newPosition creates the Pending record with a zero-quantity target skeleton.
func (t *Trader) newPosition(sig *types.ValidatedSignal) *types.Position {
	pos := &types.Position{
		ID:           uuid.NewString(),
		SignalID:     sig.ID,
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		Status:       types.StatusPending,
		PlannedEntry: sig.Entry,
		StopLoss:     sig.AdjustedStopLoss,
		Leverage:     sig.AdjustedLeverage,
		CreatedAt:    time.Now().UTC(),
	}
	fractions := resolveFractions(t.cfg.TargetFractions, len(sig.Targets))
	for i, price := range sig.Targets {
		pos.Targets = append(pos.Targets, types.Target{Index: i, Price: price, Fraction: fractions[i]})
	}
	return pos
}

// applyDeviationPolicy compares the live mark price against the planned
// entry. Returns whether targets should be shifted by the fill drift.
func (t *Trader) applyDeviationPolicy(ctx context.Context, sig *types.ValidatedSignal, pos *types.Position) (bool, error) {
	if t.cfg.MaxDeviationPercent <= 0 {
		return false, nil
	}

	var mark float64
	err := t.withRetry(ctx, "get mark price", func() error {
		var e error
		mark, e = t.ex.GetMarkPrice(ctx, sig.Symbol)
		return e
	})
	if err != nil {
		pos.Status = types.StatusFailed
		pos.CloseReason = types.CloseError
		if serr := t.store.Save(pos); serr != nil {
			t.logger.Error("persist failed position", "id", pos.ID, "error", serr)
		}
		return false, err
	}

	deviation := math.Abs(mark-sig.Entry) / sig.Entry * 100
	if deviation <= t.cfg.MaxDeviationPercent {
		return false, nil
	}

	t.logger.Warn("entry price deviation",
		"symbol", sig.Symbol, "planned", sig.Entry, "mark", mark,
		"deviation_pct", deviation, "action", t.cfg.DeviationAction)

	switch t.cfg.DeviationAction {
	case types.DeviationEnterAtMarket:
		return false, nil
	case types.DeviationAdjustTargets:
		return true, nil
	default:
		// SKIP, and LIMIT_AT_ENTRY which cancels rather than silently
		// entering at market.
		return false, t.cancel(pos)
	}
}

// placeEntry submits the market entry. Transport failures are retried; a
// rejection naming a maximum allowed quantity gets exactly one attempt at
// that quantity, outside the retry budget, so the fallback fires even with
// a single configured attempt. Other rejections are terminal.
func (t *Trader) placeEntry(ctx context.Context, sig *types.ValidatedSignal, info types.SymbolInfo, qty float64) (types.OrderResult, error) {
	res, err := t.submitEntry(ctx, sig, qty)
	if err != nil || res.Success {
		return res, err
	}

	if maxQty, ok := exchange.MaxQuantityFromError(res.Error); ok && maxQty < qty {
		reduced := catalog.RoundToStep(maxQty, info.StepSize)
		t.logger.Warn("entry reduced to exchange maximum", "symbol", sig.Symbol, "qty", reduced)
		res, err = t.submitEntry(ctx, sig, reduced)
		if err != nil || res.Success {
			return res, err
		}
	}
	return res, fmt.Errorf("entry rejected: %s", res.Error)
}

// submitEntry is one logical entry placement with transport retries.
func (t *Trader) submitEntry(ctx context.Context, sig *types.ValidatedSignal, qty float64) (types.OrderResult, error) {
	var res types.OrderResult
	err := t.withRetry(ctx, "place entry order", func() error {
		var e error
		res, e = t.ex.PlaceMarketOrder(ctx, sig.Symbol, sig.Direction.EntrySide(), qty, false)
		return e
	})
	return res, err
}

// buildTargets finalizes the ladder against the actual fill: drift shift
// when the deviation policy asked for it, quantities from the fractions,
// and the stop-migration prices.
func (t *Trader) buildTargets(pos *types.Position, sig *types.ValidatedSignal, info types.SymbolInfo, adjustTargets bool) {
	drift := 0.0
	if adjustTargets {
		drift = pos.ActualEntry - pos.PlannedEntry
	}

	allocated := 0.0
	for i := range pos.Targets {
		tg := &pos.Targets[i]
		if drift != 0 {
			tg.Price = catalog.RoundToTick(tg.Price+drift, info.TickSize)
		}
		if i == len(pos.Targets)-1 && fractionsSumToOne(pos.Targets) {
			// Last target sweeps the rounding remainder so the ladder
			// closes the whole position.
			tg.Quantity = catalog.RoundToStep(pos.InitialQuantity-allocated, info.StepSize)
		} else {
			tg.Quantity = catalog.RoundToStep(tg.Fraction*pos.InitialQuantity, info.StepSize)
		}
		allocated += tg.Quantity

		if t.cfg.BreakevenMigration {
			if i == 0 {
				tg.MoveStopLossTo = pos.ActualEntry
			} else {
				tg.MoveStopLossTo = pos.Targets[i-1].Price
			}
		}
	}
}

// placeStop places the protective stop; on exhaustion it flattens the
// position and closes the record with reason ERROR.
func (t *Trader) placeStop(ctx context.Context, pos *types.Position, info types.SymbolInfo) error {
	stopPrice := catalog.RoundToTick(pos.StopLoss, info.TickSize)

	var res types.OrderResult
	err := t.withRetry(ctx, "place stop loss", func() error {
		var e error
		res, e = t.ex.PlaceStopLoss(ctx, pos.Symbol, pos.Direction.ExitSide(), pos.RemainingQuantity, stopPrice)
		if e != nil {
			return e
		}
		if !res.Success {
			return fmt.Errorf("stop rejected: %s", res.Error)
		}
		return nil
	})
	if err == nil {
		pos.StopLossOrderID = res.OrderID
		pos.StopLoss = stopPrice
		return nil
	}

	t.logger.Error("stop placement failed, flattening position", "id", pos.ID, "symbol", pos.Symbol, "error", err)
	closeRes, closeErr := t.ex.PlaceMarketOrder(ctx, pos.Symbol, pos.Direction.ExitSide(), pos.RemainingQuantity, true)
	if closeErr != nil || !closeRes.Success {
		// Worst case: naked position we could not flatten. Surface loudly;
		// reconciliation and the operator take it from here.
		t.logger.Error("compensating close failed",
			"id", pos.ID, "symbol", pos.Symbol, "error", closeErr, "rejection", closeRes.Error)
	} else if closeRes.AvgFillPrice > 0 {
		pos.RealizedPnL = pnl(pos.Direction, pos.ActualEntry, closeRes.AvgFillPrice, pos.RemainingQuantity)
	}

	pos.Status = types.StatusClosed
	pos.CloseReason = types.CloseError
	pos.RemainingQuantity = 0
	pos.ClosedAt = time.Now().UTC()
	if serr := t.store.Save(pos); serr != nil {
		t.logger.Error("persist error-closed position", "id", pos.ID, "error", serr)
	}
	return fmt.Errorf("position %s flattened after stop failure: %w", pos.ID, err)
}

// placeTakeProfits submits one reduce-only TP per target with quantity > 0.
func (t *Trader) placeTakeProfits(ctx context.Context, pos *types.Position) {
	pos.TakeProfitOrderIDs = make([]string, len(pos.Targets))
	for i := range pos.Targets {
		tg := pos.Targets[i]
		if tg.Quantity <= 0 {
			continue
		}
		res, err := t.ex.PlaceTakeProfit(ctx, pos.Symbol, pos.Direction.ExitSide(), tg.Quantity, tg.Price)
		if err != nil || !res.Success {
			t.logger.Warn("take profit placement failed",
				"id", pos.ID, "symbol", pos.Symbol, "target", i, "error", err, "rejection", res.Error)
			continue
		}
		pos.TakeProfitOrderIDs[i] = res.OrderID
	}
}

// cancel marks the position abandoned before any exposure.
func (t *Trader) cancel(pos *types.Position) error {
	pos.Status = types.StatusCancelled
	if err := t.store.Save(pos); err != nil {
		return fmt.Errorf("persist cancelled position: %w", err)
	}
	return nil
}

// withRetry runs fn up to RetryAttempts times with linear backoff.
func (t *Trader) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := t.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		t.logger.Warn("retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * t.cfg.RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// resolveFractions maps the configured shares onto n targets: truncate when
// too many, spread the unassigned remainder when too few, equal split when
// none are configured.
func resolveFractions(configured []float64, n int) []float64 {
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	if len(configured) >= n {
		copy(out, configured[:n])
		return out
	}

	sum := 0.0
	for i, f := range configured {
		out[i] = f
		sum += f
	}
	rest := n - len(configured)
	share := (1 - sum) / float64(rest)
	if share < 0 {
		share = 0
	}
	for i := len(configured); i < n; i++ {
		out[i] = share
	}
	return out
}

func fractionsSumToOne(targets []types.Target) bool {
	sum := 0.0
	for _, tg := range targets {
		sum += tg.Fraction
	}
	return math.Abs(sum-1) < 1e-9
}

// pnl is the directional realized PnL for a closed slice.
func pnl(d types.Direction, entry, exit, qty float64) float64 {
	if d == types.Long {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}
