// Package validate checks a parsed signal against risk policy and exchange
// reality before it is allowed to size and trade.
//
// The validator adjusts rather than vetoes where policy allows: leverage is
// capped, an unsafe stop-loss is replaced by one clear of the estimated
// liquidation price, and every adjustment is reported as an ordered warning
// so the notifier can show the operator exactly what changed.
package validate

import (
	"fmt"
	"log/slog"
	"math"

	"signalbot/internal/catalog"
	"signalbot/pkg/types"
)

// Config is the risk policy slice the validator consumes.
type Config struct {
	MaxLeverage          int
	UseSignalLeverage    bool               // min(published, cap) instead of always the cap
	StopLossMode         types.StopLossMode // FROM_SIGNAL or CALCULATE
	SafeDistanceFraction float64            // derived stop position between entry and liq, (0,1)
	MaintenanceBuffer    float64            // haircut on the 1/leverage liquidation distance
}

// Validator computes the adjusted, executable form of a signal.
type Validator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a validator.
func New(cfg Config, logger *slog.Logger) *Validator {
	return &Validator{cfg: cfg, logger: logger.With("component", "validator")}
}

// Validate checks a signal against the symbol's exchange info and produces
// the adjusted form. A nil result with an error means the signal is
// rejected outright; warnings on the result describe non-fatal adjustments.
func (v *Validator) Validate(sig types.Signal, info types.SymbolInfo, symbolKnown bool) (*types.ValidatedSignal, error) {
	if !symbolKnown {
		return nil, fmt.Errorf("symbol %s is not tradable on the exchange", sig.Symbol)
	}
	// The risk:reward computation below needs a first target.
	if len(sig.Targets) == 0 {
		return nil, fmt.Errorf("signal for %s has no targets", sig.Symbol)
	}
	if err := checkTargetSides(sig); err != nil {
		return nil, err
	}

	out := &types.ValidatedSignal{Signal: sig}

	// Leverage: published value capped by policy and by the symbol's own limit.
	leverage := v.cfg.MaxLeverage
	if v.cfg.UseSignalLeverage && sig.Leverage < leverage {
		leverage = sig.Leverage
	}
	if info.MaxLeverage > 0 && leverage > info.MaxLeverage {
		leverage = info.MaxLeverage
	}
	if leverage != sig.Leverage {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("leverage adjusted from %dx to %dx", sig.Leverage, leverage))
	}
	out.AdjustedLeverage = leverage

	// Estimated liquidation price. Simplified single-tier form: the full
	// distance to liquidation at leverage L is entry/L, less a maintenance
	// haircut.
	liqDistance := sig.Entry / float64(leverage) * (1 - v.cfg.MaintenanceBuffer)
	if sig.Direction == types.Long {
		out.LiquidationPrice = sig.Entry - liqDistance
	} else {
		out.LiquidationPrice = sig.Entry + liqDistance
	}

	// Stop-loss: trust the published stop only when FROM_SIGNAL is set and
	// the stop sits strictly between entry and the liquidation estimate, so
	// it triggers before the exchange does.
	stop := sig.StopLoss
	if v.cfg.StopLossMode == types.StopFromSignal && stopIsSafe(sig.Direction, sig.Entry, stop, out.LiquidationPrice) {
		out.AdjustedStopLoss = stop
	} else {
		safeStop := v.safeStop(sig.Direction, sig.Entry, out.LiquidationPrice)
		safeStop = catalog.RoundToTick(safeStop, info.TickSize)
		if v.cfg.StopLossMode == types.StopFromSignal {
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"published stop %s is unsafe vs liquidation %s, using %s",
				trimFloat(stop), trimFloat(out.LiquidationPrice), trimFloat(safeStop)))
		}
		out.AdjustedStopLoss = safeStop
	}

	// Risk:reward to the first target.
	risk := math.Abs(sig.Entry - out.AdjustedStopLoss)
	reward := math.Abs(sig.Targets[0] - sig.Entry)
	if risk > 0 {
		out.RiskReward = reward / risk
	}
	if out.RiskReward < 1.0 {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("risk:reward to first target is %.2f (< 1.0)", out.RiskReward))
	}

	v.logger.Debug("signal validated",
		"symbol", sig.Symbol,
		"leverage", out.AdjustedLeverage,
		"stop", out.AdjustedStopLoss,
		"liquidation", out.LiquidationPrice,
		"rr", out.RiskReward,
		"warnings", len(out.Warnings),
	)
	return out, nil
}

// checkTargetSides enforces that every target is on the profit side of the
// entry: strictly above for longs, strictly below for shorts.
func checkTargetSides(sig types.Signal) error {
	for i, t := range sig.Targets {
		if sig.Direction == types.Long && t <= sig.Entry {
			return fmt.Errorf("long target %d (%s) is not above entry %s", i+1, trimFloat(t), trimFloat(sig.Entry))
		}
		if sig.Direction == types.Short && t >= sig.Entry {
			return fmt.Errorf("short target %d (%s) is not below entry %s", i+1, trimFloat(t), trimFloat(sig.Entry))
		}
	}
	return nil
}

// stopIsSafe reports whether the stop lies strictly between entry and the
// liquidation price, on the loss side of entry.
func stopIsSafe(dir types.Direction, entry, stop, liq float64) bool {
	if dir == types.Long {
		return stop < entry && stop > liq
	}
	return stop > entry && stop < liq
}

// safeStop derives a stop at SafeDistanceFraction of the way from entry to
// liquidation.
func (v *Validator) safeStop(dir types.Direction, entry, liq float64) float64 {
	dist := v.cfg.SafeDistanceFraction * math.Abs(entry-liq)
	if dir == types.Long {
		return entry - dist
	}
	return entry + dist
}

func trimFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
