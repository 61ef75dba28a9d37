package risk

import (
	"fmt"
	"log/slog"
	"math"

	"signalbot/internal/catalog"
	"signalbot/pkg/types"
)

// SizerConfig selects the sizing mode and caps the portfolio. Limits apply
// in a fixed order: min-notional floor, absolute max, per-position equity
// percent, remaining total-exposure headroom.
type SizerConfig struct {
	Mode                    types.SizingMode
	RiskPercent             float64
	FixedAmount             float64
	FixedAmountPerSymbol    map[string]float64
	FixedMargin             float64
	FixedQuantity           float64
	MaxNotional             float64 // 0 = no cap
	MaxPositionPercent      float64 // 0 = no cap
	MaxTotalExposurePercent float64 // 0 = no cap
}

// Size is the computed order size for one validated signal.
type Size struct {
	Quantity float64 // base asset, rounded down to the step
	Notional float64 // Quantity × entry
	Margin   float64 // Notional / leverage
	Warnings []string
}

// Sizer derives order quantities from account equity and the configured mode.
type Sizer struct {
	cfg    SizerConfig
	logger *slog.Logger
}

// NewSizer creates a sizer. The config is assumed validated.
func NewSizer(cfg SizerConfig, logger *slog.Logger) *Sizer {
	return &Sizer{cfg: cfg, logger: logger.With("component", "sizer")}
}

// Compute sizes one entry.
//
//   - equity: available balance in quote currency
//   - openNotional: sum of |qty × entry| across currently open positions
//   - multiplier: cooldown size multiplier in (0, 1]
//
// Returns an error when the position cannot meet the exchange minimums or
// would exceed the total-exposure budget; those are rejections, not retries.
func (s *Sizer) Compute(sig *types.ValidatedSignal, info types.SymbolInfo, equity, openNotional, multiplier float64) (Size, error) {
	var out Size

	notional, err := s.baseNotional(sig, equity)
	if err != nil {
		return out, err
	}

	if multiplier > 0 && multiplier < 1 {
		notional *= multiplier
		out.Warnings = append(out.Warnings, fmt.Sprintf("size reduced to %.0f%% by loss cooldown", multiplier*100))
	}

	// Limits, in policy order: exchange floor, then the portfolio caps.
	if info.MinNotional > 0 && notional < info.MinNotional {
		return out, fmt.Errorf("notional %.2f below exchange minimum %.2f for %s", notional, info.MinNotional, sig.Symbol)
	}
	if s.cfg.MaxNotional > 0 && notional > s.cfg.MaxNotional {
		notional = s.cfg.MaxNotional
		out.Warnings = append(out.Warnings, fmt.Sprintf("notional capped at %.2f (max_notional)", notional))
	}
	if s.cfg.MaxPositionPercent > 0 {
		limit := equity * s.cfg.MaxPositionPercent / 100
		if notional > limit {
			notional = limit
			out.Warnings = append(out.Warnings, fmt.Sprintf("notional capped at %.2f (%.1f%% of equity)", limit, s.cfg.MaxPositionPercent))
		}
	}
	if s.cfg.MaxTotalExposurePercent > 0 {
		budget := equity*s.cfg.MaxTotalExposurePercent/100 - openNotional
		if budget <= 0 {
			return out, fmt.Errorf("total exposure budget exhausted (open %.2f, limit %.1f%% of %.2f)",
				openNotional, s.cfg.MaxTotalExposurePercent, equity)
		}
		if notional > budget {
			notional = budget
			out.Warnings = append(out.Warnings, fmt.Sprintf("notional capped at %.2f (exposure headroom)", budget))
		}
	}

	qty := catalog.RoundToStep(notional/sig.Entry, info.StepSize)
	if info.MinQty > 0 && qty < info.MinQty {
		return out, fmt.Errorf("quantity %v below exchange minimum %v for %s", qty, info.MinQty, sig.Symbol)
	}
	if qty <= 0 {
		return out, fmt.Errorf("computed quantity is zero for %s", sig.Symbol)
	}

	out.Quantity = qty
	out.Notional = qty * sig.Entry
	out.Margin = out.Notional / float64(sig.AdjustedLeverage)
	s.logger.Debug("position sized",
		"symbol", sig.Symbol, "mode", s.cfg.Mode,
		"quantity", qty, "notional", out.Notional, "margin", out.Margin)
	return out, nil
}

// baseNotional computes the pre-cap notional for the configured mode.
func (s *Sizer) baseNotional(sig *types.ValidatedSignal, equity float64) (float64, error) {
	switch s.cfg.Mode {
	case types.SizeRiskPercent:
		// Quantity is set so a stop-out loses RiskPercent of equity, then
		// expressed as notional at the entry price.
		dist := math.Abs(sig.Entry - sig.AdjustedStopLoss)
		if dist <= 0 {
			return 0, fmt.Errorf("stop distance is zero for %s", sig.Symbol)
		}
		riskAmount := equity * s.cfg.RiskPercent / 100
		return riskAmount / dist * sig.Entry, nil

	case types.SizeFixedAmount:
		if amt, ok := s.cfg.FixedAmountPerSymbol[sig.Symbol]; ok {
			return amt, nil
		}
		return s.cfg.FixedAmount, nil

	case types.SizeFixedMargin:
		return s.cfg.FixedMargin * float64(sig.AdjustedLeverage), nil

	case types.SizeFixedQuantity:
		return s.cfg.FixedQuantity * sig.Entry, nil

	default:
		return 0, fmt.Errorf("sizing mode %q is not supported", s.cfg.Mode)
	}
}
