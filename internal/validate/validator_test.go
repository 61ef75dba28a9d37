package validate

import (
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"

	"signalbot/pkg/types"
)

func testValidator(cfg Config) *Validator {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, logger)
}

func defaultConfig() Config {
	return Config{
		MaxLeverage:          20,
		UseSignalLeverage:    true,
		StopLossMode:         types.StopFromSignal,
		SafeDistanceFraction: 0.4,
		MaintenanceBuffer:    0.02,
	}
}

func longSignal() types.Signal {
	return types.Signal{
		Symbol:    "BTCUSDT",
		Direction: types.Long,
		Entry:     100,
		StopLoss:  95,
		Targets:   []float64{101, 102, 103, 104},
		Leverage:  10,
	}
}

func btcInfo() types.SymbolInfo {
	return types.SymbolInfo{Symbol: "BTCUSDT", TickSize: 0.01, StepSize: 0.001, MaxLeverage: 125}
}

func TestValidateHappyPath(t *testing.T) {
	t.Parallel()
	v := testValidator(defaultConfig())

	out, err := v.Validate(longSignal(), btcInfo(), true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.AdjustedLeverage != 10 {
		t.Errorf("AdjustedLeverage = %d, want 10 (signal leverage under cap)", out.AdjustedLeverage)
	}
	// liq = 100 - 100/10 × 0.98 = 90.2; published stop 95 is between entry and liq
	if math.Abs(out.LiquidationPrice-90.2) > 1e-9 {
		t.Errorf("LiquidationPrice = %v, want 90.2", out.LiquidationPrice)
	}
	if out.AdjustedStopLoss != 95 {
		t.Errorf("AdjustedStopLoss = %v, want published 95", out.AdjustedStopLoss)
	}
	// rr = |101-100| / |100-95| = 0.2 → warning expected
	if math.Abs(out.RiskReward-0.2) > 1e-9 {
		t.Errorf("RiskReward = %v, want 0.2", out.RiskReward)
	}
	if !hasWarning(out.Warnings, "risk:reward") {
		t.Errorf("expected low risk:reward warning, got %v", out.Warnings)
	}
}

func TestValidateUnknownSymbol(t *testing.T) {
	t.Parallel()
	v := testValidator(defaultConfig())

	if _, err := v.Validate(longSignal(), types.SymbolInfo{}, false); err == nil {
		t.Error("Validate accepted unknown symbol")
	}
}

func TestValidateLeverageCapped(t *testing.T) {
	t.Parallel()
	v := testValidator(defaultConfig())

	sig := longSignal()
	sig.Leverage = 50 // over the 20x policy cap
	out, err := v.Validate(sig, btcInfo(), true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.AdjustedLeverage != 20 {
		t.Errorf("AdjustedLeverage = %d, want 20", out.AdjustedLeverage)
	}
	if !hasWarning(out.Warnings, "leverage adjusted") {
		t.Errorf("expected leverage warning, got %v", out.Warnings)
	}
}

func TestValidateIgnoreSignalLeverage(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.UseSignalLeverage = false
	v := testValidator(cfg)

	sig := longSignal()
	sig.Leverage = 5
	out, err := v.Validate(sig, btcInfo(), true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.AdjustedLeverage != 20 {
		t.Errorf("AdjustedLeverage = %d, want the 20x cap", out.AdjustedLeverage)
	}
}

func TestValidateUnsafeStopReplaced(t *testing.T) {
	t.Parallel()
	v := testValidator(defaultConfig())

	sig := longSignal()
	sig.StopLoss = 85 // beyond liq 90.2: would never trigger before liquidation
	out, err := v.Validate(sig, btcInfo(), true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// safeStop = 100 - 0.4 × (100 - 90.2) = 96.08
	if math.Abs(out.AdjustedStopLoss-96.08) > 1e-9 {
		t.Errorf("AdjustedStopLoss = %v, want 96.08", out.AdjustedStopLoss)
	}
	if !hasWarning(out.Warnings, "unsafe") {
		t.Errorf("expected stop substitution warning, got %v", out.Warnings)
	}
	// The adjusted stop must trigger before the liquidation estimate.
	if out.AdjustedStopLoss <= out.LiquidationPrice {
		t.Errorf("adjusted stop %v is not above liquidation %v", out.AdjustedStopLoss, out.LiquidationPrice)
	}
}

func TestValidateCalculateModeIgnoresPublishedStop(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.StopLossMode = types.StopCalculate
	v := testValidator(cfg)

	out, err := v.Validate(longSignal(), btcInfo(), true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.AdjustedStopLoss == 95 {
		t.Error("CALCULATE mode kept the published stop")
	}
	if math.Abs(out.AdjustedStopLoss-96.08) > 1e-9 {
		t.Errorf("AdjustedStopLoss = %v, want 96.08", out.AdjustedStopLoss)
	}
}

func TestValidateShort(t *testing.T) {
	t.Parallel()
	v := testValidator(defaultConfig())

	sig := types.Signal{
		Symbol:    "ETHUSDT",
		Direction: types.Short,
		Entry:     50,
		StopLoss:  52,
		Targets:   []float64{49, 48, 47, 46},
		Leverage:  5,
	}
	info := types.SymbolInfo{Symbol: "ETHUSDT", TickSize: 0.01, MaxLeverage: 125}

	out, err := v.Validate(sig, info, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// liq = 50 + 50/5 × 0.98 = 59.8; stop 52 is between entry and liq
	if math.Abs(out.LiquidationPrice-59.8) > 1e-9 {
		t.Errorf("LiquidationPrice = %v, want 59.8", out.LiquidationPrice)
	}
	if out.AdjustedStopLoss != 52 {
		t.Errorf("AdjustedStopLoss = %v, want published 52", out.AdjustedStopLoss)
	}
	// rr = |49-50| / |50-52| = 0.5
	if math.Abs(out.RiskReward-0.5) > 1e-9 {
		t.Errorf("RiskReward = %v, want 0.5", out.RiskReward)
	}
}

func TestValidateRejectsTargetsOnWrongSide(t *testing.T) {
	t.Parallel()
	v := testValidator(defaultConfig())

	sig := longSignal()
	sig.Targets = []float64{99} // below entry for a long
	if _, err := v.Validate(sig, btcInfo(), true); err == nil {
		t.Error("accepted long with target below entry")
	}

	short := types.Signal{
		Symbol: "BTCUSDT", Direction: types.Short,
		Entry: 100, StopLoss: 105, Targets: []float64{101}, Leverage: 5,
	}
	if _, err := v.Validate(short, btcInfo(), true); err == nil {
		t.Error("accepted short with target above entry")
	}
}

func TestValidateRejectsEmptyTargets(t *testing.T) {
	t.Parallel()
	v := testValidator(defaultConfig())

	sig := longSignal()
	sig.Targets = nil
	if _, err := v.Validate(sig, btcInfo(), true); err == nil {
		t.Error("accepted a signal without targets")
	}
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
