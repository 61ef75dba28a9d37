package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"signalbot/pkg/types"
)

type fakeSource struct {
	symbols   []types.SymbolInfo
	loadErr   error
	markErr   error
	markCalls int
}

func (f *fakeSource) GetAllSymbols(ctx context.Context) ([]types.SymbolInfo, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.symbols, nil
}

func (f *fakeSource) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	f.markCalls++
	if f.markErr != nil {
		return 0, f.markErr
	}
	return 100, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadAndLookup(t *testing.T) {
	t.Parallel()
	src := &fakeSource{symbols: []types.SymbolInfo{
		{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MinNotional: 5},
		{Symbol: "ETHUSDT", TickSize: 0.01, StepSize: 0.01},
	}}
	c := New(src, testLogger())

	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !c.Contains(context.Background(), "BTCUSDT") {
		t.Error("Contains(BTCUSDT) = false after load")
	}
	if c.Contains(context.Background(), "NOPEUSDT") {
		t.Error("Contains(NOPEUSDT) = true for unknown symbol")
	}
	info, ok := c.Info("BTCUSDT")
	if !ok {
		t.Fatal("Info(BTCUSDT) not found")
	}
	if info.StepSize != 0.001 {
		t.Errorf("StepSize = %v, want 0.001", info.StepSize)
	}
	if src.markCalls != 0 {
		t.Errorf("mark price probed %d times in healthy mode, want 0", src.markCalls)
	}
}

func TestDegradedModeVerifiesOnDemand(t *testing.T) {
	t.Parallel()
	src := &fakeSource{loadErr: errors.New("exchange down")}
	c := New(src, testLogger())

	if err := c.Load(context.Background()); err == nil {
		t.Fatal("Load succeeded with failing source")
	}

	// Degraded: existence comes from a live probe, not silent acceptance.
	if !c.Contains(context.Background(), "BTCUSDT") {
		t.Error("Contains = false with successful probe")
	}
	if src.markCalls != 1 {
		t.Errorf("markCalls = %d, want 1", src.markCalls)
	}

	// Positive answers are cached; no second probe.
	c.Contains(context.Background(), "BTCUSDT")
	if src.markCalls != 1 {
		t.Errorf("markCalls after repeat = %d, want 1 (cached)", src.markCalls)
	}
}

func TestDegradedModeRejectsUnknown(t *testing.T) {
	t.Parallel()
	src := &fakeSource{loadErr: errors.New("exchange down"), markErr: errors.New("invalid symbol")}
	c := New(src, testLogger())

	_ = c.Load(context.Background())
	if c.Contains(context.Background(), "FAKEUSDT") {
		t.Error("degraded catalog accepted a symbol the exchange rejects")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		symbol, signal, exec, want string
	}{
		{"BTCUSDT", "USDT", "USDC", "BTCUSDC"},
		{"btcusdt", "USDT", "USDC", "BTCUSDC"}, // case-normalized
		{"BTCUSDT", "USDT", "USDT", "BTCUSDT"}, // suffixes equal: untouched
		{"BTCBUSD", "USDT", "USDC", "BTCBUSD"}, // no signal suffix: untouched
		{"USDT", "USDT", "USDC", "USDT"},       // empty base: untouched
	}
	for _, tt := range tests {
		if got := Normalize(tt.symbol, tt.signal, tt.exec); got != tt.want {
			t.Errorf("Normalize(%q, %q, %q) = %q, want %q",
				tt.symbol, tt.signal, tt.exec, got, tt.want)
		}
	}
}

func TestRoundToStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		qty, step, want float64
	}{
		{20.0049, 0.001, 20.004}, // rounds down, never up
		{0.0009, 0.001, 0},
		{1.23456789, 0.0001, 1.2345},
		{100, 1, 100},
		{5.5, 0, 5.5}, // zero step: pass-through
	}
	for _, tt := range tests {
		if got := RoundToStep(tt.qty, tt.step); got != tt.want {
			t.Errorf("RoundToStep(%v, %v) = %v, want %v", tt.qty, tt.step, got, tt.want)
		}
	}
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price, tick, want float64
	}{
		{100.26, 0.1, 100.3},
		{100.24, 0.1, 100.2},
		{1850.505, 0.01, 1850.51},
		{42, 0, 42},
	}
	for _, tt := range tests {
		if got := RoundToTick(tt.price, tt.tick); got != tt.want {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
		}
	}
}
