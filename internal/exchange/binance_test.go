package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"signalbot/pkg/types"
)

func newDryRunBinance() *Binance {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Binance{
		dryRun: true,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

func TestDryRunPlaceMarketOrder(t *testing.T) {
	t.Parallel()
	b := newDryRunBinance()

	res, err := b.PlaceMarketOrder(context.Background(), "BTCUSDT", types.BUY, 0.5, false)
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.OrderID == "" {
		t.Error("OrderID is empty")
	}
	if res.FilledQty != 0.5 {
		t.Errorf("FilledQty = %v, want 0.5", res.FilledQty)
	}
}

func TestDryRunOrderIDsUnique(t *testing.T) {
	t.Parallel()
	b := newDryRunBinance()

	r1, _ := b.PlaceStopLoss(context.Background(), "BTCUSDT", types.SELL, 0.5, 95)
	r2, _ := b.PlaceTakeProfit(context.Background(), "BTCUSDT", types.SELL, 0.25, 110)

	if r1.OrderID == r2.OrderID {
		t.Errorf("expected unique dry-run order ids, both %q", r1.OrderID)
	}
}

func TestDryRunStopLossCarriesStopPrice(t *testing.T) {
	t.Parallel()
	b := newDryRunBinance()

	res, err := b.PlaceStopLoss(context.Background(), "ETHUSDT", types.SELL, 1, 1850.5)
	if err != nil {
		t.Fatalf("PlaceStopLoss: %v", err)
	}
	if res.AvgFillPrice != 1850.5 {
		t.Errorf("AvgFillPrice = %v, want 1850.5", res.AvgFillPrice)
	}
}

func TestDryRunBalance(t *testing.T) {
	t.Parallel()
	b := newDryRunBinance()

	bal, err := b.GetBalance(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal <= 0 {
		t.Errorf("dry-run balance = %v, want > 0", bal)
	}
}

func TestMaxQuantityFromError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg     string
		wantQty float64
		wantOK  bool
	}{
		{"Maximum quantity at current leverage is 5000", 5000, true},
		{"max qty: 120.5", 120.5, true},
		{"Exceeded the maximum allowable position at current leverage: 250", 250, true},
		{"Order would immediately trigger.", 0, false},
		{"Margin is insufficient.", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		qty, ok := MaxQuantityFromError(tt.msg)
		if ok != tt.wantOK || qty != tt.wantQty {
			t.Errorf("MaxQuantityFromError(%q) = (%v, %v), want (%v, %v)",
				tt.msg, qty, ok, tt.wantQty, tt.wantOK)
		}
	}
}

func TestFormatQty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want string
	}{
		{20, "20"},
		{0.001, "0.001"},
		{1850.5, "1850.5"},
		{0.00000001, "0.00000001"}, // no exponent notation
	}
	for _, tt := range tests {
		if got := formatQty(tt.in); got != tt.want {
			t.Errorf("formatQty(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
