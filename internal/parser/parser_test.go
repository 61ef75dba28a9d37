package parser

import (
	"log/slog"
	"os"
	"testing"

	"signalbot/pkg/types"
)

func testRegistry() *Registry {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r := NewRegistry("USDT", logger)
	r.Register(StandardParser{})
	r.Register(CompactParser{})
	return r
}

const standardLong = `🔥 VIP SIGNAL 🔥
#BTC/USDT LONG
Entry: 42,000
Stop Loss: 40,000
Targets: 43000, 44000, 45000
Leverage: 10x`

func TestParseStandardLong(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	sig, ok := r.Parse(standardLong, "chan-1")
	if !ok {
		t.Fatal("Parse returned not-a-signal for a valid message")
	}
	if sig.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", sig.Symbol)
	}
	if sig.Direction != types.Long {
		t.Errorf("Direction = %q, want LONG", sig.Direction)
	}
	if sig.Entry != 42000 {
		t.Errorf("Entry = %v, want 42000", sig.Entry)
	}
	if sig.StopLoss != 40000 {
		t.Errorf("StopLoss = %v, want 40000", sig.StopLoss)
	}
	if len(sig.Targets) != 3 || sig.Targets[0] != 43000 || sig.Targets[2] != 45000 {
		t.Errorf("Targets = %v, want [43000 44000 45000]", sig.Targets)
	}
	if sig.Leverage != 10 {
		t.Errorf("Leverage = %v, want 10", sig.Leverage)
	}
	if sig.ID == "" {
		t.Error("signal ID not assigned")
	}
	if sig.ChannelID != "chan-1" {
		t.Errorf("ChannelID = %q, want chan-1", sig.ChannelID)
	}
}

func TestParseStandardShortWithDashedTargets(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	msg := `ETH/USDT SHORT
Entry: 1850
SL: 1900
Targets: 1,820 - 1,790 - 1,760
Leverage: 5`

	sig, ok := r.Parse(msg, "chan-1")
	if !ok {
		t.Fatal("Parse returned not-a-signal")
	}
	if sig.Direction != types.Short {
		t.Errorf("Direction = %q, want SHORT", sig.Direction)
	}
	want := []float64{1820, 1790, 1760}
	if len(sig.Targets) != 3 {
		t.Fatalf("Targets = %v, want %v", sig.Targets, want)
	}
	for i := range want {
		if sig.Targets[i] != want[i] {
			t.Errorf("Targets[%d] = %v, want %v", i, sig.Targets[i], want[i])
		}
	}
}

func TestParseCompact(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	sig, ok := r.Parse("long sol e=150.5 sl=140 tp=155,160,170 lev=20", "chan-2")
	if !ok {
		t.Fatal("Parse returned not-a-signal")
	}
	if sig.Symbol != "SOLUSDT" {
		t.Errorf("Symbol = %q, want SOLUSDT", sig.Symbol)
	}
	if sig.Entry != 150.5 {
		t.Errorf("Entry = %v, want 150.5", sig.Entry)
	}
	if len(sig.Targets) != 3 || sig.Targets[1] != 160 {
		t.Errorf("Targets = %v, want [155 160 170]", sig.Targets)
	}
}

func TestParseNotASignal(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	for _, msg := range []string{
		"gm everyone, market looking bullish today",
		"BTC to the moon 🚀",
		"Entry: 42000", // fields without a header are not a signal
		"",
	} {
		if _, ok := r.Parse(msg, "chan-1"); ok {
			t.Errorf("Parse(%q) accepted a non-signal", msg)
		}
	}
}

func TestParseRejectsNonMonotonicTargets(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	// Long with descending second target: not a signal.
	msg := `BTC/USDT LONG
Entry: 42000
Stop Loss: 40000
Targets: 43000, 42500
Leverage: 10`

	if _, ok := r.Parse(msg, "chan-1"); ok {
		t.Error("accepted long signal with non-monotonic targets")
	}
}

func TestParseRejectsZeroPrices(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	msg := `BTC/USDT LONG
Entry: 0
Stop Loss: 40000
Targets: 43000
Leverage: 10`

	if _, ok := r.Parse(msg, "chan-1"); ok {
		t.Error("accepted signal with zero entry")
	}
}

func TestParserOrderFirstMatchWins(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r := NewRegistry("USDT", logger)
	r.Register(CompactParser{})
	r.Register(StandardParser{})

	// Valid in the compact format only; registry must still find it even
	// though the standard parser is registered too.
	if _, ok := r.Parse("SHORT ETHUSDT e=1850 sl=1900 tp=1820,1790 lev=5", "c"); !ok {
		t.Error("compact signal not parsed")
	}
}

func TestUniqueSignalIDs(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	s1, _ := r.Parse(standardLong, "chan-1")
	s2, _ := r.Parse(standardLong, "chan-1")
	if s1.ID == s2.ID {
		t.Error("two parses produced the same signal ID")
	}
}
