package telegram

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"signalbot/internal/risk"
	"signalbot/internal/store"
	"signalbot/pkg/types"
)

// textBot builds a Bot with everything except the API connection, which the
// formatting helpers never touch.
func textBot(t *testing.T) *Bot {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dir := t.TempDir()
	positions, err := store.OpenPositions(dir)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	stats, err := store.OpenStatistics(dir, nil)
	if err != nil {
		t.Fatalf("OpenStatistics: %v", err)
	}
	return &Bot{
		cfg:        Config{AllowedUserIDs: []int64{42}},
		controller: risk.NewController(types.ModeAutomatic, logger),
		cooldown:   risk.NewCooldown(risk.CooldownConfig{ShortDuration: time.Hour, LongThreshold: 3}, logger),
		positions:  positions,
		stats:      stats,
		logger:     logger,
	}
}

func TestAllowed(t *testing.T) {
	t.Parallel()
	b := textBot(t)

	if !b.allowed(42) {
		t.Error("allow-listed user rejected")
	}
	if b.allowed(7) {
		t.Error("unknown user allowed")
	}
}

func TestStatusText(t *testing.T) {
	t.Parallel()
	b := textBot(t)

	b.cooldown.RecordClose(&types.Position{Symbol: "BTCUSDT", CloseReason: types.CloseStopLossHit})
	got := b.statusText()

	if !strings.Contains(got, "Mode: AUTOMATIC") {
		t.Errorf("status missing mode: %q", got)
	}
	if !strings.Contains(got, "Cooldown until") || !strings.Contains(got, "Consecutive losses: 1") {
		t.Errorf("status missing cooldown state: %q", got)
	}
}

func TestPositionsText(t *testing.T) {
	t.Parallel()
	b := textBot(t)

	if got := b.positionsText(); got != "No open positions." {
		t.Errorf("empty store text = %q", got)
	}

	_ = b.positions.Save(&types.Position{
		ID: "p1", Symbol: "ETHUSDT", Direction: types.Short,
		Status: types.StatusPartialClosed, ActualEntry: 3000, StopLoss: 3100,
		RemainingQuantity: 1.5, RealizedPnL: 12.5,
		Targets: []types.Target{{Hit: true}, {}},
	})
	got := b.positionsText()
	if !strings.Contains(got, "ETHUSDT SHORT") || !strings.Contains(got, "targets 1/2") {
		t.Errorf("positions text = %q", got)
	}
}
