package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"signalbot/internal/config"
	"signalbot/internal/risk"
	"signalbot/internal/store"
	"signalbot/pkg/types"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://bot.internal:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "bot.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func testDeps(t *testing.T) Deps {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	positions, err := store.OpenPositions(dir)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	stats, err := store.OpenStatistics(dir, nil)
	if err != nil {
		t.Fatalf("open statistics: %v", err)
	}
	return Deps{
		Positions:  positions,
		Stats:      stats,
		Controller: risk.NewController(types.ModeAutomatic, logger),
		Cooldown:   risk.NewCooldown(risk.CooldownConfig{}, logger),
	}
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	pos := &types.Position{
		ID:                "p-1",
		Symbol:            "BTCUSDT",
		Direction:         types.Long,
		Status:            types.StatusOpen,
		ActualEntry:       100,
		StopLoss:          95,
		Leverage:          10,
		InitialQuantity:   20,
		RemainingQuantity: 20,
		OpenedAt:          time.Now().UTC(),
		Targets: []types.Target{
			{Price: 101, Quantity: 10},
			{Price: 102, Quantity: 10},
		},
	}
	if err := deps.Positions.Save(pos); err != nil {
		t.Fatalf("save position: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(config.DashboardConfig{}, deps, NewHub(logger), logger)

	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, httptest.NewRequest("GET", "/api/snapshot", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap DashboardSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Mode != string(types.ModeAutomatic) {
		t.Fatalf("mode = %q", snap.Mode)
	}
	if len(snap.Positions) != 1 || snap.Positions[0].Symbol != "BTCUSDT" {
		t.Fatalf("positions = %+v", snap.Positions)
	}
	if snap.OpenExposure != 2000 {
		t.Fatalf("open exposure = %v, want 2000", snap.OpenExposure)
	}
	if snap.Cooldown.Active {
		t.Fatal("cooldown should be inactive")
	}
}
