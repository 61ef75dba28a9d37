package api

import (
	"time"

	"signalbot/internal/risk"
	"signalbot/internal/store"
	"signalbot/pkg/types"
)

// DashboardSnapshot is the complete read-only state served to the dashboard.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`
	DryRun    bool      `json:"dry_run"`

	Positions    []PositionStatus `json:"positions"`
	OpenExposure float64          `json:"open_exposure"`

	Cooldown   CooldownStatus  `json:"cooldown"`
	Statistics []WindowSummary `json:"statistics"`
}

// PositionStatus is the per-position view.
type PositionStatus struct {
	ID                string       `json:"id"`
	Symbol            string       `json:"symbol"`
	Direction         string       `json:"direction"`
	Status            string       `json:"status"`
	Entry             float64      `json:"entry"`
	StopLoss          float64      `json:"stop_loss"`
	Leverage          int          `json:"leverage"`
	RemainingQuantity float64      `json:"remaining_quantity"`
	RealizedPnL       float64      `json:"realized_pnl"`
	Targets           []TargetView `json:"targets"`
	OpenedAt          time.Time    `json:"opened_at,omitempty"`
}

// TargetView is one exit level.
type TargetView struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Hit      bool    `json:"hit"`
}

// CooldownStatus mirrors the cooldown controller state.
type CooldownStatus struct {
	Active            bool      `json:"active"`
	Until             time.Time `json:"until,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	ConsecutiveWins   int       `json:"consecutive_wins"`
}

// WindowSummary is one rolling statistics window.
type WindowSummary struct {
	Window      string  `json:"window"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	RealizedPnL float64 `json:"realized_pnl"`
	LargestWin  float64 `json:"largest_win"`
	LargestLoss float64 `json:"largest_loss"`
}

func newPositionStatus(p *types.Position) PositionStatus {
	out := PositionStatus{
		ID:                p.ID,
		Symbol:            p.Symbol,
		Direction:         string(p.Direction),
		Status:            string(p.Status),
		Entry:             p.ActualEntry,
		StopLoss:          p.StopLoss,
		Leverage:          p.Leverage,
		RemainingQuantity: p.RemainingQuantity,
		RealizedPnL:       p.RealizedPnL,
		OpenedAt:          p.OpenedAt,
	}
	for _, tg := range p.Targets {
		out.Targets = append(out.Targets, TargetView{Price: tg.Price, Quantity: tg.Quantity, Hit: tg.Hit})
	}
	return out
}

func newCooldownStatus(st risk.CooldownState) CooldownStatus {
	return CooldownStatus{
		Active:            !st.CooldownUntil.IsZero(),
		Until:             st.CooldownUntil,
		Reason:            st.Reason,
		ConsecutiveLosses: st.ConsecutiveLosses,
		ConsecutiveWins:   st.ConsecutiveWins,
	}
}

func newWindowSummary(s store.Summary) WindowSummary {
	return WindowSummary{
		Window:      s.Window,
		Trades:      s.Trades,
		Wins:        s.Wins,
		Losses:      s.Losses,
		WinRate:     s.WinRate,
		RealizedPnL: s.RealizedPnL,
		LargestWin:  s.LargestWin,
		LargestLoss: s.LargestLoss,
	}
}
