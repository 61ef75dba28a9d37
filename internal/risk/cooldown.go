// Package risk holds the policy state machines that gate and shape trades:
// the loss cooldown, the operating mode, and the position sizer.
//
// All three are owned by the composition root and shared by reference; each
// guards its own state, so callers never coordinate locks across them.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signalbot/pkg/types"
)

// CooldownConfig tunes the refusal window after losing trades.
type CooldownConfig struct {
	ShortDuration       time.Duration // first losses
	LongDuration        time.Duration // at LongThreshold consecutive losses
	LiquidationDuration time.Duration // a liquidation event
	LongThreshold       int
	WinsToReset         int       // consecutive wins that clear the loss counter
	ReduceAfterLosses   bool      // scale size down while losses accumulate
	SizeMultipliers     []float64 // multiplier for 1, 2, ≥3 consecutive losses
}

// CooldownState is a snapshot of the controller for reporting.
type CooldownState struct {
	ConsecutiveLosses int
	ConsecutiveWins   int
	CooldownUntil     time.Time // zero when not cooling down
	Reason            string
}

// Cooldown tracks consecutive losses and refuses new signals for a window
// after each one. Wins only count toward reset when they are full
// take-profit exits; manual closes and errors leave the streak untouched.
type Cooldown struct {
	cfg    CooldownConfig
	logger *slog.Logger

	mu     sync.Mutex
	losses int
	wins   int
	until  time.Time
	reason string
}

// NewCooldown creates an idle controller.
func NewCooldown(cfg CooldownConfig, logger *slog.Logger) *Cooldown {
	return &Cooldown{cfg: cfg, logger: logger.With("component", "cooldown")}
}

// RecordClose updates the streak from one closed position.
func (c *Cooldown) RecordClose(pos *types.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch pos.CloseReason {
	case types.CloseStopLossHit:
		c.losses++
		c.wins = 0
		dur := c.cfg.ShortDuration
		if c.losses >= c.cfg.LongThreshold {
			dur = c.cfg.LongDuration
		}
		c.engage(dur, fmt.Sprintf("stop-loss hit on %s (%d consecutive losses)", pos.Symbol, c.losses))

	case types.CloseLiquidation:
		c.losses++
		c.wins = 0
		c.engage(c.cfg.LiquidationDuration, fmt.Sprintf("liquidation on %s", pos.Symbol))

	case types.CloseAllTargetsHit:
		c.wins++
		if c.cfg.WinsToReset > 0 && c.wins >= c.cfg.WinsToReset && c.losses > 0 {
			c.logger.Info("loss streak reset", "wins", c.wins, "losses_cleared", c.losses)
			c.losses = 0
			c.wins = 0
		}

	default:
		// Manual closes, reversals, and error closes are streak-neutral.
	}
}

// engage sets the cooldown window. Callers hold the mutex.
func (c *Cooldown) engage(dur time.Duration, reason string) {
	c.until = time.Now().Add(dur)
	c.reason = reason
	c.logger.Warn("cooldown engaged", "until", c.until, "reason", reason)
}

// InCooldown reports whether new signals should be refused right now.
func (c *Cooldown) InCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.until)
}

// SizeMultiplier maps the loss streak to a sizing multiplier in (0, 1].
func (c *Cooldown) SizeMultiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.ReduceAfterLosses || c.losses == 0 || len(c.cfg.SizeMultipliers) == 0 {
		return 1.0
	}
	idx := c.losses - 1
	if idx >= len(c.cfg.SizeMultipliers) {
		idx = len(c.cfg.SizeMultipliers) - 1
	}
	return c.cfg.SizeMultipliers[idx]
}

// State returns a snapshot for status reporting.
func (c *Cooldown) State() CooldownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := CooldownState{
		ConsecutiveLosses: c.losses,
		ConsecutiveWins:   c.wins,
		Reason:            c.reason,
	}
	if time.Now().Before(c.until) {
		st.CooldownUntil = c.until
	}
	return st
}

// ForceReset clears the streak and any active window. Administrative use.
func (c *Cooldown) ForceReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.losses = 0
	c.wins = 0
	c.until = time.Time{}
	c.reason = ""
	c.logger.Info("cooldown force-reset")
}
