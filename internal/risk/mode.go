package risk

import (
	"log/slog"
	"sync"

	"signalbot/pkg/types"
)

// ModeChange describes one operating-mode transition.
type ModeChange struct {
	From   types.OperatingMode
	To     types.OperatingMode
	Reason string
}

// Controller holds the process-wide operating mode. Signal intake and
// position management consult it before acting; Telegram commands and the
// emergency monitor drive transitions.
type Controller struct {
	logger *slog.Logger

	mu      sync.RWMutex
	mode    types.OperatingMode
	changes chan ModeChange
}

// NewController starts in the given mode.
func NewController(initial types.OperatingMode, logger *slog.Logger) *Controller {
	return &Controller{
		logger:  logger.With("component", "controller"),
		mode:    initial,
		changes: make(chan ModeChange, 16),
	}
}

// Mode returns the current operating mode.
func (c *Controller) Mode() types.OperatingMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode transitions the bot and publishes the change. Transitions out of
// EmergencyStop require an explicit operator command; callers enforce that,
// the controller records whatever it is told.
func (c *Controller) SetMode(to types.OperatingMode, reason string) {
	c.mu.Lock()
	from := c.mode
	c.mode = to
	c.mu.Unlock()

	if from == to {
		return
	}
	c.logger.Info("mode changed", "from", from, "to", to, "reason", reason)
	select {
	case c.changes <- ModeChange{From: from, To: to, Reason: reason}:
	default:
		// A stalled consumer must not block the emergency path.
	}
}

// Changes delivers mode transitions to the notifier.
func (c *Controller) Changes() <-chan ModeChange {
	return c.changes
}

// CanAcceptSignals reports whether new signals may open positions.
func (c *Controller) CanAcceptSignals() bool {
	return c.Mode() == types.ModeAutomatic
}

// CanManagePositions reports whether exchange events may mutate open
// positions. Paused and EmergencyStop freeze management; fills are still
// recorded by reconciliation once the bot resumes.
func (c *Controller) CanManagePositions() bool {
	switch c.Mode() {
	case types.ModeAutomatic, types.ModeMonitorOnly:
		return true
	}
	return false
}
