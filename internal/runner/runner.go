// Package runner is the top-level signal pipeline. It serializes signal
// intake behind a process-wide lock, runs the gate sequence (mode, cooldown,
// concurrency, duplicates), invokes validation, sizing and execution, and
// feeds exchange order events to the position manager.
//
// It also hosts the two background safety loops: reconciliation against the
// exchange's live positions, and the session-loss emergency monitor.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signalbot/internal/catalog"
	"signalbot/internal/exchange"
	"signalbot/internal/manager"
	"signalbot/internal/risk"
	"signalbot/internal/store"
	"signalbot/internal/trader"
	"signalbot/internal/validate"
	"signalbot/pkg/types"
)

// DuplicateConfig is the policy for a new signal on a symbol that already
// has an open position.
type DuplicateConfig struct {
	SameDirection     types.SameDirectionPolicy
	OppositeDirection types.OppositeDirectionPolicy
	MaxPerSymbol      int
	MinInterval       time.Duration
}

// EmergencyConfig bounds session losses before the bot halts itself.
type EmergencyConfig struct {
	MaxDailyLossPercent   float64 // of session-start equity, 0 disables
	MaxSessionLossPercent float64 // of session-start equity, 0 disables
	CloseAllOnEmergency   bool
}

// Config is the runner's slice of the policy surface.
type Config struct {
	QuoteCurrency   string
	SignalSuffix    string
	ExecutionSuffix string
	MaxConcurrent   int
	Duplicate       DuplicateConfig
	Emergency       EmergencyConfig
}

// Runner owns the signal-processing lock and the gate sequence.
type Runner struct {
	cfg        Config
	ex         exchange.Client
	catalog    *catalog.Catalog
	validator  *validate.Validator
	trader     *trader.Trader
	manager    *manager.Manager
	positions  *store.PositionStore
	stats      *store.StatisticsStore
	cooldown   *risk.Cooldown
	controller *risk.Controller
	logger     *slog.Logger

	// The signal lock: one signal is processed end to end at a time.
	// Order-update events deliberately do not take it.
	mu         sync.Mutex
	lastSignal map[string]time.Time // symbol → last processed signal

	sessionStart time.Time
	startEquity  float64
}

// New wires a runner.
func New(cfg Config, ex exchange.Client, cat *catalog.Catalog, v *validate.Validator, tr *trader.Trader, mg *manager.Manager, positions *store.PositionStore, stats *store.StatisticsStore, cd *risk.Cooldown, ctrl *risk.Controller, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:          cfg,
		ex:           ex,
		catalog:      cat,
		validator:    v,
		trader:       tr,
		manager:      mg,
		positions:    positions,
		stats:        stats,
		cooldown:     cd,
		controller:   ctrl,
		logger:       logger.With("component", "runner"),
		lastSignal:   make(map[string]time.Time),
		sessionStart: time.Now().UTC(),
	}
}

// SetStartEquity records the session-start balance for the loss limits.
func (r *Runner) SetStartEquity(equity float64) {
	r.startEquity = equity
}

// HandleSignal runs one signal through the full pipeline. Rejections are
// logged and return nil; errors are faults (exchange or store failures).
func (r *Runner) HandleSignal(ctx context.Context, sig types.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sig.Symbol = catalog.Normalize(sig.Symbol, r.cfg.SignalSuffix, r.cfg.ExecutionSuffix)
	log := r.logger.With("signal", sig.ID, "symbol", sig.Symbol, "direction", sig.Direction)

	if !r.catalog.Contains(ctx, sig.Symbol) {
		log.Info("signal rejected", "reason", "symbol not tradable")
		return nil
	}

	// Gate sequence, short-circuit in order.
	if !r.controller.CanAcceptSignals() {
		log.Info("signal rejected", "reason", "mode", "mode", r.controller.Mode())
		return nil
	}
	if r.cooldown.InCooldown() {
		log.Info("signal rejected", "reason", "cooldown", "state", r.cooldown.State().Reason)
		return nil
	}
	if open := len(r.positions.ListOpen()); open >= r.cfg.MaxConcurrent {
		log.Info("signal rejected", "reason", "concurrency limit", "open", open)
		return nil
	}
	if existing, ok := r.positions.GetBySymbol(sig.Symbol); ok {
		return r.handleDuplicate(ctx, sig, existing, log)
	}

	return r.execute(ctx, sig, log)
}

// execute runs validation, sizing and the trader for a gated signal.
func (r *Runner) execute(ctx context.Context, sig types.Signal, log *slog.Logger) error {
	info, known := r.catalog.Info(sig.Symbol)

	validated, err := r.validator.Validate(sig, info, known)
	if err != nil {
		log.Warn("signal rejected by validator", "error", err)
		return nil
	}
	for _, w := range validated.Warnings {
		log.Warn("validation adjustment", "warning", w)
	}

	equity, err := r.ex.GetBalance(ctx, r.cfg.QuoteCurrency)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}

	r.lastSignal[sig.Symbol] = time.Now()
	pos, err := r.trader.Execute(ctx, validated, info, equity, r.openNotional(), r.cooldown.SizeMultiplier())
	if err != nil {
		return err
	}
	log.Info("signal executed", "position", pos.ID, "status", pos.Status)
	return nil
}

// openNotional sums |remaining × entry| across open positions for the
// exposure headroom check.
func (r *Runner) openNotional() float64 {
	var total float64
	for _, pos := range r.positions.ListOpen() {
		entry := pos.ActualEntry
		if entry <= 0 {
			entry = pos.PlannedEntry
		}
		total += pos.RemainingQuantity * entry
	}
	return total
}

// handleDuplicate applies the same/opposite-direction policy for a signal
// whose symbol already has an open position.
func (r *Runner) handleDuplicate(ctx context.Context, sig types.Signal, existing *types.Position, log *slog.Logger) error {
	if last, ok := r.lastSignal[sig.Symbol]; ok && time.Since(last) < r.cfg.Duplicate.MinInterval {
		log.Info("duplicate rejected", "reason", "too soon", "since_last", time.Since(last))
		return nil
	}

	if sig.Direction == existing.Direction {
		switch r.cfg.Duplicate.SameDirection {
		case types.SameOpenNew:
			if r.positions.OpenCountBySymbol(sig.Symbol) >= r.cfg.Duplicate.MaxPerSymbol {
				log.Info("duplicate rejected", "reason", "per-symbol limit")
				return nil
			}
			return r.execute(ctx, sig, log)

		case types.SameUpdateTargets:
			return r.updateTargets(ctx, sig, existing, log)

		case types.SameCloseAndReopen:
			if err := r.manager.FlattenAtMarket(ctx, existing.ID, types.CloseManual); err != nil {
				return err
			}
			return r.execute(ctx, sig, log)

		default: // IGNORE
			log.Info("duplicate rejected", "reason", "same-direction policy")
			return nil
		}
	}

	switch r.cfg.Duplicate.OppositeDirection {
	case types.OppositeCloseOnly:
		log.Info("opposite signal closes position", "position", existing.ID)
		return r.manager.FlattenAtMarket(ctx, existing.ID, types.CloseOppositeSignal)

	case types.OppositeReverse:
		if err := r.manager.FlattenAtMarket(ctx, existing.ID, types.CloseOppositeSignal); err != nil {
			return err
		}
		return r.execute(ctx, sig, log)

	default: // IGNORE
		log.Info("duplicate rejected", "reason", "opposite-direction policy")
		return nil
	}
}

// updateTargets replaces an open position's exit ladder with the new
// signal's target prices, recomputed over the remaining quantity. Entry and
// realized history stay untouched.
func (r *Runner) updateTargets(ctx context.Context, sig types.Signal, existing *types.Position, log *slog.Logger) error {
	info, known := r.catalog.Info(sig.Symbol)
	validated, err := r.validator.Validate(sig, info, known)
	if err != nil {
		log.Warn("target update rejected by validator", "error", err)
		return nil
	}

	// Cancel the old exit ladder.
	for i, id := range existing.TakeProfitOrderIDs {
		if id == "" || existing.Targets[i].Hit {
			continue
		}
		if err := r.ex.CancelOrder(ctx, existing.Symbol, id); err != nil {
			log.Warn("cancel old take profit", "order", id, "error", err)
		}
	}
	if existing.StopLossOrderID != "" {
		if err := r.ex.CancelOrder(ctx, existing.Symbol, existing.StopLossOrderID); err != nil {
			log.Warn("cancel old stop", "order", existing.StopLossOrderID, "error", err)
		}
		existing.StopLossOrderID = ""
	}

	// New stop over the full remaining quantity.
	stopPrice := catalog.RoundToTick(validated.AdjustedStopLoss, info.TickSize)
	res, err := r.ex.PlaceStopLoss(ctx, existing.Symbol, existing.Direction.ExitSide(), existing.RemainingQuantity, stopPrice)
	if err != nil {
		return fmt.Errorf("replace stop: %w", err)
	}
	if res.Success {
		existing.StopLoss = stopPrice
		existing.StopLossOrderID = res.OrderID
	} else {
		log.Error("replacement stop rejected, position unprotected", "rejection", res.Error)
	}

	// New targets over the remaining quantity, equal fractions. The last
	// target sweeps the rounding remainder so the ladder closes the whole
	// position instead of stranding dust below the step size.
	n := len(sig.Targets)
	existing.Targets = existing.Targets[:0]
	existing.TakeProfitOrderIDs = make([]string, n)
	share := existing.RemainingQuantity / float64(n)
	allocated := 0.0
	for i, price := range sig.Targets {
		qty := catalog.RoundToStep(share, info.StepSize)
		if i == n-1 {
			qty = catalog.RoundToStep(existing.RemainingQuantity-allocated, info.StepSize)
		}
		allocated += qty
		tg := types.Target{Index: i, Price: catalog.RoundToTick(price, info.TickSize), Fraction: 1 / float64(n), Quantity: qty}
		existing.Targets = append(existing.Targets, tg)

		tpRes, err := r.ex.PlaceTakeProfit(ctx, existing.Symbol, existing.Direction.ExitSide(), qty, tg.Price)
		if err != nil || !tpRes.Success {
			log.Warn("place replacement take profit", "target", i, "error", err, "rejection", tpRes.Error)
			continue
		}
		existing.TakeProfitOrderIDs[i] = tpRes.OrderID
	}

	r.lastSignal[sig.Symbol] = time.Now()
	log.Info("targets updated", "position", existing.ID, "targets", n, "stop", existing.StopLoss)
	return r.positions.Save(existing)
}

// ConsumeEvents feeds order updates from the user-data stream to the
// manager. Runs until ctx is cancelled or the channel closes.
func (r *Runner) ConsumeEvents(ctx context.Context, updates <-chan types.OrderUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if !r.controller.CanManagePositions() {
				r.logger.Debug("event dropped", "mode", r.controller.Mode(), "order", upd.OrderID)
				continue
			}
			if err := r.manager.HandleOrderUpdate(ctx, upd); err != nil {
				r.logger.Error("handle order update", "order", upd.OrderID, "error", err)
			}
		}
	}
}

// RunReconciliation periodically compares the exchange's live positions
// against the local store and closes records whose exchange position is
// gone. Also drives the emergency loss monitor.
func (r *Runner) RunReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.controller.CanManagePositions() {
				r.reconcile(ctx)
			}
			r.checkEmergency(ctx)
		}
	}
}

func (r *Runner) reconcile(ctx context.Context) {
	amounts, err := r.ex.GetPositionAmounts(ctx)
	if err != nil {
		r.logger.Warn("reconcile: get positions", "error", err)
		return
	}

	for _, pos := range r.positions.ListOpen() {
		// Pending/Opening records have no exchange position yet.
		if pos.Status != types.StatusOpen && pos.Status != types.StatusPartialClosed {
			continue
		}
		if amt := amounts[pos.Symbol]; amt != 0 {
			continue
		}

		reason := types.CloseManual
		exit := 0.0
		if mark, err := r.ex.GetMarkPrice(ctx, pos.Symbol); err == nil {
			exit = mark
			// Mark beyond the stop on the losing side means the position
			// did not leave through our orders: treat as liquidation.
			if breachedStop(pos, mark) {
				reason = types.CloseLiquidation
			}
		}
		r.logger.Warn("position gone from exchange", "id", pos.ID, "symbol", pos.Symbol, "reason", reason)
		if err := r.manager.CloseExternally(ctx, pos.ID, reason, exit); err != nil {
			r.logger.Error("reconcile close", "id", pos.ID, "error", err)
		}
	}
}

// breachedStop reports whether the mark sits at or past the stop on the
// losing side.
func breachedStop(pos *types.Position, mark float64) bool {
	if pos.Direction == types.Long {
		return mark <= pos.StopLoss
	}
	return mark >= pos.StopLoss
}

// checkEmergency halts the bot when session losses breach the configured
// limits. The EmergencyStop transition is one-way; only an operator command
// brings the bot back.
func (r *Runner) checkEmergency(ctx context.Context) {
	if r.startEquity <= 0 || r.controller.Mode() == types.ModeEmergencyStop {
		return
	}

	var trigger string
	if p := r.cfg.Emergency.MaxSessionLossPercent; p > 0 {
		if loss := -r.stats.SessionPnL(r.sessionStart); loss >= r.startEquity*p/100 {
			trigger = fmt.Sprintf("session loss %.2f breached %.1f%% of %.2f", loss, p, r.startEquity)
		}
	}
	if p := r.cfg.Emergency.MaxDailyLossPercent; trigger == "" && p > 0 {
		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		if loss := -r.stats.SessionPnL(midnight); loss >= r.startEquity*p/100 {
			trigger = fmt.Sprintf("daily loss %.2f breached %.1f%% of %.2f", loss, p, r.startEquity)
		}
	}
	if trigger == "" {
		return
	}

	r.logger.Error("emergency stop", "reason", trigger)
	r.controller.SetMode(types.ModeEmergencyStop, trigger)

	if r.cfg.Emergency.CloseAllOnEmergency {
		for _, pos := range r.positions.ListOpen() {
			if err := r.manager.FlattenAtMarket(ctx, pos.ID, types.CloseManual); err != nil {
				r.logger.Error("emergency close", "id", pos.ID, "error", err)
			}
		}
	}
}

// CloseAll flattens every open position. Used by the /closeall command.
func (r *Runner) CloseAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var closed int
	var firstErr error
	for _, pos := range r.positions.ListOpen() {
		if err := r.manager.FlattenAtMarket(ctx, pos.ID, types.CloseManual); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
	}
	return closed, firstErr
}

// CloseSymbol flattens the open position for one symbol. Used by /close.
func (r *Runner) CloseSymbol(ctx context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbol = catalog.Normalize(symbol, r.cfg.SignalSuffix, r.cfg.ExecutionSuffix)
	pos, ok := r.positions.GetBySymbol(symbol)
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	return r.manager.FlattenAtMarket(ctx, pos.ID, types.CloseManual)
}
