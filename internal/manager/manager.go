// Package manager applies exchange order-update events to open positions:
// partial exits at targets, stop-loss migration, full closes, and
// realized-PnL accounting. It also closes positions that vanished from the
// exchange (manual flatten or liquidation observed by reconciliation).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signalbot/internal/catalog"
	"signalbot/internal/exchange"
	"signalbot/internal/risk"
	"signalbot/internal/store"
	"signalbot/pkg/types"
)

// Notifier receives lifecycle events for the operator channel. Implemented
// by the Telegram notifier; a nil Notifier disables notifications.
type Notifier interface {
	TargetHit(pos *types.Position, index int, fillPrice float64)
	StopMigrated(pos *types.Position, from, to float64)
	PositionClosed(pos *types.Position)
}

// symbolInfo is the slice of the catalog the manager needs.
type symbolInfo interface {
	Info(symbol string) (types.SymbolInfo, bool)
}

// Manager routes order fills to position state transitions. The manager's
// own mutex serializes every mutation end to end: the store only protects
// individual reads and writes, and the stream consumer, the reconciliation
// loop, and operator close commands can all reach the same open position at
// once. Each mutator re-reads the position after acquiring the lock, so a
// close that lost the race sees CLOSED and becomes a no-op.
type Manager struct {
	mu        sync.Mutex
	ex        exchange.Client
	positions *store.PositionStore
	stats     *store.StatisticsStore
	cooldown  *risk.Cooldown
	symbols   symbolInfo
	notifier  Notifier
	logger    *slog.Logger
}

// New wires a manager. notifier may be nil.
func New(ex exchange.Client, positions *store.PositionStore, stats *store.StatisticsStore, cooldown *risk.Cooldown, symbols symbolInfo, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		ex:        ex,
		positions: positions,
		stats:     stats,
		cooldown:  cooldown,
		symbols:   symbols,
		notifier:  notifier,
		logger:    logger.With("component", "manager"),
	}
}

// HandleOrderUpdate routes one filled-order event. Fills that match no
// tracked stop or take-profit id are ignored: entry and compensating-close
// fills are handled inline by the trader.
func (m *Manager) HandleOrderUpdate(ctx context.Context, upd types.OrderUpdate) error {
	if upd.Status != types.OrderFilled {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.findByOrderID(upd.Symbol, upd.OrderID)
	if !ok {
		return nil
	}
	if !pos.Status.IsOpen() {
		return nil
	}

	if pos.StopLossOrderID == upd.OrderID {
		return m.handleStopFill(ctx, pos, upd)
	}
	for i, id := range pos.TakeProfitOrderIDs {
		if id != "" && id == upd.OrderID {
			return m.handleTargetFill(ctx, pos, i, upd)
		}
	}
	return nil
}

// findByOrderID locates the open position owning an order id.
func (m *Manager) findByOrderID(symbol, orderID string) (*types.Position, bool) {
	for _, pos := range m.positions.ListOpen() {
		if pos.Symbol != symbol {
			continue
		}
		if pos.StopLossOrderID == orderID {
			return pos, true
		}
		for _, id := range pos.TakeProfitOrderIDs {
			if id != "" && id == orderID {
				return pos, true
			}
		}
	}
	return nil, false
}

// handleStopFill closes the position at the stop.
func (m *Manager) handleStopFill(ctx context.Context, pos *types.Position, upd types.OrderUpdate) error {
	m.cancelRemainingTPs(ctx, pos)

	exit := upd.AveragePrice
	if exit <= 0 {
		exit = pos.StopLoss
	}
	pos.RealizedPnL += pnl(pos.Direction, pos.ActualEntry, exit, pos.RemainingQuantity)
	pos.RemainingQuantity = 0
	m.close(pos, types.CloseStopLossHit, exit)
	return m.positions.Save(pos)
}

// handleTargetFill books a partial exit and migrates the stop when the
// target asks for it.
func (m *Manager) handleTargetFill(ctx context.Context, pos *types.Position, index int, upd types.OrderUpdate) error {
	tg := &pos.Targets[index]
	if tg.Hit {
		return nil // duplicate delivery
	}

	fill := upd.AveragePrice
	if fill <= 0 {
		fill = tg.Price
	}
	tg.Hit = true
	tg.HitAt = time.Now().UTC()
	tg.ActualClosePrice = fill

	closed := tg.Quantity
	if closed > pos.RemainingQuantity {
		closed = pos.RemainingQuantity
	}
	pos.RemainingQuantity -= closed
	pos.RealizedPnL += pnl(pos.Direction, pos.ActualEntry, fill, closed)

	m.logger.Info("target hit",
		"id", pos.ID, "symbol", pos.Symbol, "target", index,
		"fill", fill, "remaining", pos.RemainingQuantity, "pnl", pos.RealizedPnL)
	if m.notifier != nil {
		m.notifier.TargetHit(pos, index, fill)
	}

	if tg.MoveStopLossTo > 0 && pos.RemainingQuantity > 0 {
		m.migrateStop(ctx, pos, tg.MoveStopLossTo)
	}

	if pos.RemainingQuantity <= 0 {
		m.cancelRemainingTPs(ctx, pos)
		if pos.StopLossOrderID != "" {
			if err := m.ex.CancelOrder(ctx, pos.Symbol, pos.StopLossOrderID); err != nil {
				m.logger.Warn("cancel stop after final target", "id", pos.ID, "error", err)
			}
		}
		m.close(pos, types.CloseAllTargetsHit, fill)
	} else {
		pos.Status = types.StatusPartialClosed
	}
	return m.positions.Save(pos)
}

// migrateStop replaces the protective stop at a new price. Cancel-then-place
// is deliberately not transactional: the brief unprotected window is
// preferred over the risk of two live stops. On placement failure the old
// stop is gone; the position keeps its previous StopLossOrderID cleared and
// the failure is logged for the operator.
func (m *Manager) migrateStop(ctx context.Context, pos *types.Position, to float64) {
	if info, ok := m.symbols.Info(pos.Symbol); ok {
		to = catalog.RoundToTick(to, info.TickSize)
	}
	from := pos.StopLoss

	if pos.StopLossOrderID != "" {
		if err := m.ex.CancelOrder(ctx, pos.Symbol, pos.StopLossOrderID); err != nil {
			m.logger.Warn("stop migration: cancel failed, keeping old stop",
				"id", pos.ID, "symbol", pos.Symbol, "error", err)
			return
		}
	}

	res, err := m.ex.PlaceStopLoss(ctx, pos.Symbol, pos.Direction.ExitSide(), pos.RemainingQuantity, to)
	if err != nil || !res.Success {
		pos.StopLossOrderID = ""
		m.logger.Error("stop migration: replacement failed, position unprotected",
			"id", pos.ID, "symbol", pos.Symbol, "error", err, "rejection", res.Error)
		return
	}

	pos.StopLoss = to
	pos.StopLossOrderID = res.OrderID
	m.logger.Info("stop migrated", "id", pos.ID, "symbol", pos.Symbol, "from", from, "to", to)
	if m.notifier != nil {
		m.notifier.StopMigrated(pos, from, to)
	}
}

// cancelRemainingTPs cancels every unhit take-profit order, logging and
// continuing on individual failures.
func (m *Manager) cancelRemainingTPs(ctx context.Context, pos *types.Position) {
	for i, id := range pos.TakeProfitOrderIDs {
		if id == "" || pos.Targets[i].Hit {
			continue
		}
		if err := m.ex.CancelOrder(ctx, pos.Symbol, id); err != nil {
			m.logger.Warn("cancel take profit", "id", pos.ID, "order", id, "error", err)
		}
	}
}

// CloseExternally closes a local position whose exchange position is gone
// (manual flatten or liquidation). Remaining quantity is booked at the
// given exit price, or the stop price when none is known.
func (m *Manager) CloseExternally(ctx context.Context, positionID string, reason types.CloseReason, exitPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions.GetByID(positionID)
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	if !pos.Status.IsOpen() {
		return nil
	}

	m.cancelRemainingTPs(ctx, pos)
	if pos.StopLossOrderID != "" {
		if err := m.ex.CancelOrder(ctx, pos.Symbol, pos.StopLossOrderID); err != nil {
			m.logger.Warn("cancel stop on external close", "id", pos.ID, "error", err)
		}
	}

	exit := exitPrice
	if exit <= 0 {
		exit = pos.StopLoss
	}
	pos.RealizedPnL += pnl(pos.Direction, pos.ActualEntry, exit, pos.RemainingQuantity)
	pos.RemainingQuantity = 0
	m.close(pos, reason, exit)
	return m.positions.Save(pos)
}

// FlattenAtMarket closes a position with a reduce-only market order and
// books it with the given reason. Used by manual /closeall, duplicate
// handling, and the emergency path.
func (m *Manager) FlattenAtMarket(ctx context.Context, positionID string, reason types.CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions.GetByID(positionID)
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	if !pos.Status.IsOpen() || pos.RemainingQuantity <= 0 {
		return nil
	}

	m.cancelRemainingTPs(ctx, pos)
	if pos.StopLossOrderID != "" {
		if err := m.ex.CancelOrder(ctx, pos.Symbol, pos.StopLossOrderID); err != nil {
			m.logger.Warn("cancel stop before flatten", "id", pos.ID, "error", err)
		}
	}

	res, err := m.ex.PlaceMarketOrder(ctx, pos.Symbol, pos.Direction.ExitSide(), pos.RemainingQuantity, true)
	if err != nil {
		return fmt.Errorf("flatten %s: %w", pos.Symbol, err)
	}
	if !res.Success {
		return fmt.Errorf("flatten %s rejected: %s", pos.Symbol, res.Error)
	}

	exit := res.AvgFillPrice
	if exit <= 0 {
		exit = pos.ActualEntry
	}
	pos.RealizedPnL += pnl(pos.Direction, pos.ActualEntry, exit, pos.RemainingQuantity)
	pos.RemainingQuantity = 0
	m.close(pos, reason, exit)
	return m.positions.Save(pos)
}

// close finalizes the record and fans out to statistics, cooldown, and the
// notifier. Callers persist.
func (m *Manager) close(pos *types.Position, reason types.CloseReason, exit float64) {
	pos.Status = types.StatusClosed
	pos.CloseReason = reason
	pos.ClosedAt = time.Now().UTC()

	m.logger.Info("position closed",
		"id", pos.ID, "symbol", pos.Symbol, "reason", reason,
		"exit", exit, "pnl", pos.RealizedPnL)

	// Archive the quantity-weighted exit, recovered from the realized PnL.
	avgExit := exit
	if pos.InitialQuantity > 0 && pos.ActualEntry > 0 {
		if pos.Direction == types.Long {
			avgExit = pos.ActualEntry + pos.RealizedPnL/pos.InitialQuantity
		} else {
			avgExit = pos.ActualEntry - pos.RealizedPnL/pos.InitialQuantity
		}
	}

	if m.stats != nil {
		rec := types.TradeRecord{
			PositionID:  pos.ID,
			Symbol:      pos.Symbol,
			Direction:   pos.Direction,
			EntryPrice:  pos.ActualEntry,
			ExitPrice:   avgExit,
			RealizedPnL: pos.RealizedPnL,
			CloseReason: reason,
			OpenedAt:    pos.OpenedAt,
			ClosedAt:    pos.ClosedAt,
		}
		if err := m.stats.Record(rec); err != nil {
			m.logger.Error("record trade", "id", pos.ID, "error", err)
		}
	}
	if m.cooldown != nil {
		m.cooldown.RecordClose(pos)
	}
	if m.notifier != nil {
		m.notifier.PositionClosed(pos)
	}
}

// pnl is the directional realized PnL for a closed slice.
func pnl(d types.Direction, entry, exit, qty float64) float64 {
	if d == types.Long {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}
