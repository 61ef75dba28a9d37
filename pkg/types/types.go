// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — signals, positions,
// targets, trade records, and the exchange-facing order payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the side of a futures position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// EntrySide returns the order side that opens a position in this direction.
func (d Direction) EntrySide() Side {
	if d == Long {
		return BUY
	}
	return SELL
}

// ExitSide returns the order side that reduces a position in this direction.
func (d Direction) ExitSide() Side {
	if d == Long {
		return SELL
	}
	return BUY
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// PositionStatus tracks a position through its lifecycle:
//
//	Pending → Opening → Open → PartialClosed* → Closed
//	    └────────┴────────┴──→ Failed / Cancelled
type PositionStatus string

const (
	StatusPending       PositionStatus = "PENDING"        // record created, no exchange orders yet
	StatusOpening       PositionStatus = "OPENING"        // entry order submitted, awaiting fill
	StatusOpen          PositionStatus = "OPEN"           // entry filled, protections being/in place
	StatusPartialClosed PositionStatus = "PARTIAL_CLOSED" // some targets hit, quantity remains
	StatusClosed        PositionStatus = "CLOSED"         // fully flat, realized PnL final
	StatusCancelled     PositionStatus = "CANCELLED"      // aborted before any exposure
	StatusFailed        PositionStatus = "FAILED"         // aborted by an exchange error
)

// IsOpen reports whether the status represents live or imminent exposure.
// Statuses in this set occupy the per-symbol slot in the store.
func (s PositionStatus) IsOpen() bool {
	switch s {
	case StatusPending, StatusOpening, StatusOpen, StatusPartialClosed:
		return true
	}
	return false
}

// CloseReason records why a position went flat.
type CloseReason string

const (
	CloseAllTargetsHit  CloseReason = "ALL_TARGETS_HIT"
	CloseStopLossHit    CloseReason = "STOP_LOSS_HIT"
	CloseLiquidation    CloseReason = "LIQUIDATION"
	CloseManual         CloseReason = "MANUAL_CLOSE"
	CloseError          CloseReason = "ERROR"
	CloseOppositeSignal CloseReason = "OPPOSITE_SIGNAL"
)

// OperatingMode is the system-wide gate controlling what the bot does
// with incoming signals and exchange events.
type OperatingMode string

const (
	ModeAutomatic     OperatingMode = "AUTOMATIC"      // accept signals, manage positions
	ModeMonitorOnly   OperatingMode = "MONITOR_ONLY"   // no new signals, keep managing
	ModePaused        OperatingMode = "PAUSED"         // no signals, no automatic management
	ModeEmergencyStop OperatingMode = "EMERGENCY_STOP" // everything halted after emergency close
)

// MarginType selects the futures margin mode for a symbol.
type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
	MarginCross    MarginType = "CROSSED"
)

// SizingMode selects how the position size is derived from config and equity.
type SizingMode string

const (
	SizeRiskPercent   SizingMode = "RISK_PERCENT"   // risk a % of equity between entry and stop
	SizeFixedAmount   SizingMode = "FIXED_AMOUNT"   // fixed notional in quote currency
	SizeFixedMargin   SizingMode = "FIXED_MARGIN"   // fixed margin × leverage
	SizeFixedQuantity SizingMode = "FIXED_QUANTITY" // fixed base-asset quantity
)

// StopLossMode selects whether the published stop is trusted or recomputed.
type StopLossMode string

const (
	StopFromSignal StopLossMode = "FROM_SIGNAL" // use published stop when it clears liquidation
	StopCalculate  StopLossMode = "CALCULATE"   // always derive from the liquidation distance
)

// DeviationAction is the policy applied when the live mark price has
// drifted from the signal's published entry beyond the configured threshold.
type DeviationAction string

const (
	DeviationSkip          DeviationAction = "SKIP"            // cancel the position
	DeviationEnterAtMarket DeviationAction = "ENTER_AT_MARKET" // proceed unchanged
	DeviationLimitAtEntry  DeviationAction = "LIMIT_AT_ENTRY"  // declared, not implemented: cancels
	DeviationAdjustTargets DeviationAction = "ADJUST_TARGETS"  // shift targets by the drift
)

// SameDirectionPolicy handles a new signal for a symbol that already has an
// open position in the same direction.
type SameDirectionPolicy string

const (
	SameIgnore         SameDirectionPolicy = "IGNORE"
	SameOpenNew        SameDirectionPolicy = "OPEN_NEW"
	SameUpdateTargets  SameDirectionPolicy = "UPDATE_TARGETS"
	SameCloseAndReopen SameDirectionPolicy = "CLOSE_AND_REOPEN"
)

// OppositeDirectionPolicy handles a new signal opposing an open position.
type OppositeDirectionPolicy string

const (
	OppositeIgnore    OppositeDirectionPolicy = "IGNORE"
	OppositeCloseOnly OppositeDirectionPolicy = "CLOSE_ONLY"
	OppositeReverse   OppositeDirectionPolicy = "REVERSE"
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is the typed trade intent produced by a channel parser. Signals are
// immutable: the validator returns a ValidatedSignal carrying adjustments
// alongside the original rather than mutating it.
type Signal struct {
	ID         string    // UUIDv4 assigned by the parser registry
	ChannelID  string    // originating chat channel
	RawText    string    // message text as received
	ReceivedAt time.Time

	Symbol    string    // exchange form, e.g. "BTCUSDT"
	Direction Direction // Long or Short
	Entry     float64   // planned entry price, > 0
	StopLoss  float64   // stop as published, > 0
	Targets   []float64 // 1..N prices, monotonic in trade direction
	Leverage  int       // published leverage, > 0
}

// ValidatedSignal is a Signal plus the adjustments computed by the validator.
type ValidatedSignal struct {
	Signal

	AdjustedStopLoss float64  // stop after liquidation-safety substitution
	AdjustedLeverage int      // leverage after the configured cap
	LiquidationPrice float64  // estimated liquidation price at adjusted leverage
	RiskReward       float64  // |target[0]-entry| / |entry-adjustedStop|
	Warnings         []string // human-readable adjustment descriptions, in order
}

// ————————————————————————————————————————————————————————————————————————
// Symbols
// ————————————————————————————————————————————————————————————————————————

// SymbolInfo holds per-symbol precision and limits from exchange info.
type SymbolInfo struct {
	Symbol      string  // e.g. "BTCUSDT"
	TickSize    float64 // minimum price increment
	StepSize    float64 // minimum quantity increment
	MinQty      float64 // smallest tradable quantity
	MinNotional float64 // smallest order value in quote currency
	MaxLeverage int     // exchange cap for this symbol
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Target is a discrete profit-take level with an associated fraction of the
// position. Indices are stable for the lifetime of the position; the
// take-profit order id at TakeProfitOrderIDs[Index] on the Position belongs
// to this target.
type Target struct {
	Index            int       `json:"index"`    // 0-based, stable
	Price            float64   `json:"price"`    // trigger price
	Fraction         float64   `json:"fraction"` // share of initial quantity, sums to <= 1
	Quantity         float64   `json:"quantity"` // fraction × initial qty, step-rounded
	Hit              bool      `json:"hit"`
	HitAt            time.Time `json:"hit_at,omitempty"`
	ActualClosePrice float64   `json:"actual_close_price,omitempty"` // fill average, or Price if unreported
	MoveStopLossTo   float64   `json:"move_stop_loss_to,omitempty"`  // 0 = no migration after this target
}

// Position is a live exposure on the exchange managed by the bot. Mutated
// only by the trader during opening and by the position manager afterwards;
// persisted on every state transition.
type Position struct {
	ID        string         `json:"id"`
	SignalID  string         `json:"signal_id"`
	Symbol    string         `json:"symbol"`
	Direction Direction      `json:"direction"`
	Status    PositionStatus `json:"status"`

	PlannedEntry float64 `json:"planned_entry"`
	ActualEntry  float64 `json:"actual_entry"` // filled average, 0 until entry fills
	StopLoss     float64 `json:"stop_loss"`    // current protective stop price
	Leverage     int     `json:"leverage"`

	InitialQuantity   float64 `json:"initial_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`

	Targets []Target `json:"targets"`

	EntryOrderID       string   `json:"entry_order_id,omitempty"`
	StopLossOrderID    string   `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderIDs []string `json:"take_profit_order_ids,omitempty"` // aligned with Targets by index, "" = placement failed

	CreatedAt time.Time `json:"created_at"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`

	RealizedPnL float64     `json:"realized_pnl"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
}

// Clone returns a deep copy so store readers never alias live state.
func (p *Position) Clone() *Position {
	cp := *p
	cp.Targets = make([]Target, len(p.Targets))
	copy(cp.Targets, p.Targets)
	cp.TakeProfitOrderIDs = make([]string, len(p.TakeProfitOrderIDs))
	copy(cp.TakeProfitOrderIDs, p.TakeProfitOrderIDs)
	return &cp
}

// TradeRecord is the append-only archive entry for a closed position.
type TradeRecord struct {
	PositionID  string      `json:"position_id"`
	Symbol      string      `json:"symbol"`
	Direction   Direction   `json:"direction"`
	EntryPrice  float64     `json:"entry_price"`
	ExitPrice   float64     `json:"exit_price"` // weighted average across exits
	RealizedPnL float64     `json:"realized_pnl"`
	CloseReason CloseReason `json:"close_reason"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    time.Time   `json:"closed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange payloads
// ————————————————————————————————————————————————————————————————————————

// OrderResult is the outcome of a single order placement. Rejections are
// data, not errors: Success=false with Error set means the exchange said no;
// a Go error from the client means the request itself failed.
type OrderResult struct {
	Success      bool
	OrderID      string
	AvgFillPrice float64 // entry market orders: filled average; 0 for stop/TP placement
	FilledQty    float64 // executed quantity for market orders
	Error        string  // exchange rejection message, empty on success
}

// OrderUpdateStatus enumerates the order states reported on the user stream.
type OrderUpdateStatus string

const (
	OrderNew             OrderUpdateStatus = "NEW"
	OrderPartiallyFilled OrderUpdateStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderUpdateStatus = "FILLED"
	OrderCanceled        OrderUpdateStatus = "CANCELED"
	OrderExpired         OrderUpdateStatus = "EXPIRED"
	OrderRejected        OrderUpdateStatus = "REJECTED"
)

// OrderUpdate is one order lifecycle event from the exchange user-data
// stream. Only Filled events are routed to the position manager.
type OrderUpdate struct {
	Symbol       string
	OrderID      string
	Status       OrderUpdateStatus
	FilledQty    float64
	AveragePrice float64
	EventTime    time.Time
}
