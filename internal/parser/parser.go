// Package parser converts free-form channel messages into typed signals.
//
// A collection of per-channel parsers is registered in order; the registry
// dispatches each raw message to the first parser that produces a result.
// Parsers are pure functions over the message text: they never fail loudly,
// they simply return nil for anything that is not a signal in their format.
package parser

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"signalbot/pkg/types"
)

// Draft is the raw parse result before the registry stamps identity and
// normalizes the symbol. Symbol may be a bare base asset ("BTC") or a
// slash/suffix form; the registry appends the configured quote suffix.
type Draft struct {
	Symbol    string // base asset or full pair, any case
	Direction types.Direction
	Entry     float64
	StopLoss  float64
	Targets   []float64
	Leverage  int
}

// Parser is one channel format. TryParse returns nil when the text is not a
// signal in this format; it never returns an error.
type Parser interface {
	Name() string
	TryParse(text string) *Draft
}

// Registry dispatches messages across the registered parsers.
type Registry struct {
	parsers     []Parser
	quoteSuffix string // appended to bare base symbols, e.g. "USDT"
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(quoteSuffix string, logger *slog.Logger) *Registry {
	return &Registry{
		quoteSuffix: strings.ToUpper(quoteSuffix),
		logger:      logger.With("component", "parser"),
	}
}

// Register appends a parser. Dispatch order is registration order.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Parse tries each parser in order and returns the first well-formed
// signal. The second return is false when no parser matched — the message
// is not a signal and is dropped with a debug log.
func (r *Registry) Parse(text, channelID string) (types.Signal, bool) {
	for _, p := range r.parsers {
		draft := p.TryParse(text)
		if draft == nil {
			continue
		}
		sig, ok := r.finalize(draft, text, channelID)
		if !ok {
			// Malformed output (non-monotonic targets, bad prices) is
			// treated exactly like "not a signal" for this parser.
			r.logger.Debug("parser output rejected", "parser", p.Name(), "channel", channelID)
			continue
		}
		r.logger.Info("signal parsed",
			"parser", p.Name(),
			"channel", channelID,
			"symbol", sig.Symbol,
			"direction", sig.Direction,
		)
		return sig, true
	}
	r.logger.Debug("message is not a signal", "channel", channelID)
	return types.Signal{}, false
}

// finalize normalizes the symbol, checks the numeric contract, and stamps
// identity. Entry, stop, and targets must be positive; targets must be
// monotonic in the direction of the trade.
func (r *Registry) finalize(d *Draft, text, channelID string) (types.Signal, bool) {
	symbol := normalizeSymbol(d.Symbol, r.quoteSuffix)
	if symbol == "" {
		return types.Signal{}, false
	}
	if d.Entry <= 0 || d.StopLoss <= 0 || len(d.Targets) == 0 || d.Leverage <= 0 {
		return types.Signal{}, false
	}
	for _, t := range d.Targets {
		if t <= 0 {
			return types.Signal{}, false
		}
	}
	if !targetsMonotonic(d.Targets, d.Direction) {
		return types.Signal{}, false
	}

	return types.Signal{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		RawText:    text,
		ReceivedAt: time.Now(),
		Symbol:     symbol,
		Direction:  d.Direction,
		Entry:      d.Entry,
		StopLoss:   d.StopLoss,
		Targets:    append([]float64(nil), d.Targets...),
		Leverage:   d.Leverage,
	}, true
}

// normalizeSymbol uppercases, strips slash separators, and appends the
// quote suffix to bare base assets: "btc/usdt" → "BTCUSDT", "BTC" → "BTCUSDT".
func normalizeSymbol(symbol, quoteSuffix string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.TrimPrefix(s, "#")
	if s == "" {
		return ""
	}
	if !strings.HasSuffix(s, quoteSuffix) {
		s += quoteSuffix
	}
	if s == quoteSuffix {
		return ""
	}
	return s
}

// targetsMonotonic checks that targets progress strictly in the trade's
// profit direction: ascending for longs, descending for shorts.
func targetsMonotonic(targets []float64, dir types.Direction) bool {
	for i := 1; i < len(targets); i++ {
		if dir == types.Long && targets[i] <= targets[i-1] {
			return false
		}
		if dir == types.Short && targets[i] >= targets[i-1] {
			return false
		}
	}
	return true
}
