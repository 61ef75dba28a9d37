// formats.go holds the built-in channel formats.
//
// Two formats cover the channels the bot currently follows:
//
//   - standard: labelled multi-line messages
//
//     #BTC/USDT LONG
//     Entry: 42000
//     Stop Loss: 40000
//     Targets: 43000, 44000, 45000
//     Leverage: 10x
//
//   - compact: single-line shorthand
//
//     LONG BTCUSDT e=42000 sl=40000 tp=43000,44000,45000 lev=10
//
// Both tolerate surrounding chatter, emoji, and number separators; anything
// that does not yield the full field set is not a signal.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"signalbot/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// standard format
// ————————————————————————————————————————————————————————————————————————

var (
	stdHeaderRe   = regexp.MustCompile(`(?im)^\s*#?\s*([A-Z0-9]+(?:/[A-Z0-9]+)?)\s+(LONG|SHORT|BUY|SELL)\b`)
	stdEntryRe    = regexp.MustCompile(`(?im)^\s*Entry(?:\s*(?:Zone|Price))?\s*[:=]\s*\$?([0-9][0-9,]*\.?[0-9]*)`)
	stdStopRe     = regexp.MustCompile(`(?im)^\s*(?:Stop\s*Loss|Stoploss|SL)\s*[:=]\s*\$?([0-9][0-9,]*\.?[0-9]*)`)
	stdTargetsRe  = regexp.MustCompile(`(?im)^\s*(?:Targets?|Take\s*Profits?|TPs?)\s*[:=]\s*(.+)$`)
	stdLeverageRe = regexp.MustCompile(`(?im)^\s*Leverage\s*[:=]\s*(?:Cross\s*|Isolated\s*)?([0-9]+)\s*x?`)
	numberRe      = regexp.MustCompile(`[0-9][0-9,]*\.?[0-9]*`)
)

// StandardParser handles labelled multi-line signal messages.
type StandardParser struct{}

func (StandardParser) Name() string { return "standard" }

func (StandardParser) TryParse(text string) *Draft {
	header := stdHeaderRe.FindStringSubmatch(text)
	entry := stdEntryRe.FindStringSubmatch(text)
	stop := stdStopRe.FindStringSubmatch(text)
	targets := stdTargetsRe.FindStringSubmatch(text)
	leverage := stdLeverageRe.FindStringSubmatch(text)
	if header == nil || entry == nil || stop == nil || targets == nil || leverage == nil {
		return nil
	}

	lev, err := strconv.Atoi(leverage[1])
	if err != nil {
		return nil
	}

	return &Draft{
		Symbol:    header[1],
		Direction: parseDirection(header[2]),
		Entry:     parseNumber(entry[1]),
		StopLoss:  parseNumber(stop[1]),
		Targets:   parseNumberList(targets[1]),
		Leverage:  lev,
	}
}

// ————————————————————————————————————————————————————————————————————————
// compact format
// ————————————————————————————————————————————————————————————————————————

var compactRe = regexp.MustCompile(
	`(?i)\b(LONG|SHORT)\s+([A-Z0-9/]+)\s+e(?:ntry)?=([0-9.]+)\s+sl=([0-9.]+)\s+tp=([0-9.,]+)\s+lev=([0-9]+)`)

// CompactParser handles the single-line shorthand format.
type CompactParser struct{}

func (CompactParser) Name() string { return "compact" }

func (CompactParser) TryParse(text string) *Draft {
	m := compactRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}

	lev, err := strconv.Atoi(m[6])
	if err != nil {
		return nil
	}

	return &Draft{
		Symbol:    m[2],
		Direction: parseDirection(m[1]),
		Entry:     parseNumber(m[3]),
		StopLoss:  parseNumber(m[4]),
		Targets:   parseNumberList(m[5]),
		Leverage:  lev,
	}
}

// ————————————————————————————————————————————————————————————————————————
// shared helpers
// ————————————————————————————————————————————————————————————————————————

func parseDirection(s string) types.Direction {
	switch strings.ToUpper(s) {
	case "SHORT", "SELL":
		return types.Short
	default:
		return types.Long
	}
}

// parseNumber reads a decimal with optional thousands separators.
func parseNumber(s string) float64 {
	s = strings.ReplaceAll(s, ",", "")
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// listSepRe splits spaced lists: dashes and semicolons with any spacing,
// commas followed by whitespace, or plain whitespace runs. Commas WITHOUT
// trailing whitespace are left alone so "43,000 - 44,000" keeps its
// thousands separators.
var listSepRe = regexp.MustCompile(`\s*[-–;]\s*|,\s+|\s+`)

// parseNumberList extracts every number from a free-form list like
// "43,000 - 44,000 - 45,000", "43000, 44000, 45000 🎯", or "43000,44000".
func parseNumberList(s string) []float64 {
	s = strings.TrimSpace(s)
	var parts []string
	if strings.ContainsAny(s, " \t-–;") {
		parts = listSepRe.Split(s, -1)
	} else {
		parts = strings.Split(s, ",")
	}

	var out []float64
	for _, part := range parts {
		if m := numberRe.FindString(part); m != "" {
			if f := parseNumber(m); f > 0 {
				out = append(out, f)
			}
		}
	}
	return out
}
