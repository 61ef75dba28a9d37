package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signalbot/pkg/types"
)

// handleCommand dispatches one operator command. Commands from users not in
// the allow-list are dropped silently.
func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || !b.allowed(msg.From.ID) {
		b.logger.Warn("command from unauthorized user", "user", userID(msg), "command", msg.Command())
		return
	}

	switch msg.Command() {
	case "status":
		b.reply(msg.Chat.ID, b.statusText())

	case "positions":
		b.reply(msg.Chat.ID, b.positionsText())

	case "stats":
		b.reply(msg.Chat.ID, b.statsText())

	case "pause":
		b.controller.SetMode(types.ModePaused, "operator /pause")
		b.reply(msg.Chat.ID, "Paused. No new signals, no automatic management.")

	case "monitor":
		b.controller.SetMode(types.ModeMonitorOnly, "operator /monitor")
		b.reply(msg.Chat.ID, "Monitor only. Existing positions stay managed, no new signals.")

	case "resume":
		b.controller.SetMode(types.ModeAutomatic, "operator /resume")
		b.reply(msg.Chat.ID, "Resumed. Accepting signals.")

	case "close":
		symbol := strings.TrimSpace(msg.CommandArguments())
		if symbol == "" {
			b.reply(msg.Chat.ID, "Usage: /close SYMBOL")
			return
		}
		if err := b.runner.CloseSymbol(ctx, strings.ToUpper(symbol)); err != nil {
			b.reply(msg.Chat.ID, fmt.Sprintf("Close failed: %v", err))
			return
		}
		b.reply(msg.Chat.ID, fmt.Sprintf("Closed %s at market.", strings.ToUpper(symbol)))

	case "closeall":
		closed, err := b.runner.CloseAll(ctx)
		if err != nil {
			b.reply(msg.Chat.ID, fmt.Sprintf("Closed %d position(s); first error: %v", closed, err))
			return
		}
		b.reply(msg.Chat.ID, fmt.Sprintf("Closed %d position(s) at market.", closed))

	case "stop":
		// Hard stop: flatten everything and halt until /resume.
		closed, err := b.runner.CloseAll(ctx)
		b.controller.SetMode(types.ModeEmergencyStop, "operator /stop")
		if err != nil {
			b.reply(msg.Chat.ID, fmt.Sprintf("Emergency stop. Closed %d position(s); first error: %v", closed, err))
			return
		}
		b.reply(msg.Chat.ID, fmt.Sprintf("Emergency stop. Closed %d position(s).", closed))

	case "resetcooldown":
		b.cooldown.ForceReset()
		b.reply(msg.Chat.ID, "Cooldown and loss streak reset.")

	default:
		b.reply(msg.Chat.ID, "Commands: /status /positions /stats /pause /monitor /resume /close /closeall /stop /resetcooldown")
	}
}

func (b *Bot) statusText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mode: %s\n", b.controller.Mode())
	fmt.Fprintf(&sb, "Open positions: %d\n", len(b.positions.ListOpen()))

	st := b.cooldown.State()
	if !st.CooldownUntil.IsZero() {
		fmt.Fprintf(&sb, "Cooldown until %s (%s)\n", st.CooldownUntil.Format("15:04:05 MST"), st.Reason)
	}
	if st.ConsecutiveLosses > 0 {
		fmt.Fprintf(&sb, "Consecutive losses: %d\n", st.ConsecutiveLosses)
	}

	day := b.stats.Summarize("24h")
	fmt.Fprintf(&sb, "24h: %d trades, PnL %+.2f", day.Trades, day.RealizedPnL)
	return sb.String()
}

func (b *Bot) positionsText() string {
	open := b.positions.ListOpen()
	if len(open) == 0 {
		return "No open positions."
	}

	var sb strings.Builder
	for _, p := range open {
		hit := 0
		for _, tg := range p.Targets {
			if tg.Hit {
				hit++
			}
		}
		fmt.Fprintf(&sb, "%s %s %s  entry %.6g  stop %.6g  qty %.6g  targets %d/%d  PnL %+.2f\n",
			p.Symbol, p.Direction, p.Status, p.ActualEntry, p.StopLoss,
			p.RemainingQuantity, hit, len(p.Targets), p.RealizedPnL)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) statsText() string {
	var sb strings.Builder
	for _, w := range b.stats.Windows() {
		s := b.stats.Summarize(w)
		fmt.Fprintf(&sb, "%s: %d trades, %d wins / %d losses", w, s.Trades, s.Wins, s.Losses)
		if s.Wins+s.Losses > 0 {
			fmt.Fprintf(&sb, " (%.0f%%)", s.WinRate*100)
		}
		fmt.Fprintf(&sb, ", PnL %+.2f\n", s.RealizedPnL)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func userID(msg *tgbotapi.Message) int64 {
	if msg.From == nil {
		return 0
	}
	return msg.From.ID
}
