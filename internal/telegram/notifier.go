package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signalbot/pkg/types"
)

// notify formats and sends one message to the operator chat. A zero
// NotifyChatID disables the notifier.
func (b *Bot) notify(format string, args ...any) {
	if b.cfg.NotifyChatID == 0 {
		return
	}
	text := fmt.Sprintf(format, args...)
	if _, err := b.api.Send(tgbotapi.NewMessage(b.cfg.NotifyChatID, text)); err != nil {
		b.logger.Warn("send notification", "error", err)
	}
}

// TargetHit implements manager.Notifier.
func (b *Bot) TargetHit(pos *types.Position, index int, fillPrice float64) {
	b.notify("🎯 %s %s target %d/%d filled at %.6g, remaining %.6g, PnL %+.2f",
		pos.Symbol, pos.Direction, index+1, len(pos.Targets),
		fillPrice, pos.RemainingQuantity, pos.RealizedPnL)
}

// StopMigrated implements manager.Notifier.
func (b *Bot) StopMigrated(pos *types.Position, from, to float64) {
	b.notify("🔒 %s stop moved %.6g → %.6g", pos.Symbol, from, to)
}

// PositionClosed implements manager.Notifier.
func (b *Bot) PositionClosed(pos *types.Position) {
	icon := "✅"
	if pos.RealizedPnL < 0 {
		icon = "🛑"
	}
	b.notify("%s %s %s closed (%s), PnL %+.2f",
		icon, pos.Symbol, pos.Direction, pos.CloseReason, pos.RealizedPnL)
}

// WatchModeChanges forwards operating-mode transitions to the operator chat
// until ctx is cancelled.
func (b *Bot) WatchModeChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-b.controller.Changes():
			b.notify("⚙️ Mode %s → %s: %s", ch.From, ch.To, ch.Reason)
		}
	}
}
