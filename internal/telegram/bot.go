// Package telegram is the bot's chat surface: it listens to configured
// signal channels, feeds their messages to the parser registry, notifies an
// operator chat about position lifecycle events, and serves operator
// commands.
//
// One bot connection serves all three roles.
package telegram

import (
	"context"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signalbot/internal/parser"
	"signalbot/internal/risk"
	"signalbot/internal/runner"
	"signalbot/internal/store"
)

// Config selects which chats matter.
type Config struct {
	SignalChannels map[string]string // chat id (decimal string) → parser name, informational
	NotifyChatID   int64             // 0 disables notifications
	AllowedUserIDs []int64           // users permitted to issue commands
}

// Bot wraps one Telegram connection.
type Bot struct {
	api        *tgbotapi.BotAPI
	cfg        Config
	parsers    *parser.Registry
	runner     *runner.Runner
	controller *risk.Controller
	cooldown   *risk.Cooldown
	positions  *store.PositionStore
	stats      *store.StatisticsStore
	logger     *slog.Logger
}

// New connects to the Telegram API.
func New(token string, cfg Config, parsers *parser.Registry, r *runner.Runner, ctrl *risk.Controller, cd *risk.Cooldown, positions *store.PositionStore, stats *store.StatisticsStore, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "telegram")
	logger.Info("telegram connected", "account", api.Self.UserName)

	return &Bot{
		api:        api,
		cfg:        cfg,
		parsers:    parsers,
		runner:     r,
		controller: ctrl,
		cooldown:   cd,
		positions:  positions,
		stats:      stats,
		logger:     logger,
	}, nil
}

// Run consumes updates until ctx is cancelled. Channel posts from the
// configured signal channels go to the parsers; commands from allowed users
// go to the command handlers; everything else is dropped.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			b.route(ctx, upd)
		}
	}
}

func (b *Bot) route(ctx context.Context, upd tgbotapi.Update) {
	// Channels deliver as ChannelPost, groups and DMs as Message.
	msg := upd.Message
	if msg == nil {
		msg = upd.ChannelPost
	}
	if msg == nil || msg.Text == "" {
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if _, ok := b.cfg.SignalChannels[chatID]; !ok {
		return
	}

	sig, ok := b.parsers.Parse(msg.Text, chatID)
	if !ok {
		return
	}
	if err := b.runner.HandleSignal(ctx, sig); err != nil {
		b.logger.Error("signal execution failed", "signal", sig.ID, "error", err)
		b.notify("⚠️ Signal %s %s failed: %v", sig.Symbol, sig.Direction, err)
	}
}

// allowed reports whether a user may issue commands.
func (b *Bot) allowed(userID int64) bool {
	for _, id := range b.cfg.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// reply sends a plain-text answer into the chat a command came from.
func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("send reply", "error", err)
	}
}
