// SignalBot — an automated futures trading bot driven by Telegram signals.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	parser/              — turns raw channel messages into structured signals
//	catalog/             — exchange-info cache: tradable symbols, price/quantity filters
//	validate/            — leverage capping and stop-loss validation against liquidation
//	risk/                — position sizing, loss cooldown, operating-mode controller
//	trader/              — opens positions: entry, protective stop, take-profit ladder
//	manager/             — reacts to fills: partial exits, stop migration, closes
//	runner/              — signal gate sequence, duplicate policy, reconciliation, emergency stop
//	exchange/            — Binance futures REST client, user-data WebSocket, rate limiting
//	store/               — JSON file persistence for positions and trade statistics
//	telegram/            — one bot connection: channel listener, notifier, command surface
//	api/                 — read-only dashboard: snapshot endpoint + websocket event stream
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalbot/internal/api"
	"signalbot/internal/catalog"
	"signalbot/internal/config"
	"signalbot/internal/exchange"
	"signalbot/internal/manager"
	"signalbot/internal/parser"
	"signalbot/internal/risk"
	"signalbot/internal/runner"
	"signalbot/internal/store"
	"signalbot/internal/telegram"
	"signalbot/internal/trader"
	"signalbot/internal/validate"
	"signalbot/pkg/types"
)

// notifierFanout forwards manager events to every registered sink. All sinks
// are added before anything runs, so no locking is needed.
type notifierFanout struct {
	sinks []manager.Notifier
}

func (f *notifierFanout) add(n manager.Notifier) { f.sinks = append(f.sinks, n) }

func (f *notifierFanout) TargetHit(pos *types.Position, index int, fillPrice float64) {
	for _, s := range f.sinks {
		s.TargetHit(pos, index, fillPrice)
	}
}

func (f *notifierFanout) StopMigrated(pos *types.Position, from, to float64) {
	for _, s := range f.sinks {
		s.StopMigrated(pos, from, to)
	}
}

func (f *notifierFanout) PositionClosed(pos *types.Position) {
	for _, s := range f.sinks {
		s.PositionClosed(pos)
	}
}

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SIGBOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exchange client.
	auth := exchange.NewAuth(cfg.API.Key, cfg.API.Secret)
	ex := exchange.NewBinance(cfg.API.BaseURL, auth, cfg.DryRun, logger)

	if err := ex.TestConnectivity(ctx); err != nil {
		return fmt.Errorf("exchange connectivity: %w", err)
	}

	// Symbol catalog.
	cat := catalog.New(ex, logger)
	if err := cat.Load(ctx); err != nil {
		return fmt.Errorf("load symbol catalog: %w", err)
	}
	go cat.Run(ctx, cfg.Symbols.RefreshInterval)

	// Persistence.
	positions, err := store.OpenPositions(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open position store: %w", err)
	}
	stats, err := store.OpenStatistics(cfg.Store.DataDir, nil)
	if err != nil {
		return fmt.Errorf("open statistics store: %w", err)
	}

	// Risk components.
	controller := risk.NewController(types.OperatingMode(cfg.Mode), logger)
	cooldown := risk.NewCooldown(risk.CooldownConfig{
		ShortDuration:       cfg.Cooldown.ShortDuration,
		LongDuration:        cfg.Cooldown.LongDuration,
		LiquidationDuration: cfg.Cooldown.LiquidationDuration,
		LongThreshold:       cfg.Cooldown.LongThreshold,
		WinsToReset:         cfg.Cooldown.WinsToReset,
		ReduceAfterLosses:   cfg.Cooldown.ReduceAfterLosses,
		SizeMultipliers:     cfg.Cooldown.SizeMultipliers,
	}, logger)
	sizer := risk.NewSizer(risk.SizerConfig{
		Mode:                    types.SizingMode(cfg.Sizing.Mode),
		RiskPercent:             cfg.Sizing.RiskPercent,
		FixedAmount:             cfg.Sizing.FixedAmount,
		FixedAmountPerSymbol:    cfg.Sizing.FixedAmountPerSymbol,
		FixedMargin:             cfg.Sizing.FixedMargin,
		FixedQuantity:           cfg.Sizing.FixedQuantity,
		MaxNotional:             cfg.Sizing.MaxNotional,
		MaxPositionPercent:      cfg.Sizing.MaxPositionPercent,
		MaxTotalExposurePercent: cfg.Sizing.MaxTotalExposurePercent,
	}, logger)

	validator := validate.New(validate.Config{
		MaxLeverage:          cfg.Risk.MaxLeverage,
		UseSignalLeverage:    cfg.Risk.UseSignalLeverage,
		StopLossMode:         types.StopLossMode(cfg.Risk.StopLossMode),
		SafeDistanceFraction: cfg.Risk.SafeDistanceFraction,
		MaintenanceBuffer:    cfg.Risk.MaintenanceBuffer,
	}, logger)

	// Execution chain. The fanout is filled in once the notification
	// surfaces exist below.
	notifiers := &notifierFanout{}
	tr := trader.New(trader.Config{
		MaxDeviationPercent: cfg.Entry.MaxDeviationPercent,
		DeviationAction:     types.DeviationAction(cfg.Entry.DeviationAction),
		TargetFractions:     cfg.Entry.TargetFractions,
		BreakevenMigration:  cfg.Entry.BreakevenMigration,
		MarginType:          types.MarginType(cfg.Symbols.MarginType),
		RetryAttempts:       cfg.Retry.MaxAttempts,
		RetryBackoff:        cfg.Retry.Backoff,
	}, ex, sizer, positions, logger)
	mg := manager.New(ex, positions, stats, cooldown, cat, notifiers, logger)

	rn := runner.New(runner.Config{
		QuoteCurrency:   cfg.Symbols.QuoteCurrency,
		SignalSuffix:    cfg.Symbols.SignalSuffix,
		ExecutionSuffix: cfg.Symbols.ExecutionSuffix,
		MaxConcurrent:   cfg.Emergency.MaxConcurrent,
		Duplicate: runner.DuplicateConfig{
			SameDirection:     types.SameDirectionPolicy(cfg.Duplicate.SameDirection),
			OppositeDirection: types.OppositeDirectionPolicy(cfg.Duplicate.OppositeDirection),
			MaxPerSymbol:      cfg.Duplicate.MaxPerSymbol,
			MinInterval:       cfg.Duplicate.MinInterval,
		},
		Emergency: runner.EmergencyConfig{
			MaxDailyLossPercent:   cfg.Emergency.MaxDailyLossPercent,
			MaxSessionLossPercent: cfg.Emergency.MaxSessionLossPercent,
			CloseAllOnEmergency:   cfg.Emergency.CloseAllOnEmergency,
		},
	}, ex, cat, validator, tr, mg, positions, stats, cooldown, controller, logger)

	if equity, err := ex.GetBalance(ctx, cfg.Symbols.QuoteCurrency); err != nil {
		logger.Warn("could not fetch start equity, loss limits inactive", "error", err)
	} else {
		rn.SetStartEquity(equity)
	}

	// Signal intake.
	parsers := parser.NewRegistry(cfg.Symbols.SignalSuffix, logger)
	parsers.Register(parser.StandardParser{})
	parsers.Register(parser.CompactParser{})

	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.New(cfg.Telegram.Token, telegram.Config{
			SignalChannels: cfg.Telegram.SignalChannels,
			NotifyChatID:   cfg.Telegram.NotifyChatID,
			AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
		}, parsers, rn, controller, cooldown, positions, stats, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		notifiers.add(bot)
		go bot.Run(ctx)
		go bot.WatchModeChanges(ctx)
	} else {
		logger.Warn("no telegram token configured, running without signal intake")
	}

	// Dashboard.
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, api.Deps{
			Positions:  positions,
			Stats:      stats,
			Controller: controller,
			Cooldown:   cooldown,
			DryRun:     cfg.DryRun,
		}, logger)
		notifiers.add(apiServer)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	// Order updates from the user-data stream feed the position manager.
	var updates <-chan types.OrderUpdate
	if cfg.API.WSURL != "" && !cfg.DryRun {
		stream := exchange.NewUserStream(cfg.API.WSURL, ex, logger)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("user stream stopped", "error", err)
			}
		}()
		updates = stream.Updates()
	} else {
		logger.Warn("user-data stream disabled, order fills will only be seen by reconciliation")
	}
	go rn.ConsumeEvents(ctx, updates)
	go rn.RunReconciliation(ctx, cfg.Emergency.ReconcileInterval)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("signal bot started",
		"mode", cfg.Mode,
		"sizing", cfg.Sizing.Mode,
		"max_concurrent", cfg.Emergency.MaxConcurrent,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	cancel()

	// Give in-flight exchange calls a moment before the process exits.
	time.Sleep(500 * time.Millisecond)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
