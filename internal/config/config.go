// Package config defines all configuration for the signal bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SIGBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"signalbot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Mode      string          `mapstructure:"mode"` // startup operating mode
	API       APIConfig       `mapstructure:"api"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Symbols   SymbolsConfig   `mapstructure:"symbols"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Entry     EntryConfig     `mapstructure:"entry"`
	Duplicate DuplicateConfig `mapstructure:"duplicate"`
	Cooldown  CooldownConfig  `mapstructure:"cooldown"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// APIConfig holds exchange endpoints and credentials.
// Key and Secret should come from SIGBOT_API_KEY / SIGBOT_API_SECRET.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"` // futures REST, e.g. https://fapi.binance.com
	WSURL   string `mapstructure:"ws_url"`   // user-data stream, e.g. wss://fstream.binance.com/ws
	Key     string `mapstructure:"key"`
	Secret  string `mapstructure:"secret"`
}

// TelegramConfig wires the single bot connection serving three roles:
// channel listener (signal intake), notifier, and command surface.
//
//   - SignalChannels: chat IDs whose plain messages are fed to the parsers,
//     mapped to the parser name registered for that channel.
//   - NotifyChatID: destination for lifecycle notifications. 0 disables.
//   - AllowedUserIDs: users permitted to issue commands.
type TelegramConfig struct {
	Token          string            `mapstructure:"token"`
	SignalChannels map[string]string `mapstructure:"signal_channels"` // channel ID → parser name
	NotifyChatID   int64             `mapstructure:"notify_chat_id"`
	AllowedUserIDs []int64           `mapstructure:"allowed_user_ids"`
}

// SymbolsConfig controls symbol normalization and margin handling.
// Signals may publish BASE+SignalSuffix while the account trades
// BASE+ExecutionSuffix (e.g. BTCUSDT published, BTCUSDC traded).
type SymbolsConfig struct {
	SignalSuffix    string        `mapstructure:"signal_suffix"`    // quote suffix used by channels
	ExecutionSuffix string        `mapstructure:"execution_suffix"` // quote suffix traded on the account
	QuoteCurrency   string        `mapstructure:"quote_currency"`   // balance asset, e.g. USDT
	MarginType      string        `mapstructure:"margin_type"`      // ISOLATED or CROSSED
	RefreshInterval time.Duration `mapstructure:"refresh_interval"` // exchange-info cache refresh
}

// RiskConfig tunes the validator's stop-loss and leverage adjustment.
//
//   - MaxLeverage: hard cap applied over the published leverage.
//   - UseSignalLeverage: take min(published, cap) instead of always the cap.
//   - StopLossMode: FROM_SIGNAL trusts the published stop when it clears the
//     liquidation price; CALCULATE always derives one.
//   - SafeDistanceFraction: where the derived stop sits between entry and
//     liquidation (0.4 = 40% of the way).
//   - MaintenanceBuffer: haircut on the 1/leverage liquidation distance.
type RiskConfig struct {
	MaxLeverage          int     `mapstructure:"max_leverage"`
	UseSignalLeverage    bool    `mapstructure:"use_signal_leverage"`
	StopLossMode         string  `mapstructure:"stop_loss_mode"`
	SafeDistanceFraction float64 `mapstructure:"safe_distance_fraction"`
	MaintenanceBuffer    float64 `mapstructure:"maintenance_buffer"`
}

// SizingConfig selects how position size is derived and caps the portfolio.
// Limits are applied in order: min-notional floor, absolute max, per-position
// equity percent, remaining total-exposure headroom.
type SizingConfig struct {
	Mode                    string             `mapstructure:"mode"` // RISK_PERCENT, FIXED_AMOUNT, FIXED_MARGIN, FIXED_QUANTITY
	RiskPercent             float64            `mapstructure:"risk_percent"`
	FixedAmount             float64            `mapstructure:"fixed_amount"`
	FixedAmountPerSymbol    map[string]float64 `mapstructure:"fixed_amount_per_symbol"`
	FixedMargin             float64            `mapstructure:"fixed_margin"`
	FixedQuantity           float64            `mapstructure:"fixed_quantity"`
	MaxNotional             float64            `mapstructure:"max_notional"`
	MaxPositionPercent      float64            `mapstructure:"max_position_percent"`
	MaxTotalExposurePercent float64            `mapstructure:"max_total_exposure_percent"`
}

// EntryConfig is the price-deviation policy applied before entering.
type EntryConfig struct {
	MaxDeviationPercent float64       `mapstructure:"max_deviation_percent"`
	DeviationAction     string        `mapstructure:"deviation_action"` // SKIP, ENTER_AT_MARKET, ADJUST_TARGETS, LIMIT_AT_ENTRY
	LimitTTL            time.Duration `mapstructure:"limit_ttl"`
	TargetFractions     []float64     `mapstructure:"target_fractions"` // share per target, padded/truncated to target count
	BreakevenMigration  bool          `mapstructure:"breakeven_migration"`
}

// DuplicateConfig handles a new signal for a symbol that already has an
// open position.
type DuplicateConfig struct {
	SameDirection     string        `mapstructure:"same_direction"`     // IGNORE, OPEN_NEW, UPDATE_TARGETS, CLOSE_AND_REOPEN
	OppositeDirection string        `mapstructure:"opposite_direction"` // IGNORE, CLOSE_ONLY, REVERSE
	MaxPerSymbol      int           `mapstructure:"max_per_symbol"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
}

// CooldownConfig governs the refusal window after losing trades.
type CooldownConfig struct {
	ShortDuration       time.Duration `mapstructure:"short_duration"`
	LongDuration        time.Duration `mapstructure:"long_duration"`
	LiquidationDuration time.Duration `mapstructure:"liquidation_duration"`
	LongThreshold       int           `mapstructure:"long_threshold"` // consecutive losses that switch to the long window
	WinsToReset         int           `mapstructure:"wins_to_reset"`
	ReduceAfterLosses   bool          `mapstructure:"reduce_after_losses"`
	SizeMultipliers     []float64     `mapstructure:"size_multipliers"` // multipliers for 1, 2, ≥3 consecutive losses
}

// EmergencyConfig triggers EmergencyStop when session losses breach limits.
type EmergencyConfig struct {
	MaxDailyLossPercent   float64       `mapstructure:"max_daily_loss_percent"`
	MaxSessionLossPercent float64       `mapstructure:"max_session_loss_percent"`
	CloseAllOnEmergency   bool          `mapstructure:"close_all_on_emergency"`
	MaxConcurrent         int           `mapstructure:"max_concurrent_positions"`
	ReconcileInterval     time.Duration `mapstructure:"reconcile_interval"`
}

// RetryConfig bounds exchange call retries in the trader.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"` // linear: attempt n waits n × Backoff
}

// StoreConfig sets where position and statistics data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only status server. With an empty
// AllowedOrigins list, only local and same-host origins may open the
// websocket stream.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SIGBOT_API_KEY, SIGBOT_API_SECRET, SIGBOT_TELEGRAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIGBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SIGBOT_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	if secret := os.Getenv("SIGBOT_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if tok := os.Getenv("SIGBOT_TELEGRAM_TOKEN"); tok != "" {
		cfg.Telegram.Token = tok
	}
	if os.Getenv("SIGBOT_DRY_RUN") == "true" || os.Getenv("SIGBOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills zero values that have sensible operational defaults.
// Required fields (credentials, URLs) stay empty and fail in Validate.
func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = string(types.ModeAutomatic)
	}
	if cfg.Symbols.QuoteCurrency == "" {
		cfg.Symbols.QuoteCurrency = "USDT"
	}
	if cfg.Symbols.SignalSuffix == "" {
		cfg.Symbols.SignalSuffix = "USDT"
	}
	if cfg.Symbols.ExecutionSuffix == "" {
		cfg.Symbols.ExecutionSuffix = cfg.Symbols.SignalSuffix
	}
	if cfg.Symbols.MarginType == "" {
		cfg.Symbols.MarginType = string(types.MarginIsolated)
	}
	if cfg.Symbols.RefreshInterval == 0 {
		cfg.Symbols.RefreshInterval = time.Hour
	}
	if cfg.Risk.SafeDistanceFraction == 0 {
		cfg.Risk.SafeDistanceFraction = 0.4
	}
	if cfg.Risk.MaintenanceBuffer == 0 {
		cfg.Risk.MaintenanceBuffer = 0.02
	}
	if cfg.Risk.StopLossMode == "" {
		cfg.Risk.StopLossMode = string(types.StopFromSignal)
	}
	if cfg.Sizing.Mode == "" {
		cfg.Sizing.Mode = string(types.SizeRiskPercent)
	}
	if cfg.Entry.DeviationAction == "" {
		cfg.Entry.DeviationAction = string(types.DeviationEnterAtMarket)
	}
	if cfg.Duplicate.SameDirection == "" {
		cfg.Duplicate.SameDirection = string(types.SameIgnore)
	}
	if cfg.Duplicate.OppositeDirection == "" {
		cfg.Duplicate.OppositeDirection = string(types.OppositeIgnore)
	}
	if cfg.Duplicate.MaxPerSymbol == 0 {
		cfg.Duplicate.MaxPerSymbol = 1
	}
	if cfg.Duplicate.MinInterval == 0 {
		cfg.Duplicate.MinInterval = time.Minute
	}
	if cfg.Cooldown.ShortDuration == 0 {
		cfg.Cooldown.ShortDuration = 30 * time.Minute
	}
	if cfg.Cooldown.LongDuration == 0 {
		cfg.Cooldown.LongDuration = 2 * time.Hour
	}
	if cfg.Cooldown.LiquidationDuration == 0 {
		cfg.Cooldown.LiquidationDuration = 6 * time.Hour
	}
	if cfg.Cooldown.LongThreshold == 0 {
		cfg.Cooldown.LongThreshold = 3
	}
	if cfg.Cooldown.WinsToReset == 0 {
		cfg.Cooldown.WinsToReset = 2
	}
	if len(cfg.Cooldown.SizeMultipliers) == 0 {
		cfg.Cooldown.SizeMultipliers = []float64{0.75, 0.5, 0.25}
	}
	if cfg.Emergency.MaxConcurrent == 0 {
		cfg.Emergency.MaxConcurrent = 5
	}
	if cfg.Emergency.ReconcileInterval == 0 {
		cfg.Emergency.ReconcileInterval = time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Backoff == 0 {
		cfg.Retry.Backoff = 500 * time.Millisecond
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.API.Key == "" || c.API.Secret == "" {
			return fmt.Errorf("api.key and api.secret are required (set SIGBOT_API_KEY / SIGBOT_API_SECRET)")
		}
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	switch types.OperatingMode(c.Mode) {
	case types.ModeAutomatic, types.ModeMonitorOnly, types.ModePaused:
	default:
		return fmt.Errorf("mode must be AUTOMATIC, MONITOR_ONLY or PAUSED, got %q", c.Mode)
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	switch types.StopLossMode(c.Risk.StopLossMode) {
	case types.StopFromSignal, types.StopCalculate:
	default:
		return fmt.Errorf("risk.stop_loss_mode must be FROM_SIGNAL or CALCULATE, got %q", c.Risk.StopLossMode)
	}
	if c.Risk.SafeDistanceFraction <= 0 || c.Risk.SafeDistanceFraction >= 1 {
		return fmt.Errorf("risk.safe_distance_fraction must be in (0, 1)")
	}
	switch types.SizingMode(c.Sizing.Mode) {
	case types.SizeRiskPercent:
		if c.Sizing.RiskPercent <= 0 {
			return fmt.Errorf("sizing.risk_percent must be > 0 in RISK_PERCENT mode")
		}
	case types.SizeFixedAmount:
		if c.Sizing.FixedAmount <= 0 && len(c.Sizing.FixedAmountPerSymbol) == 0 {
			return fmt.Errorf("sizing.fixed_amount must be > 0 in FIXED_AMOUNT mode")
		}
	case types.SizeFixedMargin:
		if c.Sizing.FixedMargin <= 0 {
			return fmt.Errorf("sizing.fixed_margin must be > 0 in FIXED_MARGIN mode")
		}
	case types.SizeFixedQuantity:
		if c.Sizing.FixedQuantity <= 0 {
			return fmt.Errorf("sizing.fixed_quantity must be > 0 in FIXED_QUANTITY mode")
		}
	default:
		return fmt.Errorf("sizing.mode %q is not supported", c.Sizing.Mode)
	}
	switch types.DeviationAction(c.Entry.DeviationAction) {
	case types.DeviationSkip, types.DeviationEnterAtMarket, types.DeviationAdjustTargets:
	case types.DeviationLimitAtEntry:
		// Declared in the policy surface but not implemented by the trader:
		// positions would be cancelled instead of silently entering at market.
		return fmt.Errorf("entry.deviation_action LIMIT_AT_ENTRY is not implemented")
	default:
		return fmt.Errorf("entry.deviation_action %q is not supported", c.Entry.DeviationAction)
	}
	if sum := sumFractions(c.Entry.TargetFractions); sum > 1.0001 {
		return fmt.Errorf("entry.target_fractions sum to %.4f, must be <= 1", sum)
	}
	switch types.SameDirectionPolicy(c.Duplicate.SameDirection) {
	case types.SameIgnore, types.SameOpenNew, types.SameUpdateTargets, types.SameCloseAndReopen:
	default:
		return fmt.Errorf("duplicate.same_direction %q is not supported", c.Duplicate.SameDirection)
	}
	switch types.OppositeDirectionPolicy(c.Duplicate.OppositeDirection) {
	case types.OppositeIgnore, types.OppositeCloseOnly, types.OppositeReverse:
	default:
		return fmt.Errorf("duplicate.opposite_direction %q is not supported", c.Duplicate.OppositeDirection)
	}
	switch types.MarginType(c.Symbols.MarginType) {
	case types.MarginIsolated, types.MarginCross:
	default:
		return fmt.Errorf("symbols.margin_type must be ISOLATED or CROSSED, got %q", c.Symbols.MarginType)
	}
	for _, m := range c.Cooldown.SizeMultipliers {
		if m <= 0 || m > 1 {
			return fmt.Errorf("cooldown.size_multipliers must be in (0, 1], got %v", m)
		}
	}
	if c.Emergency.MaxConcurrent <= 0 {
		return fmt.Errorf("emergency.max_concurrent_positions must be > 0")
	}
	return nil
}

func sumFractions(fs []float64) float64 {
	var sum float64
	for _, f := range fs {
		sum += f
	}
	return sum
}
