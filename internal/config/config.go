package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

type GridType string

type ScalpingMode string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	GridFixedLong       GridType = "fixed-long"
	GridFixedShort      GridType = "fixed-short"
	GridFollowLong      GridType = "follow-long"
	GridFollowShort     GridType = "follow-short"
	GridMartingaleLong  GridType = "martingale-long"
	GridMartingaleShort GridType = "martingale-short"
)

const (
	ScalpingSimple ScalpingMode = "simple"
	ScalpingSmart  ScalpingMode = "smart"
)

func (t GridType) Long() bool {
	return t == GridFixedLong || t == GridFollowLong || t == GridMartingaleLong
}

func (t GridType) Follow() bool {
	return t == GridFollowLong || t == GridFollowShort
}

func (t GridType) Martingale() bool {
	return t == GridMartingaleLong || t == GridMartingaleShort
}

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Grid           GridConfig           `yaml:"grid"`
	Stream         StreamConfig         `yaml:"stream"`
	Health         HealthConfig         `yaml:"health"`
	Risk           RiskConfig           `yaml:"risk"`
	Engine         EngineConfig         `yaml:"engine"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	State          StateConfig          `yaml:"state"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	ID              string `yaml:"id"`
	Symbol          string `yaml:"symbol"`
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	RestBaseURL     string `yaml:"rest_base_url"`
	WSBaseURL       string `yaml:"ws_base_url"`
	RecvWindowMs    int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec  int64  `yaml:"http_timeout_sec"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
	Leverage        int    `yaml:"leverage"`
	MarginMode      string `yaml:"margin_mode"`
}

type GridConfig struct {
	Type             GridType `yaml:"type"`
	Interval         Decimal  `yaml:"interval"`
	Amount           Decimal  `yaml:"amount"`
	LowerPrice       Decimal  `yaml:"lower_price"`
	UpperPrice       Decimal  `yaml:"upper_price"`
	GridCount        int      `yaml:"grid_count"`
	FollowDistance   Decimal  `yaml:"follow_distance"`
	FollowTimeoutSec int64    `yaml:"follow_timeout_sec"`
	PriceOffsetGrids int      `yaml:"price_offset_grids"`
	PriceDecimals    int32    `yaml:"price_decimals"`
	QtyDecimals      int32    `yaml:"qty_decimals"`
	FeeRate          Decimal  `yaml:"fee_rate"`
	Multiplier       Decimal  `yaml:"multiplier"`
}

type StreamConfig struct {
	HeartbeatIntervalSec      int64 `yaml:"heartbeat_interval_sec"`
	HeartbeatMaxMissed        int   `yaml:"heartbeat_max_missed"`
	ReconnectInitialBackoffMs int64 `yaml:"reconnect_initial_backoff_ms"`
	ReconnectMaxBackoffSec    int64 `yaml:"reconnect_max_backoff_sec"`
}

type HealthConfig struct {
	IntervalSec       int64   `yaml:"interval_sec"`
	ConfirmSnapshots  int     `yaml:"confirm_snapshots"`
	PositionTolerance Decimal `yaml:"position_tolerance"`
}

type RiskConfig struct {
	StopLoss          StopLossConfig          `yaml:"stop_loss"`
	CapitalProtection CapitalProtectionConfig `yaml:"capital_protection"`
	TakeProfit        TakeProfitConfig        `yaml:"take_profit"`
	PriceLock         PriceLockConfig         `yaml:"price_lock"`
	Scalping          ScalpingConfig          `yaml:"scalping"`
}

type StopLossConfig struct {
	Enabled          bool    `yaml:"enabled"`
	TriggerPercent   Decimal `yaml:"trigger_percent"`
	EscapeTimeoutSec int64   `yaml:"escape_timeout_sec"`
}

type CapitalProtectionConfig struct {
	Enabled        bool    `yaml:"enabled"`
	TriggerPercent Decimal `yaml:"trigger_percent"`
}

type TakeProfitConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Percentage Decimal `yaml:"percentage"`
}

type PriceLockConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold Decimal `yaml:"threshold"`
}

type ScalpingConfig struct {
	Enabled          bool         `yaml:"enabled"`
	Mode             ScalpingMode `yaml:"mode"`
	TakePercent      Decimal      `yaml:"take_percent"`
	AllowedDeepDrops int          `yaml:"allowed_deep_drops"`
}

type EngineConfig struct {
	TickIntervalMs      int64 `yaml:"tick_interval_ms"`
	CancelRetries       int   `yaml:"cancel_retries"`
	ClosePositionOnExit bool  `yaml:"close_position_on_exit"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type StateConfig struct {
	Dir string `yaml:"dir"`
}

type ObservabilityConfig struct {
	Log      LogConfig      `yaml:"log"`
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    *bool  `yaml:"console"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

// Load reads a single-document YAML file, overlays credentials from the
// environment, applies defaults, and validates the result. The returned
// config is immutable by convention after this point.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.overlayEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.ID = strings.ToLower(strings.TrimSpace(c.Exchange.ID))
	c.Exchange.Symbol = strings.ToUpper(strings.TrimSpace(c.Exchange.Symbol))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.MarginMode = strings.ToUpper(strings.TrimSpace(c.Exchange.MarginMode))
	c.Grid.Type = GridType(strings.ToLower(strings.TrimSpace(string(c.Grid.Type))))
	c.Risk.Scalping.Mode = ScalpingMode(strings.ToLower(strings.TrimSpace(string(c.Risk.Scalping.Mode))))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Log.Level = strings.ToLower(strings.TrimSpace(c.Observability.Log.Level))
	c.Observability.Log.File = strings.TrimSpace(c.Observability.Log.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

// overlayEnv lets credentials live outside the config file. GRIDTRADER_API_KEY
// and GRIDTRADER_API_SECRET win over YAML values when set.
func (c *Config) overlayEnv() {
	if v := strings.TrimSpace(os.Getenv("GRIDTRADER_API_KEY")); v != "" {
		c.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GRIDTRADER_API_SECRET")); v != "" {
		c.Exchange.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("GRIDTRADER_TELEGRAM_BOT_TOKEN")); v != "" {
		c.Observability.Telegram.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("GRIDTRADER_TELEGRAM_CHAT_ID")); v != "" {
		c.Observability.Telegram.ChatID = v
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTestnet
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.ID == "" {
		c.Exchange.ID = "binance"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RateLimitPerSec == 0 {
		c.Exchange.RateLimitPerSec = 8
	}
	if c.Exchange.RateLimitBurst == 0 {
		c.Exchange.RateLimitBurst = 16
	}
	if c.Exchange.Leverage == 0 {
		c.Exchange.Leverage = 1
	}
	if c.Exchange.MarginMode == "" {
		c.Exchange.MarginMode = "CROSS"
	}
	if c.Exchange.RestBaseURL == "" && c.Exchange.ID == "binance" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binancefuture.com"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://fapi.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" && c.Exchange.ID == "binance" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://stream.binancefuture.com"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://fstream.binance.com"
		}
	}
	if c.Grid.Multiplier.Cmp(decimal.Zero) == 0 {
		c.Grid.Multiplier = FromDecimal(decimal.NewFromInt(1))
	}
	if c.Grid.GridCount == 0 && c.Grid.Interval.Cmp(decimal.Zero) > 0 &&
		c.Grid.UpperPrice.Cmp(c.Grid.LowerPrice.Decimal) > 0 {
		span := c.Grid.UpperPrice.Sub(c.Grid.LowerPrice.Decimal)
		c.Grid.GridCount = int(span.Div(c.Grid.Interval.Decimal).IntPart())
	}
	if c.Grid.PriceOffsetGrids == 0 && c.Grid.Type.Follow() {
		c.Grid.PriceOffsetGrids = 1
	}
	if c.Grid.FollowTimeoutSec == 0 && c.Grid.Type.Follow() {
		c.Grid.FollowTimeoutSec = 300
	}
	if c.Stream.HeartbeatIntervalSec == 0 {
		c.Stream.HeartbeatIntervalSec = 30
	}
	if c.Stream.HeartbeatMaxMissed == 0 {
		c.Stream.HeartbeatMaxMissed = 3
	}
	if c.Stream.ReconnectInitialBackoffMs == 0 {
		c.Stream.ReconnectInitialBackoffMs = 1000
	}
	if c.Stream.ReconnectMaxBackoffSec == 0 {
		c.Stream.ReconnectMaxBackoffSec = 30
	}
	if c.Health.IntervalSec == 0 {
		c.Health.IntervalSec = 30
	}
	if c.Health.ConfirmSnapshots == 0 {
		c.Health.ConfirmSnapshots = 2
	}
	if c.Risk.StopLoss.EscapeTimeoutSec == 0 {
		c.Risk.StopLoss.EscapeTimeoutSec = 60
	}
	if c.Risk.Scalping.Mode == "" {
		c.Risk.Scalping.Mode = ScalpingSimple
	}
	if c.Risk.Scalping.AllowedDeepDrops == 0 {
		c.Risk.Scalping.AllowedDeepDrops = 3
	}
	if c.Engine.TickIntervalMs == 0 {
		c.Engine.TickIntervalMs = 500
	}
	if c.Engine.CancelRetries == 0 {
		c.Engine.CancelRetries = 3
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.MaxSizeMB == 0 {
		c.Observability.Log.MaxSizeMB = 50
	}
	if c.Observability.Log.MaxBackups == 0 {
		c.Observability.Log.MaxBackups = 5
	}
	if c.Observability.Log.MaxAgeDays == 0 {
		c.Observability.Log.MaxAgeDays = 14
	}
	if c.Observability.Log.Console == nil {
		enabled := true
		c.Observability.Log.Console = &enabled
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Exchange.ID == "" {
		return fmt.Errorf("exchange.id is required")
	}
	if c.Exchange.Symbol == "" {
		return fmt.Errorf("exchange.symbol is required")
	}
	if !isValidSymbol(c.Exchange.Symbol) {
		return fmt.Errorf("exchange.symbol must match [A-Z0-9], length 6..20")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required for %s mode", c.Mode)
	}
	if c.Exchange.RestBaseURL == "" || c.Exchange.WSBaseURL == "" {
		return fmt.Errorf("exchange rest_base_url/ws_base_url are required for %s mode", c.Mode)
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange.rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange.ws_base_url %v", err)
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange.recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange.http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RateLimitPerSec < 1 || c.Exchange.RateLimitPerSec > 100 {
		return fmt.Errorf("exchange.rate_limit_per_sec must be between 1 and 100")
	}
	if c.Exchange.RateLimitBurst < c.Exchange.RateLimitPerSec {
		return fmt.Errorf("exchange.rate_limit_burst must be >= rate_limit_per_sec")
	}
	if c.Exchange.Leverage < 1 || c.Exchange.Leverage > 125 {
		return fmt.Errorf("exchange.leverage must be between 1 and 125")
	}
	if c.Exchange.MarginMode != "CROSS" && c.Exchange.MarginMode != "ISOLATED" {
		return fmt.Errorf("exchange.margin_mode must be cross or isolated")
	}
	switch c.Grid.Type {
	case GridFixedLong, GridFixedShort, GridFollowLong, GridFollowShort,
		GridMartingaleLong, GridMartingaleShort:
	default:
		return fmt.Errorf("grid.type must be one of fixed-long, fixed-short, follow-long, follow-short, martingale-long, martingale-short")
	}
	if c.Grid.Interval.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid.interval must be > 0")
	}
	if c.Grid.Amount.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid.amount must be > 0")
	}
	if c.Grid.PriceDecimals < 0 {
		return fmt.Errorf("grid.price_decimals must be >= 0")
	}
	if c.Grid.QtyDecimals < 0 {
		return fmt.Errorf("grid.qty_decimals must be >= 0")
	}
	if c.Grid.FeeRate.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("grid.fee_rate must be >= 0")
	}
	if c.Grid.Type.Follow() {
		if c.Grid.GridCount < 1 {
			return fmt.Errorf("grid.grid_count must be >= 1 for follow grids")
		}
		if c.Grid.FollowDistance.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("grid.follow_distance must be > 0 for follow grids")
		}
		if c.Grid.PriceOffsetGrids < 0 {
			return fmt.Errorf("grid.price_offset_grids must be >= 0")
		}
		if c.Grid.FollowTimeoutSec < 1 || c.Grid.FollowTimeoutSec > 86400 {
			return fmt.Errorf("grid.follow_timeout_sec must be between 1 and 86400")
		}
	} else {
		if c.Grid.UpperPrice.Cmp(c.Grid.LowerPrice.Decimal) <= 0 {
			return fmt.Errorf("grid.upper_price must be > grid.lower_price")
		}
		if c.Grid.LowerPrice.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("grid.lower_price must be > 0")
		}
		span := c.Grid.UpperPrice.Sub(c.Grid.LowerPrice.Decimal)
		if !span.Mod(c.Grid.Interval.Decimal).IsZero() {
			return fmt.Errorf("grid price range must be an exact multiple of grid.interval")
		}
	}
	if c.Grid.Type.Martingale() && c.Grid.Multiplier.Cmp(decimal.NewFromInt(1)) < 0 {
		return fmt.Errorf("grid.multiplier must be >= 1 for martingale grids")
	}
	if c.Stream.HeartbeatIntervalSec < 1 || c.Stream.HeartbeatIntervalSec > 3600 {
		return fmt.Errorf("stream.heartbeat_interval_sec must be between 1 and 3600")
	}
	if c.Stream.HeartbeatMaxMissed < 1 || c.Stream.HeartbeatMaxMissed > 20 {
		return fmt.Errorf("stream.heartbeat_max_missed must be between 1 and 20")
	}
	if c.Stream.ReconnectInitialBackoffMs < 100 || c.Stream.ReconnectInitialBackoffMs > 60000 {
		return fmt.Errorf("stream.reconnect_initial_backoff_ms must be between 100 and 60000")
	}
	if c.Stream.ReconnectMaxBackoffSec < 1 || c.Stream.ReconnectMaxBackoffSec > 600 {
		return fmt.Errorf("stream.reconnect_max_backoff_sec must be between 1 and 600")
	}
	if c.Health.IntervalSec < 10 || c.Health.IntervalSec > 3600 {
		return fmt.Errorf("health.interval_sec must be between 10 and 3600")
	}
	if c.Health.ConfirmSnapshots < 2 || c.Health.ConfirmSnapshots > 10 {
		return fmt.Errorf("health.confirm_snapshots must be between 2 and 10")
	}
	if c.Health.PositionTolerance.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("health.position_tolerance must be >= 0")
	}
	if c.Risk.StopLoss.Enabled && c.Risk.StopLoss.TriggerPercent.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("risk.stop_loss.trigger_percent must be > 0 when enabled")
	}
	if c.Risk.StopLoss.EscapeTimeoutSec < 1 || c.Risk.StopLoss.EscapeTimeoutSec > 3600 {
		return fmt.Errorf("risk.stop_loss.escape_timeout_sec must be between 1 and 3600")
	}
	if c.Risk.CapitalProtection.Enabled {
		if c.Risk.CapitalProtection.TriggerPercent.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("risk.capital_protection.trigger_percent must be > 0 when enabled")
		}
		if c.Risk.StopLoss.Enabled &&
			c.Risk.CapitalProtection.TriggerPercent.Cmp(c.Risk.StopLoss.TriggerPercent.Decimal) >= 0 {
			return fmt.Errorf("risk.capital_protection.trigger_percent must be below risk.stop_loss.trigger_percent")
		}
	}
	if c.Risk.TakeProfit.Enabled && c.Risk.TakeProfit.Percentage.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("risk.take_profit.percentage must be > 0 when enabled")
	}
	if c.Risk.PriceLock.Enabled && c.Risk.PriceLock.Threshold.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("risk.price_lock.threshold must be > 0 when enabled")
	}
	if c.Risk.Scalping.Enabled {
		if c.Risk.Scalping.Mode != ScalpingSimple && c.Risk.Scalping.Mode != ScalpingSmart {
			return fmt.Errorf("risk.scalping.mode must be simple or smart")
		}
		if c.Risk.Scalping.TakePercent.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("risk.scalping.take_percent must be > 0 when enabled")
		}
		if c.Risk.Scalping.AllowedDeepDrops < 1 || c.Risk.Scalping.AllowedDeepDrops > 100 {
			return fmt.Errorf("risk.scalping.allowed_deep_drops must be between 1 and 100")
		}
	}
	if c.Engine.TickIntervalMs < 50 || c.Engine.TickIntervalMs > 60000 {
		return fmt.Errorf("engine.tick_interval_ms must be between 50 and 60000")
	}
	if c.Engine.CancelRetries < 1 || c.Engine.CancelRetries > 10 {
		return fmt.Errorf("engine.cancel_retries must be between 1 and 10")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}
	switch c.Observability.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log.level must be debug, info, warn, or error")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
