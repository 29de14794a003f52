// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PERP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects between paper trading against live prices and real order flow.
type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      Mode            `mapstructure:"mode"`
	API       APIConfig       `mapstructure:"api"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// APIConfig holds exchange endpoints and credentials. Key/Secret sign
// REST requests (HMAC-SHA-256); both may be empty in test mode.
type APIConfig struct {
	Key         string        `mapstructure:"key"`
	Secret      string        `mapstructure:"secret"`
	BaseRestURL string        `mapstructure:"base_rest_url"`
	BaseWsURL   string        `mapstructure:"base_ws_url"`
	RecvWindow  time.Duration `mapstructure:"recv_window"`
}

// TradingConfig tunes sizing and the two strategy variants.
//
//   - MaxTraders: global cap on concurrently running traders.
//   - EquityFraction: share of equity the grid sizing formula may commit.
//   - LevelSpacingPercent: grid entry offset from the base price.
//   - TakeProfitPercent / StopLossPercent: grid exits, referenced from the
//     entry fill.
//   - VolatilityTakeProfitPercent / VolatilityStopLossPercent: volatility
//     exits, referenced from the base price.
//   - FeeRate / SlippageRate: simulator taker fee and market-order slippage.
//   - TradingWindowStartHour / TradingWindowEndHour: UTC hours [start, end)
//     during which new traders may launch when EnableTradingWindow is set.
type TradingConfig struct {
	MaxTraders                     int     `mapstructure:"max_traders"`
	Leverage                       int     `mapstructure:"leverage"`
	StartingBalanceUSDT            float64 `mapstructure:"starting_balance_usdt"`
	EquityFraction                 float64 `mapstructure:"equity_fraction"`
	PositionNotionalUSDT           float64 `mapstructure:"position_notional_usdt"`
	VolatilityPositionNotionalUSDT float64 `mapstructure:"volatility_position_notional_usdt"`
	LevelSpacingPercent            float64 `mapstructure:"level_spacing_percent"`
	TakeProfitPercent              float64 `mapstructure:"take_profit_percent"`
	StopLossPercent                float64 `mapstructure:"stop_loss_percent"`
	VolatilityTakeProfitPercent    float64 `mapstructure:"volatility_take_profit_percent"`
	VolatilityStopLossPercent      float64 `mapstructure:"volatility_stop_loss_percent"`
	FeeRate                        float64 `mapstructure:"fee_rate"`
	SlippageRate                   float64 `mapstructure:"slippage_rate"`
	EnableTradingWindow            bool    `mapstructure:"enable_trading_window"`
	TradingWindowStartHour         int     `mapstructure:"trading_window_start_hour"`
	TradingWindowEndHour           int     `mapstructure:"trading_window_end_hour"`
}

// ScannerConfig controls symbol discovery. The scanner keeps only USDT-quoted
// perpetuals in TRADING status, then (when EnableFilters is set) applies the
// quality filters below and ranks survivors by |change24h| + rangePct.
type ScannerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	EnableFilters   bool          `mapstructure:"enable_filters"`
	MinChange       float64       `mapstructure:"min_change"`
	MaxChange       float64       `mapstructure:"max_change"`
	VolumeRatio     float64       `mapstructure:"volume_ratio"`
	MinRangePercent float64       `mapstructure:"min_range_percent"`
	DepthMin        float64       `mapstructure:"depth_min"`
	DepthMax        float64       `mapstructure:"depth_max"`
	SpreadMin       float64       `mapstructure:"spread_min"`
	SpreadMax       float64       `mapstructure:"spread_max"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PERP_API_KEY, PERP_API_SECRET, PERP_MODE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("PERP_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	if secret := os.Getenv("PERP_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if mode := os.Getenv("PERP_MODE"); mode != "" {
		cfg.Mode = Mode(mode)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeTest))
	v.SetDefault("api.base_rest_url", "https://fapi.binance.com")
	v.SetDefault("api.base_ws_url", "wss://fstream.binance.com")
	v.SetDefault("api.recv_window", 5*time.Second)
	v.SetDefault("trading.max_traders", 4)
	v.SetDefault("trading.leverage", 5)
	v.SetDefault("trading.starting_balance_usdt", 1000.0)
	v.SetDefault("trading.equity_fraction", 0.5)
	v.SetDefault("trading.fee_rate", 0.0005)
	v.SetDefault("trading.slippage_rate", 0.0005)
	v.SetDefault("trading.trading_window_start_hour", 3)
	v.SetDefault("trading.trading_window_end_hour", 9)
	v.SetDefault("scanner.interval", time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeTest, ModeLive:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeTest, ModeLive, c.Mode)
	}
	if c.Mode == ModeLive {
		if c.API.Key == "" || c.API.Secret == "" {
			return fmt.Errorf("api.key and api.secret are required in live mode (set PERP_API_KEY / PERP_API_SECRET)")
		}
	}
	if c.API.BaseRestURL == "" {
		return fmt.Errorf("api.base_rest_url is required")
	}
	if c.API.BaseWsURL == "" {
		return fmt.Errorf("api.base_ws_url is required")
	}
	if c.Trading.MaxTraders <= 0 {
		return fmt.Errorf("trading.max_traders must be > 0")
	}
	if c.Trading.Leverage <= 0 {
		return fmt.Errorf("trading.leverage must be > 0")
	}
	if c.Trading.EquityFraction <= 0 || c.Trading.EquityFraction > 1 {
		return fmt.Errorf("trading.equity_fraction must be in (0, 1]")
	}
	if c.Trading.LevelSpacingPercent <= 0 {
		return fmt.Errorf("trading.level_spacing_percent must be > 0")
	}
	if c.Trading.TakeProfitPercent <= 0 || c.Trading.StopLossPercent <= 0 {
		return fmt.Errorf("trading.take_profit_percent and stop_loss_percent must be > 0")
	}
	if c.Trading.VolatilityTakeProfitPercent <= 0 || c.Trading.VolatilityStopLossPercent <= 0 {
		return fmt.Errorf("trading.volatility_take_profit_percent and volatility_stop_loss_percent must be > 0")
	}
	if h := c.Trading.TradingWindowStartHour; h < 0 || h > 23 {
		return fmt.Errorf("trading.trading_window_start_hour must be in [0, 23]")
	}
	if h := c.Trading.TradingWindowEndHour; h < 0 || h > 24 {
		return fmt.Errorf("trading.trading_window_end_hour must be in [0, 24]")
	}
	if c.Scanner.Interval <= 0 {
		return fmt.Errorf("scanner.interval must be > 0")
	}
	return nil
}
