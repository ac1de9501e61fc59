// Package config defines all configuration for the scalping bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SCALP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Constructed once at startup, validated eagerly, then treated
// as immutable.
type Config struct {
	// TradingEnabled gates real order placement. When false the engine runs
	// in dry-run mode: signals are evaluated and published, but no order
	// reaches the venue and no position is recorded.
	TradingEnabled bool `mapstructure:"trading_enabled"`

	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Spot      SpotConfig      `mapstructure:"spot"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from
// signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds venue API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth
// on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// StrategyConfig tunes the multi-level DCA scalping rules.
//
//   - EntryTrigger: ask at or below this opens the initial LEVEL entry on the
//     cheaper side.
//   - DCADrop1/DCADrop2: cumulative price drop from the first entry that adds
//     the DCA-1 / DCA-2 rung.
//   - ClipSize: shares per entry.
//   - UnwindTrigger: opposite side's ask below this while holding closes the
//     held ladder.
//   - TPPrice: resting take-profit limit price for LEVEL exits.
//   - HighScalpEntry: late-life opportunistic entry threshold (ask at or
//     below this but above EntryTrigger).
//   - MaxCompletedCycles: full LEVEL round-trips allowed per market.
//   - MaxHighScalps: opportunistic entries allowed per market.
//   - MinEntryTimeLeft: no new LEVEL entry with less than this to resolution.
//   - ForceUnwindTimeLeft: deadline for closing LEVEL ladders at market.
//   - ForceExitTimeLeft: deadline for closing any remaining position.
type StrategyConfig struct {
	EntryTrigger       float64 `mapstructure:"entry_trigger"`
	DCADrop1           float64 `mapstructure:"dca_drop_1"`
	DCADrop2           float64 `mapstructure:"dca_drop_2"`
	ClipSize           float64 `mapstructure:"clip_size"`
	UnwindTrigger      float64 `mapstructure:"unwind_trigger"`
	TPPrice            float64 `mapstructure:"tp_price"`
	HighScalpEntry     float64 `mapstructure:"high_scalp_entry"`
	MaxCompletedCycles int     `mapstructure:"max_completed_cycles"`
	MaxHighScalps      int     `mapstructure:"max_high_scalps"`

	MinEntryTimeLeft    time.Duration `mapstructure:"min_entry_time_left"`
	ForceUnwindTimeLeft time.Duration `mapstructure:"force_unwind_time_left"`
	ForceExitTimeLeft   time.Duration `mapstructure:"force_exit_time_left"`
}

// RiskConfig sets the hard limits the engine enforces.
//
//   - MaxConcurrentMarkets: AddMarket rejects beyond this many active markets.
//   - DailyLossLimit: once realized PnL crosses -limit the engine halts new
//     entries (exits and unwinds still run).
//   - ReAddCooldown: refuse re-adding a market for this long after it was
//     removed on a permanent venue error.
type RiskConfig struct {
	MaxConcurrentMarkets int           `mapstructure:"max_concurrent_markets"`
	DailyLossLimit       float64       `mapstructure:"daily_loss_limit"`
	ReAddCooldown        time.Duration `mapstructure:"re_add_cooldown"`
}

// SpotConfig controls the BTC reference price tracker.
type SpotConfig struct {
	BinanceWSURL   string        `mapstructure:"binance_ws_url"`
	CoinbaseWSURL  string        `mapstructure:"coinbase_ws_url"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	Retention      time.Duration `mapstructure:"retention"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// ScannerConfig controls discovery of short-duration BTC up/down markets.
// The scanner polls the Gamma API for markets whose slug matches SlugPrefix
// and whose life span is at most MaxDuration, then feeds descriptors to the
// engine.
type ScannerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SlugPrefix   string        `mapstructure:"slug_prefix"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
	MinTimeLeft  time.Duration `mapstructure:"min_time_left"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the observer/control HTTP server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SCALP_PRIVATE_KEY, SCALP_API_KEY,
// SCALP_API_SECRET, SCALP_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SCALP")
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
	if key := os.Getenv("SCALP_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("SCALP_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("SCALP_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("SCALP_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if v := os.Getenv("SCALP_TRADING_ENABLED"); v == "true" || v == "1" {
		cfg.TradingEnabled = true
	}

	return &cfg, nil
}

// setDefaults registers the documented default for every strategy and
// operational knob so a minimal YAML file still yields a runnable config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.entry_trigger", 0.34)
	v.SetDefault("strategy.dca_drop_1", 0.24)
	v.SetDefault("strategy.dca_drop_2", 0.38)
	v.SetDefault("strategy.clip_size", 10.0)
	v.SetDefault("strategy.unwind_trigger", 0.60)
	v.SetDefault("strategy.tp_price", 0.88)
	v.SetDefault("strategy.high_scalp_entry", 0.90)
	v.SetDefault("strategy.max_completed_cycles", 3)
	v.SetDefault("strategy.max_high_scalps", 4)
	v.SetDefault("strategy.min_entry_time_left", "420s")
	v.SetDefault("strategy.force_unwind_time_left", "300s")
	v.SetDefault("strategy.force_exit_time_left", "180s")

	v.SetDefault("risk.max_concurrent_markets", 4)
	v.SetDefault("risk.daily_loss_limit", 100.0)
	v.SetDefault("risk.re_add_cooldown", "60s")

	v.SetDefault("spot.binance_ws_url", "wss://stream.binance.com:9443/ws/btcusdt@trade")
	v.SetDefault("spot.coinbase_ws_url", "wss://ws-feed.exchange.coinbase.com")
	v.SetDefault("spot.sample_interval", "1s")
	v.SetDefault("spot.retention", "10m")
	v.SetDefault("spot.stale_after", "5s")

	v.SetDefault("scanner.poll_interval", "30s")
	v.SetDefault("scanner.slug_prefix", "bitcoin-up-or-down")
	v.SetDefault("scanner.max_duration", "15m")
	v.SetDefault("scanner.min_time_left", "8m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.TradingEnabled && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required when trading is enabled (set SCALP_PRIVATE_KEY)")
	}
	if c.TradingEnabled && c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}

	s := c.Strategy
	if s.EntryTrigger <= 0 || s.EntryTrigger >= 1 {
		return fmt.Errorf("strategy.entry_trigger must be in (0, 1)")
	}
	if s.TPPrice <= 0 || s.TPPrice >= 1 {
		return fmt.Errorf("strategy.tp_price must be in (0, 1)")
	}
	if s.HighScalpEntry <= s.EntryTrigger {
		return fmt.Errorf("strategy.high_scalp_entry must be > strategy.entry_trigger")
	}
	if s.DCADrop1 <= 0 || s.DCADrop2 <= s.DCADrop1 {
		return fmt.Errorf("strategy.dca_drop_2 must be > strategy.dca_drop_1 > 0")
	}
	if s.ClipSize <= 0 {
		return fmt.Errorf("strategy.clip_size must be > 0")
	}
	if s.MaxCompletedCycles <= 0 {
		return fmt.Errorf("strategy.max_completed_cycles must be > 0")
	}
	if s.ForceExitTimeLeft >= s.ForceUnwindTimeLeft {
		return fmt.Errorf("strategy.force_exit_time_left must be < strategy.force_unwind_time_left")
	}
	if s.ForceUnwindTimeLeft >= s.MinEntryTimeLeft {
		return fmt.Errorf("strategy.force_unwind_time_left must be < strategy.min_entry_time_left")
	}

	if c.Risk.MaxConcurrentMarkets <= 0 {
		return fmt.Errorf("risk.max_concurrent_markets must be > 0")
	}
	if c.Risk.DailyLossLimit <= 0 {
		return fmt.Errorf("risk.daily_loss_limit must be > 0")
	}
	return nil
}
