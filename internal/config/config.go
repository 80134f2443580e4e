// Package config defines all configuration for the order and position
// lifecycle engine. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via POLY_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	API         APIConfig         `mapstructure:"api"`
	OrderMgr    OrderManagerConfig `mapstructure:"order_manager"`
	DipArb      DipArbConfig      `mapstructure:"diparb"`
	AutoRotate  AutoRotateConfig  `mapstructure:"auto_rotate"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders and for
// CTF merge/redeem contract calls.
// PrivateKey signs L1 (EIP-712) auth and on-chain CTF transactions.
// FunderAddress is the on-chain address that funds orders (may differ from
// signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds the venue's REST/WS endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty the wallet derives
// them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL   string `mapstructure:"clob_base_url"`
	GammaBaseURL  string `mapstructure:"gamma_base_url"`
	WSMarketURL   string `mapstructure:"ws_market_url"`
	WSUserURL     string `mapstructure:"ws_user_url"`
	PolygonRPCURL string `mapstructure:"polygon_rpc_url"`
	ApiKey        string `mapstructure:"api_key"`
	Secret        string `mapstructure:"secret"`
	Passphrase    string `mapstructure:"passphrase"`
}

// OrderManagerConfig tunes C7 OrderManager.
//
//   - Mode: "websocket", "polling", or "hybrid" — selects how order status
//     is kept current (spec §4.7).
//   - PollingInterval: interval between REST order-status polls.
//   - StalePollAfter: loaded from config but not read by OrderManager; in
//     hybrid mode the poller runs alongside the WebSocket channel from the
//     moment an order is watched.
//   - SettlementPollInterval / SettlementTimeout: how C7's settlement
//     tracker waits for a trade's on-chain confirmation.
type OrderManagerConfig struct {
	Mode                  string        `mapstructure:"mode"`
	PollingInterval       time.Duration `mapstructure:"polling_interval"`
	StalePollAfter        time.Duration `mapstructure:"stale_poll_after"`
	SettlementPollInterval time.Duration `mapstructure:"settlement_poll_interval"`
	SettlementTimeout     time.Duration `mapstructure:"settlement_timeout"`
}

// DipArbConfig tunes C8 DipArbEngine.
//
//   - DipThreshold / SurgeThreshold: fractional price-move thresholds that
//     trigger a leg-1 signal (e.g. 0.05 = 5%).
//   - SlidingWindowMs: how far back in the price-history ring the reference
//     sample for instant-dip/surge detection is taken.
//   - WindowMinutes: trading window, measured from round start, during which
//     any leg-1 signal may fire.
//   - MaxSlippage: fractional markup over the current ask used to price leg-1
//     and leg-2 orders and the leg-2 total-cost check.
//   - SplitOrders / OrderIntervalMs: pace leg-1 execution across multiple
//     orders rather than one block trade.
//   - Shares: target share count per round.
//   - ExecutionCooldownMs: minimum spacing between the end of one leg-1
//     execution and the next leg-1 signal.
//   - Leg2TimeoutSeconds: how long to wait for the hedge leg before
//     emergency-unwinding leg 1.
//   - SumTarget: the UP+DOWN price sum DipArb treats as "at parity".
//   - AutoMerge: merge the completed pair into USDC immediately rather than
//     waiting for market resolution.
//   - Debug: verbose per-tick signal logging.
type DipArbConfig struct {
	DipThreshold        float64 `mapstructure:"dip_threshold"`
	SurgeThreshold      float64 `mapstructure:"surge_threshold"`
	SlidingWindowMs      int64   `mapstructure:"sliding_window_ms"`
	WindowMinutes       int     `mapstructure:"window_minutes"`
	MaxSlippage         float64 `mapstructure:"max_slippage"`
	SplitOrders         int     `mapstructure:"split_orders"`
	OrderIntervalMs     int64   `mapstructure:"order_interval_ms"`
	Shares              float64 `mapstructure:"shares"`
	ExecutionCooldownMs  int64   `mapstructure:"execution_cooldown_ms"`
	Leg2TimeoutSeconds  int     `mapstructure:"leg2_timeout_seconds"`
	SumTarget           float64 `mapstructure:"sum_target"`
	AutoMerge           bool    `mapstructure:"auto_merge"`
	Debug               bool    `mapstructure:"debug"`
}

// AutoRotateConfig tunes C9 RotationScheduler.
//
//   - Underlyings: which reference assets to scan for tradeable markets.
//   - Duration: target market duration in minutes (matches scanUpcomingMarkets).
//   - AutoSettle: whether to act on a leftover leg-1 position at market end.
//   - SettleStrategy: "redeem" or "sell".
//   - PreloadMinutes: once the current market is this close to its end, the
//     next market is scanned for and cached.
//   - RedeemWaitMinutes: how long to wait after market end before the first
//     redeem attempt (resolution lag).
//   - RedeemRetryIntervalSeconds: spacing between redeem retries.
type AutoRotateConfig struct {
	Underlyings                []string `mapstructure:"underlyings"`
	Duration                   int      `mapstructure:"duration"`
	AutoSettle                 bool     `mapstructure:"auto_settle"`
	SettleStrategy             string   `mapstructure:"settle_strategy"`
	PreloadMinutes             int      `mapstructure:"preload_minutes"`
	RedeemWaitMinutes          int      `mapstructure:"redeem_wait_minutes"`
	RedeemRetryIntervalSeconds int      `mapstructure:"redeem_retry_interval_seconds"`
}

// StoreConfig sets where PendingRedemption queue state is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig selects slog output shape.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the optional HTTP surface that relays
// lifecycle events over WebSocket and a JSON snapshot, served by
// internal/eventbus's Hub.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
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
	if c.API.PolygonRPCURL == "" {
		return fmt.Errorf("api.polygon_rpc_url is required")
	}
	switch c.OrderMgr.Mode {
	case "websocket", "polling", "hybrid":
	default:
		return fmt.Errorf("order_manager.mode must be one of: websocket, polling, hybrid")
	}
	if c.OrderMgr.PollingInterval <= 0 {
		return fmt.Errorf("order_manager.polling_interval must be > 0")
	}
	if c.DipArb.DipThreshold <= 0 {
		return fmt.Errorf("diparb.dip_threshold must be > 0")
	}
	if c.DipArb.SurgeThreshold <= 0 {
		return fmt.Errorf("diparb.surge_threshold must be > 0")
	}
	if c.DipArb.Shares <= 0 {
		return fmt.Errorf("diparb.shares must be > 0")
	}
	if c.DipArb.Leg2TimeoutSeconds <= 0 {
		return fmt.Errorf("diparb.leg2_timeout_seconds must be > 0")
	}
	if c.AutoRotate.AutoSettle {
		switch c.AutoRotate.SettleStrategy {
		case "redeem", "sell":
		default:
			return fmt.Errorf("auto_rotate.settle_strategy must be one of: redeem, sell when auto_settle is true")
		}
	}
	if len(c.AutoRotate.Underlyings) == 0 {
		return fmt.Errorf("auto_rotate.underlyings must list at least one underlying")
	}
	return nil
}
