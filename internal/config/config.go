// Package config loads ruleswapd's configuration from a YAML file (default:
// configs/config.yaml), with secrets overridable via RULESWAP_* environment
// variables, in the same viper-over-YAML shape the teacher used for raw
// yaml.v3 config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, mapping directly onto config.yaml.
type Config struct {
	RPC        RPCConfig        `mapstructure:"rpc"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Contracts  map[string]ContractConfig `mapstructure:"contracts"`
	Markets    map[string]MarketConfig   `mapstructure:"markets"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	MasterKeyHex string         `mapstructure:"master_key_hex"`
}

// RPCConfig points at the chain node used for reads and broadcast.
type RPCConfig struct {
	URL     string        `mapstructure:"url"`
	ChainID int64         `mapstructure:"chain_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig is the DSN for the persistence layer.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig points at the Redis instance backing the distributed lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ContractConfig names one on-chain contract (swap router, a pool, an ERC20)
// by address and the path to its ABI, mirroring the teacher's
// ContractClientYAMLData entries.
type ContractConfig struct {
	Address string `mapstructure:"address"`
	ABI     string `mapstructure:"abi"`
}

// MarketConfig maps one market id to the ERC20 pair its swaps route
// between; the rule schema has no room for this (a market id is an opaque
// string from the prediction-market provider), so it lives in config
// instead — see DESIGN.md's MintResolver Open Question resolution.
type MarketConfig struct {
	Volatile string `mapstructure:"volatile"`
	Stable   string `mapstructure:"stable"`
}

// ExecutionConfig tunes the coordinator: the kill switch, risk ceilings, and
// transaction shaping parameters.
type ExecutionConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	MaxUserAggregateExposureUSD float64     `mapstructure:"max_user_aggregate_exposure_usd"`
	StalenessMax              time.Duration `mapstructure:"staleness_max"`
	SlippageToleranceBps      int           `mapstructure:"slippage_tolerance_bps"`
	ConfirmationCommitment    string        `mapstructure:"confirmation_commitment"`
	LockTTL                   time.Duration `mapstructure:"lock_ttl"`
	CircuitBreakerWindow      time.Duration `mapstructure:"circuit_breaker_window"`
	CircuitBreakerThreshold   int           `mapstructure:"circuit_breaker_threshold"`
}

// PollerConfig tunes the market poller's tick cadence and fan-out.
type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Workers     int           `mapstructure:"workers"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// WebhookConfig tunes the dispatcher's delivery attempts.
type WebhookConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// LoggingConfig controls slog's handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load reads config from a YAML file with RULESWAP_* env var overrides, the
// same pattern the pack uses for secrets that must never live in a committed
// YAML file (master key, database DSN, redis password).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RULESWAP")
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

	if v.IsSet("database.url") && v.GetString("database.url") != "" {
		cfg.Database.URL = v.GetString("database.url")
	}
	if key := v.GetString("master_key_hex"); key != "" {
		cfg.MasterKeyHex = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poller.interval", 30*time.Second)
	v.SetDefault("poller.workers", 8)
	v.SetDefault("poller.batch_size", 100)
	v.SetDefault("execution.lock_ttl", 5*time.Minute)
	v.SetDefault("execution.staleness_max", 2*time.Minute)
	v.SetDefault("execution.slippage_tolerance_bps", 100)
	v.SetDefault("execution.confirmation_commitment", "confirmed")
	v.SetDefault("execution.circuit_breaker_window", 10*time.Minute)
	v.SetDefault("execution.circuit_breaker_threshold", 3)
	v.SetDefault("webhook.max_attempts", 4)
	v.SetDefault("webhook.attempt_timeout", 5*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("rpc.timeout", 10*time.Second)
}

// Validate checks all required fields and value ranges before the daemon
// wires up any component.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("rpc.url is required")
	}
	if c.RPC.ChainID == 0 {
		return fmt.Errorf("rpc.chain_id is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set RULESWAP_DATABASE_URL)")
	}
	if c.MasterKeyHex == "" {
		return fmt.Errorf("master_key_hex is required (set RULESWAP_MASTER_KEY_HEX)")
	}
	if len(c.MasterKeyHex) != 64 {
		return fmt.Errorf("master_key_hex must decode to 32 bytes (64 hex chars), got %d chars", len(c.MasterKeyHex))
	}
	if c.Execution.MaxUserAggregateExposureUSD <= 0 {
		return fmt.Errorf("execution.max_user_aggregate_exposure_usd must be > 0")
	}
	if c.Execution.SlippageToleranceBps < 0 || c.Execution.SlippageToleranceBps > 10000 {
		return fmt.Errorf("execution.slippage_tolerance_bps must be in [0, 10000]")
	}
	if c.Poller.Workers <= 0 {
		return fmt.Errorf("poller.workers must be > 0")
	}
	return nil
}

// ToContractConfigs converts the YAML contract map into the
// (address, abi path) pairs pkg/contractclient wiring needs, in the shape of
// the teacher's ToBlackholeConfigs.
func (c *Config) ToContractConfigs() map[string]ContractConfig {
	return c.Contracts
}

// ContractAddress is a thin convenience so cmd/ruleswapd can resolve a named
// contract's address without reaching into the raw map itself.
func (c *Config) ContractAddress(name string) (contractAddr string, abiPath string, ok bool) {
	cc, ok := c.Contracts[name]
	if !ok {
		return "", "", false
	}
	return cc.Address, cc.ABI, true
}
