package configloader

import (
	"fmt"
	"os"
	"time"

	"balance_engine/internal/domain/entity"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds server-specific configurations.
type ServerConfig struct {
	Port                string   `yaml:"port"`
	ReadTimeoutSeconds  int      `yaml:"readTimeoutSeconds"`
	WriteTimeoutSeconds int      `yaml:"writeTimeoutSeconds"`
	AllowedOrigins      []string `yaml:"allowedOrigins"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// PerformanceConfig holds performance-related configurations.
type PerformanceConfig struct {
	MaxConcurrentRoutines    int `yaml:"maxConcurrentRoutines"`
	RPCCallTimeoutSeconds    int `yaml:"rpcCallTimeoutSeconds"`
	ConnectionTimeoutSeconds int `yaml:"connectionTimeoutSeconds"`
}

// RPCConfig limits the request rate per chain.
type RPCConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// SchedulerConfig tunes the subscribe/poll scheduler of every module.
type SchedulerConfig struct {
	// MaxSubscriptionSize is a pointer so that an explicit 0, which disables
	// subscriptions, can be told apart from an unset value.
	MaxSubscriptionSize  *int `yaml:"maxSubscriptionSize"`
	PollIntervalSeconds  int  `yaml:"pollIntervalSeconds"`
	SeedBatchSize        int  `yaml:"seedBatchSize"`
	SeedConcurrency      int  `yaml:"seedConcurrency"`
	PollChunkSize        int  `yaml:"pollChunkSize"`
	ZeroBalancePollEvery int  `yaml:"zeroBalancePollEvery"`
}

// MetadataConfig configures the metadata provider and its store.
type MetadataConfig struct {
	StorePath              string `yaml:"storePath"`
	RefreshIntervalSeconds int    `yaml:"refreshIntervalSeconds"`
}

// SubscriptionConfig tunes SubscribeBalances.
type SubscriptionConfig struct {
	DebounceMillis             int `yaml:"debounceMillis"`
	InitialisingTimeoutSeconds int `yaml:"initialisingTimeoutSeconds"`
}

// CacheConfig holds configuration for the balance snapshot cache.
type CacheConfig struct {
	BalanceTTLMinutes      int `yaml:"balanceTTLMinutes"`
	CleanupIntervalMinutes int `yaml:"cleanupIntervalMinutes"`
}

// DEXScreenerConfig holds DEXScreener API specific configurations.
type DEXScreenerConfig struct {
	BaseURL              string `yaml:"baseURL"`
	RequestTimeoutMillis int64  `yaml:"requestTimeoutMillis"`
}

// TokenPriceServiceConfig holds configuration for the TokenPriceService.
type TokenPriceServiceConfig struct {
	MaxTokensPerBatchRequest int   `yaml:"maxTokensPerBatchRequest"`
	CacheTTLMinutes          int   `yaml:"cacheTTLMinutes"`
	RequestTimeoutMillis     int64 `yaml:"requestTimeoutMillis"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Logging       LoggingConfig           `yaml:"logging"`
	Performance   PerformanceConfig       `yaml:"performance"`
	RPC           RPCConfig               `yaml:"rpc"`
	Scheduler     SchedulerConfig         `yaml:"scheduler"`
	Metadata      MetadataConfig          `yaml:"metadata"`
	Subscription  SubscriptionConfig      `yaml:"subscription"`
	Cache         CacheConfig             `yaml:"cache"`
	DEXScreener   DEXScreenerConfig       `yaml:"dexScreener"`
	TokenPriceSvc TokenPriceServiceConfig `yaml:"tokenPriceService"`

	// Chains are merged over the built-in chain definitions by id.
	Chains []entity.Chain `yaml:"chains"`
	// Tokens are merged over the tokens read from TokensDir by id.
	Tokens        []entity.Token `yaml:"tokens"`
	TokensDir     string         `yaml:"tokensDir"`
	AddressesFile string         `yaml:"addressesFile"`
}

// RPCCallTimeout returns the per-request timeout.
func (c *Config) RPCCallTimeout() time.Duration {
	return time.Duration(c.Performance.RPCCallTimeoutSeconds) * time.Second
}

// ConnectionTimeout returns the dial timeout of RPC endpoints.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Performance.ConnectionTimeoutSeconds) * time.Second
}

// Load reads the YAML configuration file from the given path, unmarshals it
// and fills in defaults.
func Load(path string) (*Config, error) {
	logrus.Infof("Loading configuration from path: %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Errorf("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logrus.Errorf("Failed to unmarshal config data from %s: %v", path, err)
		return nil, fmt.Errorf("failed to unmarshal config data from %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	logrus.Info("Configuration loaded successfully.")
	return &cfg, nil
}

// Default returns a configuration with every default applied, used when no
// config file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeoutSeconds <= 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Performance.MaxConcurrentRoutines <= 0 {
		cfg.Performance.MaxConcurrentRoutines = 10
	}
	if cfg.Performance.RPCCallTimeoutSeconds <= 0 {
		cfg.Performance.RPCCallTimeoutSeconds = 10
	}
	if cfg.Performance.ConnectionTimeoutSeconds <= 0 {
		cfg.Performance.ConnectionTimeoutSeconds = 10
	}

	if cfg.RPC.RequestsPerSecond <= 0 {
		cfg.RPC.RequestsPerSecond = 20
	}
	if cfg.RPC.Burst <= 0 {
		cfg.RPC.Burst = 40
	}

	if cfg.Scheduler.MaxSubscriptionSize == nil {
		size := 40
		cfg.Scheduler.MaxSubscriptionSize = &size
	} else if *cfg.Scheduler.MaxSubscriptionSize < 0 {
		logrus.Warnf("scheduler.maxSubscriptionSize %d is negative, subscriptions are disabled", *cfg.Scheduler.MaxSubscriptionSize)
		*cfg.Scheduler.MaxSubscriptionSize = 0
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 30
	}
	if cfg.Scheduler.SeedBatchSize <= 0 {
		cfg.Scheduler.SeedBatchSize = 20
	}
	if cfg.Scheduler.SeedConcurrency <= 0 {
		cfg.Scheduler.SeedConcurrency = 8
	}
	if cfg.Scheduler.PollChunkSize <= 0 {
		cfg.Scheduler.PollChunkSize = 20
	}
	if cfg.Scheduler.ZeroBalancePollEvery <= 0 {
		cfg.Scheduler.ZeroBalancePollEvery = 5
	}

	if cfg.Metadata.StorePath == "" {
		cfg.Metadata.StorePath = "data/metadata"
	}
	if cfg.Metadata.RefreshIntervalSeconds <= 0 {
		cfg.Metadata.RefreshIntervalSeconds = 600
	}

	if cfg.Subscription.DebounceMillis <= 0 {
		cfg.Subscription.DebounceMillis = 100
	}
	if cfg.Subscription.InitialisingTimeoutSeconds <= 0 {
		cfg.Subscription.InitialisingTimeoutSeconds = 30
	}

	if cfg.Cache.BalanceTTLMinutes <= 0 {
		cfg.Cache.BalanceTTLMinutes = 24 * 60
	}
	if cfg.Cache.CleanupIntervalMinutes <= 0 {
		cfg.Cache.CleanupIntervalMinutes = 10
	}

	if cfg.DEXScreener.BaseURL == "" {
		cfg.DEXScreener.BaseURL = "https://api.dexscreener.com"
		logrus.Infof("DEXScreener.BaseURL not set, defaulting to %s", cfg.DEXScreener.BaseURL)
	}
	if cfg.DEXScreener.RequestTimeoutMillis == 0 {
		cfg.DEXScreener.RequestTimeoutMillis = 10000
	}

	if cfg.TokenPriceSvc.MaxTokensPerBatchRequest == 0 {
		cfg.TokenPriceSvc.MaxTokensPerBatchRequest = 30 // DEXScreener limit
	}
	if cfg.TokenPriceSvc.CacheTTLMinutes == 0 {
		cfg.TokenPriceSvc.CacheTTLMinutes = 60
	}
	if cfg.TokenPriceSvc.RequestTimeoutMillis == 0 {
		cfg.TokenPriceSvc.RequestTimeoutMillis = cfg.DEXScreener.RequestTimeoutMillis
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		if chain.ID == "" {
			return fmt.Errorf("chain without id")
		}
		if seen[chain.ID] {
			return fmt.Errorf("duplicate chain %s", chain.ID)
		}
		seen[chain.ID] = true
		// An empty kind inherits the built-in definition, or substrate.
		if chain.Kind != "" && chain.Kind != entity.ChainKindSubstrate && chain.Kind != entity.ChainKindEVM {
			return fmt.Errorf("chain %s: unknown kind %q", chain.ID, chain.Kind)
		}
	}
	for _, token := range cfg.Tokens {
		if token.ID == "" {
			return fmt.Errorf("token without id")
		}
		if token.NetworkID() == "" {
			return fmt.Errorf("token %s: chainId or evmNetworkId is required", token.ID)
		}
	}
	return nil
}
