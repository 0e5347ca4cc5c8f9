package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crossflow/internal/model"
)

type Config struct {
	Crossflow      CrossflowConfig      `yaml:"crossflow"`
	Channels       ChannelsConfig       `yaml:"channels"`
	Exchanges      ExchangesConfig      `yaml:"exchanges"`
	Trading        TradingConfig        `yaml:"trading"`
	Risk           model.RiskLimits     `yaml:"risk"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Journal        JournalConfig        `yaml:"journal"`
	Logging        LoggingConfig        `yaml:"logging"`
}

type CrossflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	// EventBuffer is the size of the bounded channel each connector
	// publishes into.
	EventBuffer int `yaml:"event_buffer"`
	// RingSize bounds the broadcast log; slow subscribers whose cursor
	// falls off the ring observe a gap.
	RingSize int `yaml:"ring_size"`
	// Backpressure is "block" or "drop_oldest" for a full connector
	// channel.
	Backpressure string `yaml:"backpressure"`
}

type ExchangesConfig struct {
	Binance ExchangeConfig `yaml:"binance"`
	Bybit   ExchangeConfig `yaml:"bybit"`
	Kucoin  ExchangeConfig `yaml:"kucoin"`
}

// ByName returns the config block for a known exchange.
func (e ExchangesConfig) ByName(ex model.Exchange) (ExchangeConfig, bool) {
	switch ex {
	case model.ExchangeBinance:
		return e.Binance, true
	case model.ExchangeBybit:
		return e.Bybit, true
	case model.ExchangeKucoin:
		return e.Kucoin, true
	default:
		return ExchangeConfig{}, false
	}
}

type ExchangeConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	RESTEndpoint   string               `yaml:"rest_endpoint"`
	WSEndpoint     string               `yaml:"ws_endpoint"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	Passphrase     string               `yaml:"passphrase"`
	Symbols        []string             `yaml:"symbols"`
	MakerFee       float64              `yaml:"maker_fee"`
	TakerFee       float64              `yaml:"taker_fee"`
	Timeout        time.Duration        `yaml:"timeout"`
	SnapshotDepth  int                  `yaml:"snapshot_depth"`
	TradeBuffer    int                  `yaml:"trade_buffer"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Reconnect      ReconnectConfig      `yaml:"reconnect"`
}

// ListsSymbol reports whether the exchange is configured to trade symbol.
func (c ExchangeConfig) ListsSymbol(symbol string) bool {
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type TradingConfig struct {
	// AckTimeout bounds the wait for an exchange acknowledgment before an
	// order is handed to reconciliation.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// OrderTimeout bounds every trading round trip.
	OrderTimeout time.Duration `yaml:"order_timeout"`
	// PriceImpactTolerance is the relative band used when comparing book
	// depth across exchanges.
	PriceImpactTolerance float64 `yaml:"price_impact_tolerance"`
	// FillStatsWindow is the number of recent order outcomes kept per
	// exchange for the routing fill-success ratio.
	FillStatsWindow int `yaml:"fill_stats_window"`
	// ReconcileAttempts caps status queries for an unknown-outcome order.
	ReconcileAttempts int           `yaml:"reconcile_attempts"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type ReconciliationConfig struct {
	Interval time.Duration `yaml:"interval"`
	Epsilon  float64       `yaml:"epsilon"`
}

type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_access_key"`
	MaxBatch      int           `yaml:"max_batch"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	Report     bool             `yaml:"report"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references in the raw config with environment
// values, leaving unknown references empty.
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads, env-expands, parses and validates the configuration
// file. The result is treated as an immutable snapshot until the next
// reload.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Journal.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Journal.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Journal.SecretKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Journal.Region = strings.TrimSpace(v)
		}
	}
	cfg.Journal.Bucket = strings.TrimSpace(cfg.Journal.Bucket)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			EventBuffer:  1024,
			RingSize:     8192,
			Backpressure: "drop_oldest",
		},
		Trading: TradingConfig{
			AckTimeout:           5 * time.Second,
			OrderTimeout:         10 * time.Second,
			PriceImpactTolerance: 0.001,
			FillStatsWindow:      100,
			ReconcileAttempts:    5,
			ReconcileInterval:    2 * time.Second,
		},
		Reconciliation: ReconciliationConfig{
			Interval: time.Minute,
			Epsilon:  1e-9,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Crossflow.Name == "" {
		return fmt.Errorf("crossflow.name is required")
	}
	if cfg.Crossflow.Version == "" {
		return fmt.Errorf("crossflow.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.RingSize <= 0 {
		return fmt.Errorf("channels.ring_size must be greater than 0")
	}
	switch cfg.Channels.Backpressure {
	case "block", "drop_oldest":
	default:
		return fmt.Errorf("channels.backpressure must be 'block' or 'drop_oldest', got '%s'", cfg.Channels.Backpressure)
	}

	if cfg.Trading.AckTimeout <= 0 {
		return fmt.Errorf("trading.ack_timeout must be greater than 0")
	}
	if cfg.Trading.OrderTimeout <= 0 {
		return fmt.Errorf("trading.order_timeout must be greater than 0")
	}
	if cfg.Reconciliation.Interval <= 0 {
		return fmt.Errorf("reconciliation.interval must be greater than 0")
	}
	if cfg.Reconciliation.Epsilon <= 0 {
		return fmt.Errorf("reconciliation.epsilon must be greater than 0")
	}

	enabled := 0
	for _, ec := range []ExchangeConfig{cfg.Exchanges.Binance, cfg.Exchanges.Bybit, cfg.Exchanges.Kucoin} {
		if !ec.Enabled {
			continue
		}
		enabled++
		if len(ec.Symbols) == 0 {
			return fmt.Errorf("enabled exchanges must configure at least one symbol")
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one exchange must be enabled")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Bucket == "" {
			return fmt.Errorf("journal.bucket is required when the journal is enabled")
		}
		if cfg.Journal.Region == "" {
			return fmt.Errorf("journal.region is required when the journal is enabled")
		}
		if !isValidS3Bucket(cfg.Journal.Bucket) {
			return fmt.Errorf("journal.bucket '%s' is invalid", cfg.Journal.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
