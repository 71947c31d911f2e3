// Package config loads service configuration from flags, environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel string

	MetricsAddr   string
	StatsInterval time.Duration

	// PostgresDSN enables the Postgres archive; empty keeps records in
	// memory only.
	PostgresDSN string
	// ClickhouseDSN enables the ClickHouse event journal; empty keeps
	// the journal in memory only.
	ClickhouseDSN string

	DedupWindow                 time.Duration
	MinConfirmations            int
	ConfirmationWeightThreshold float64
	CleanupInterval             time.Duration
	MaxRecords                  int

	QueueMaxSize          int
	QueueWarningThreshold int
	QueueEvictionCount    int
	QueueConcurrency      int
	QueueLockTimeout      time.Duration
	QueueEmptyCheck       time.Duration

	JournalBatchSize     int
	JournalFlushInterval time.Duration

	PumpFunEnabled   bool
	PumpFunEndpoint  string
	PumpFunWeight    float64
	PumpFunRateLimit float64
	PumpFunBurst     int

	DexScreenerEnabled      bool
	DexScreenerEndpoint     string
	DexScreenerPollInterval time.Duration
	DexScreenerWeight       float64
	DexScreenerRateLimit    float64
	DexScreenerBurst        int
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISCOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("metrics-addr", ":9090")
	v.SetDefault("stats-interval", time.Minute)

	v.SetDefault("dedup-window", 24*time.Hour)
	v.SetDefault("min-confirmations", 2)
	v.SetDefault("confirmation-weight-threshold", 2.0)
	v.SetDefault("cleanup-interval", time.Hour)
	v.SetDefault("max-records", 50_000)

	v.SetDefault("queue-max-size", 1000)
	v.SetDefault("queue-warning-threshold", 800)
	v.SetDefault("queue-eviction-count", 100)
	v.SetDefault("queue-concurrency", 5)
	v.SetDefault("queue-lock-timeout", 5*time.Second)
	v.SetDefault("queue-empty-check", 100*time.Millisecond)

	v.SetDefault("journal-batch-size", 64)
	v.SetDefault("journal-flush-interval", 2*time.Second)

	v.SetDefault("pumpfun-enabled", true)
	v.SetDefault("pumpfun-endpoint", "wss://pumpportal.fun/api/data")
	v.SetDefault("pumpfun-weight", 1.0)
	v.SetDefault("pumpfun-rate-limit", 0.0)
	v.SetDefault("pumpfun-burst", 1)

	v.SetDefault("dexscreener-enabled", true)
	v.SetDefault("dexscreener-endpoint", "https://api.dexscreener.com/token-profiles/latest/v1")
	v.SetDefault("dexscreener-poll-interval", 30*time.Second)
	v.SetDefault("dexscreener-weight", 1.5)
	v.SetDefault("dexscreener-rate-limit", 0.0)
	v.SetDefault("dexscreener-burst", 1)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		LogLevel: v.GetString("log-level"),

		MetricsAddr:   v.GetString("metrics-addr"),
		StatsInterval: v.GetDuration("stats-interval"),

		PostgresDSN:   v.GetString("postgres-dsn"),
		ClickhouseDSN: v.GetString("clickhouse-dsn"),

		DedupWindow:                 v.GetDuration("dedup-window"),
		MinConfirmations:            v.GetInt("min-confirmations"),
		ConfirmationWeightThreshold: v.GetFloat64("confirmation-weight-threshold"),
		CleanupInterval:             v.GetDuration("cleanup-interval"),
		MaxRecords:                  v.GetInt("max-records"),

		QueueMaxSize:          v.GetInt("queue-max-size"),
		QueueWarningThreshold: v.GetInt("queue-warning-threshold"),
		QueueEvictionCount:    v.GetInt("queue-eviction-count"),
		QueueConcurrency:      v.GetInt("queue-concurrency"),
		QueueLockTimeout:      v.GetDuration("queue-lock-timeout"),
		QueueEmptyCheck:       v.GetDuration("queue-empty-check"),

		JournalBatchSize:     v.GetInt("journal-batch-size"),
		JournalFlushInterval: v.GetDuration("journal-flush-interval"),

		PumpFunEnabled:   v.GetBool("pumpfun-enabled"),
		PumpFunEndpoint:  v.GetString("pumpfun-endpoint"),
		PumpFunWeight:    v.GetFloat64("pumpfun-weight"),
		PumpFunRateLimit: v.GetFloat64("pumpfun-rate-limit"),
		PumpFunBurst:     v.GetInt("pumpfun-burst"),

		DexScreenerEnabled:      v.GetBool("dexscreener-enabled"),
		DexScreenerEndpoint:     v.GetString("dexscreener-endpoint"),
		DexScreenerPollInterval: v.GetDuration("dexscreener-poll-interval"),
		DexScreenerWeight:       v.GetFloat64("dexscreener-weight"),
		DexScreenerRateLimit:    v.GetFloat64("dexscreener-rate-limit"),
		DexScreenerBurst:        v.GetInt("dexscreener-burst"),
	}

	return cfg, nil
}

// Validate rejects values the aggregation pipeline cannot run with.
func (c Config) Validate() error {
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup-window must be positive, got %s", c.DedupWindow)
	}
	if c.MinConfirmations < 1 {
		return fmt.Errorf("min-confirmations must be at least 1, got %d", c.MinConfirmations)
	}
	if c.ConfirmationWeightThreshold <= 0 {
		return fmt.Errorf("confirmation-weight-threshold must be positive, got %g", c.ConfirmationWeightThreshold)
	}
	if c.MaxRecords <= 0 {
		return fmt.Errorf("max-records must be positive, got %d", c.MaxRecords)
	}
	if c.QueueMaxSize <= 0 {
		return fmt.Errorf("queue-max-size must be positive, got %d", c.QueueMaxSize)
	}
	if c.QueueEvictionCount <= 0 || c.QueueEvictionCount > c.QueueMaxSize {
		return fmt.Errorf("queue-eviction-count must be in [1, %d], got %d", c.QueueMaxSize, c.QueueEvictionCount)
	}
	if c.QueueConcurrency <= 0 {
		return fmt.Errorf("queue-concurrency must be positive, got %d", c.QueueConcurrency)
	}
	if c.PumpFunEnabled && c.PumpFunWeight <= 0 {
		return fmt.Errorf("pumpfun-weight must be positive, got %g", c.PumpFunWeight)
	}
	if c.DexScreenerEnabled && c.DexScreenerWeight <= 0 {
		return fmt.Errorf("dexscreener-weight must be positive, got %g", c.DexScreenerWeight)
	}
	return nil
}
