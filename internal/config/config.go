// Package config loads dashboard settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables, e.g. DAMMDASH_RPC.
const EnvPrefix = "DAMMDASH"

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL      string
	WSURL       string
	ProgramID   string
	MetadataURL string
	MetadataKey string
	Listen      string
	LogLevel    string
	Live        bool

	TickInterval        time.Duration
	PartitionCap        int
	ScanLimit           int
	MainFeeThresholdBps int64
	SlotSlack           uint64
	TimeSlack           time.Duration
	CallTimeout         time.Duration

	MetadataMaxAge     time.Duration
	MetadataBatchSize  int
	MetadataBatchDelay time.Duration
	MetadataEvery      int
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		RPCURL:              "https://api.mainnet-beta.solana.com",
		WSURL:               "wss://api.mainnet-beta.solana.com",
		MetadataURL:         "https://lite-api.jup.ag",
		Listen:              ":8080",
		LogLevel:            "info",
		Live:                true,
		TickInterval:        4 * time.Second,
		PartitionCap:        200,
		ScanLimit:           1000,
		MainFeeThresholdBps: 1000,
		SlotSlack:           10,
		TimeSlack:           5 * time.Second,
		CallTimeout:         15 * time.Second,
		MetadataMaxAge:      2 * time.Second,
		MetadataBatchSize:   100,
		MetadataBatchDelay:  250 * time.Millisecond,
		MetadataEvery:       3,
	}
}

// RegisterFlags adds every configuration key to flags with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("rpc", d.RPCURL, "Solana RPC HTTP endpoint")
	flags.String("ws", d.WSURL, "Solana WebSocket endpoint")
	flags.String("program-id", d.ProgramID, "AMM program ID (default: DAMM v2 mainnet)")
	flags.String("metadata-url", d.MetadataURL, "token metadata search endpoint")
	flags.String("metadata-api-key", "", "token metadata API key")
	flags.String("listen", d.Listen, "HTTP listen address")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.Bool("live", d.Live, "subscribe to live pool account updates")
	flags.Duration("tick-interval", d.TickInterval, "pool view recompute interval")
	flags.Int("partition-cap", d.PartitionCap, "max pools held per partition")
	flags.Int("scan-limit", d.ScanLimit, "max recently activated pools kept from a bulk scan")
	flags.Int64("main-fee-threshold-bps", d.MainFeeThresholdBps, "current fee at or below which a pool is main")
	flags.Uint64("slot-slack", d.SlotSlack, "forward slot slack for the activation filter")
	flags.Duration("time-slack", d.TimeSlack, "forward time slack for the activation filter")
	flags.Duration("call-timeout", d.CallTimeout, "timeout per network call")
	flags.Duration("metadata-max-age", d.MetadataMaxAge, "metadata cache freshness")
	flags.Int("metadata-batch-size", d.MetadataBatchSize, "mints per metadata request")
	flags.Duration("metadata-batch-delay", d.MetadataBatchDelay, "delay between metadata requests")
	flags.Int("metadata-every", d.MetadataEvery, "refetch pool metadata every N loop ticks; other ticks use the cache")
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("rpc", d.RPCURL)
	v.SetDefault("ws", d.WSURL)
	v.SetDefault("metadata-url", d.MetadataURL)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("live", d.Live)
	v.SetDefault("tick-interval", d.TickInterval)
	v.SetDefault("partition-cap", d.PartitionCap)
	v.SetDefault("scan-limit", d.ScanLimit)
	v.SetDefault("main-fee-threshold-bps", d.MainFeeThresholdBps)
	v.SetDefault("slot-slack", d.SlotSlack)
	v.SetDefault("time-slack", d.TimeSlack)
	v.SetDefault("call-timeout", d.CallTimeout)
	v.SetDefault("metadata-max-age", d.MetadataMaxAge)
	v.SetDefault("metadata-batch-size", d.MetadataBatchSize)
	v.SetDefault("metadata-batch-delay", d.MetadataBatchDelay)
	v.SetDefault("metadata-every", d.MetadataEvery)

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
		v.SetConfigName("dammdash")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:              v.GetString("rpc"),
		WSURL:               v.GetString("ws"),
		ProgramID:           v.GetString("program-id"),
		MetadataURL:         v.GetString("metadata-url"),
		MetadataKey:         v.GetString("metadata-api-key"),
		Listen:              v.GetString("listen"),
		LogLevel:            v.GetString("log-level"),
		Live:                v.GetBool("live"),
		TickInterval:        v.GetDuration("tick-interval"),
		PartitionCap:        v.GetInt("partition-cap"),
		ScanLimit:           v.GetInt("scan-limit"),
		MainFeeThresholdBps: v.GetInt64("main-fee-threshold-bps"),
		SlotSlack:           v.GetUint64("slot-slack"),
		TimeSlack:           v.GetDuration("time-slack"),
		CallTimeout:         v.GetDuration("call-timeout"),
		MetadataMaxAge:      v.GetDuration("metadata-max-age"),
		MetadataBatchSize:   v.GetInt("metadata-batch-size"),
		MetadataBatchDelay:  v.GetDuration("metadata-batch-delay"),
		MetadataEvery:       v.GetInt("metadata-every"),
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would make the engine misbehave.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick-interval must be positive, got %s", c.TickInterval)
	}
	if c.PartitionCap <= 0 || c.ScanLimit <= 0 {
		return errors.New("partition-cap and scan-limit must be positive")
	}
	if c.MainFeeThresholdBps <= 0 {
		return errors.New("main-fee-threshold-bps must be positive")
	}
	if c.MetadataBatchSize <= 0 || c.MetadataBatchSize > 100 {
		return fmt.Errorf("metadata-batch-size must be in [1, 100], got %d", c.MetadataBatchSize)
	}
	if c.MetadataEvery <= 0 {
		return fmt.Errorf("metadata-every must be positive, got %d", c.MetadataEvery)
	}
	if c.TimeSlack < 0 {
		return fmt.Errorf("time-slack must not be negative, got %s", c.TimeSlack)
	}
	return nil
}
