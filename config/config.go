package config

import (
	"strings"
	"time"

	"cabbageTxn/keepalive"
	"cabbageTxn/manager"
	"cabbageTxn/storage"
	"cabbageTxn/txncache"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "CABBAGE"

type Config struct {
	LogLevel           string        `json:"log_level" mapstructure:"log_level"`
	LogFile            string        `json:"log_file" mapstructure:"log_file"`
	DataDir            string        `json:"data_dir" mapstructure:"data_dir"`
	Storage            string        `json:"storage" mapstructure:"storage"`
	CompactThresh      float64       `json:"compact_threshold" mapstructure:"compact_threshold"`
	CacheCapacity      int           `json:"cache_capacity" mapstructure:"cache_capacity"`
	CacheStripes       int           `json:"cache_stripes" mapstructure:"cache_stripes"`
	CachePolicy        string        `json:"cache_policy" mapstructure:"cache_policy"`
	KeepAliveInterval  time.Duration `json:"keepalive_interval" mapstructure:"keepalive_interval"`
	KeepAliveTimeout   time.Duration `json:"keepalive_timeout" mapstructure:"keepalive_timeout"`
	AutoHeartbeat      bool          `json:"auto_heartbeat" mapstructure:"auto_heartbeat"`
	TimestampBlockSize uint64        `json:"timestamp_block_size" mapstructure:"timestamp_block_size"`
	HistoryFile        string        `json:"history_file" mapstructure:"history_file"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:           "INFO",
		LogFile:            "",
		DataDir:            "data",
		Storage:            "bitcask",
		CompactThresh:      0.2,
		CacheCapacity:      4096,
		CacheStripes:       16,
		CachePolicy:        string(txncache.PolicyLRU),
		KeepAliveInterval:  time.Second,
		KeepAliveTimeout:   30 * time.Second,
		AutoHeartbeat:      true,
		TimestampBlockSize: storage.DefaultBlockSize,
		HistoryFile:        ".cabbagetxn_history",
	}
}

// LoadConfig reads configFile on top of the defaults. Every key can also be
// set from the environment, e.g. CABBAGE_CACHE_CAPACITY. An empty configFile
// only applies defaults and environment.
func LoadConfig(configFile string) (*Config, error) {
	viperCfg := viper.New()
	setDefaults(viperCfg, DefaultConfig())
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	if configFile != "" {
		viperCfg.SetConfigFile(configFile)
		if err := viperCfg.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}

	config := DefaultConfig()
	if err := viperCfg.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// setDefaults registers every key, which is what lets AutomaticEnv see keys
// that are missing from the file.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("log_file", c.LogFile)
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("storage", c.Storage)
	v.SetDefault("compact_threshold", c.CompactThresh)
	v.SetDefault("cache_capacity", c.CacheCapacity)
	v.SetDefault("cache_stripes", c.CacheStripes)
	v.SetDefault("cache_policy", c.CachePolicy)
	v.SetDefault("keepalive_interval", c.KeepAliveInterval)
	v.SetDefault("keepalive_timeout", c.KeepAliveTimeout)
	v.SetDefault("auto_heartbeat", c.AutoHeartbeat)
	v.SetDefault("timestamp_block_size", c.TimestampBlockSize)
	v.SetDefault("history_file", c.HistoryFile)
}

func (c *Config) Validate() error {
	switch c.Storage {
	case "bitcask", "memory":
	default:
		return errors.Errorf("unknown storage engine %q", c.Storage)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.CompactThresh <= 0 || c.CompactThresh > 1 {
		return errors.Errorf("compact_threshold must be in (0, 1], got %v", c.CompactThresh)
	}
	if c.CacheCapacity <= 0 || c.CacheStripes <= 0 {
		return errors.Errorf("cache_capacity and cache_stripes must be positive")
	}
	if _, err := txncache.ParsePolicy(c.CachePolicy); err != nil {
		return err
	}
	if c.KeepAliveInterval <= 0 {
		return errors.Errorf("keepalive_interval must be positive")
	}
	if c.KeepAliveTimeout <= c.KeepAliveInterval {
		return errors.Errorf("keepalive_timeout %s must exceed keepalive_interval %s",
			c.KeepAliveTimeout, c.KeepAliveInterval)
	}
	if c.TimestampBlockSize == 0 {
		return errors.Errorf("timestamp_block_size must be positive")
	}
	return nil
}

func (c *Config) ManagerConfig() manager.Config {
	policy, _ := txncache.ParsePolicy(c.CachePolicy)
	return manager.Config{
		CacheCapacity: c.CacheCapacity,
		CacheStripes:  c.CacheStripes,
		CachePolicy:   policy,
		KeepAlive: keepalive.Config{
			Interval:      c.KeepAliveInterval,
			Timeout:       c.KeepAliveTimeout,
			AutoHeartbeat: c.AutoHeartbeat,
		},
	}
}

func (c *Config) StoreOptions() []storage.Option {
	return []storage.Option{storage.WithBlockSize(c.TimestampBlockSize)}
}
