// Package config handles configuration loading and validation for TOS Ledger.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/tos-network/tos-ledger/internal/util"
)

// Reward types
const (
	TypePPLNS = "pplns"
	TypeSolo  = "solo"
)

// Pool defaults applied when a pool entry leaves them out
const (
	DefaultPPLNS               = 10000
	DefaultBaseShareDifficulty = 2.0
	DefaultHashrateWindow      = 1800 * time.Second
	DefaultLargeHashrateWindow = 10800 * time.Second
	DefaultChartsInterval      = 300 * time.Second
	DefaultNetworkInterval     = 5 * time.Second
	DefaultUnlockerInterval    = 60 * time.Second
	DefaultPaymentsInterval    = 600 * time.Second
	DefaultDaemonTimeout       = 10 * time.Second
)

// Config holds all configuration for the ledger
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Pools     []PoolConfig    `mapstructure:"pools"`
}

// PoolConfig defines one isolated pool unit
type PoolConfig struct {
	Name     string         `mapstructure:"name"`
	Coin     string         `mapstructure:"coin"`
	Enabled  bool           `mapstructure:"enabled"`
	Type     string         `mapstructure:"type"`
	PPLNS    int64          `mapstructure:"pplns"`
	Address  string         `mapstructure:"address"`
	Ports    []PortConfig   `mapstructure:"ports"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Unlocker UnlockerConfig `mapstructure:"unlocker"`
	Payments PaymentsConfig `mapstructure:"payments"`
	Hashrate HashrateConfig `mapstructure:"hashrate"`
	Network  NetworkConfig  `mapstructure:"network"`
}

// PortConfig mirrors the stratum port settings the share weights depend on
type PortConfig struct {
	Port    int            `mapstructure:"port"`
	Diff    float64        `mapstructure:"diff"`
	VarDiff *VarDiffConfig `mapstructure:"var_diff"`
}

// VarDiffConfig holds variable difficulty bounds of a port
type VarDiffConfig struct {
	MinDiff float64 `mapstructure:"min_diff"`
	MaxDiff float64 `mapstructure:"max_diff"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	BaseName string `mapstructure:"base_name"`
}

// DaemonConfig defines chain daemon RPC settings
type DaemonConfig struct {
	URL      string        `mapstructure:"url"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// UnlockerConfig defines block maturation settings
type UnlockerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// PaymentsConfig defines payout settings
type PaymentsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	MinimumPayment float64       `mapstructure:"minimum_payment"`
	Account        string        `mapstructure:"account"`
	RecoveryDir    string        `mapstructure:"recovery_dir"`
}

// HashrateConfig defines hashrate aggregation settings
type HashrateConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval"`
	Window              time.Duration `mapstructure:"window"`
	LargeWindow         time.Duration `mapstructure:"large_window"`
	ChartsRetention     time.Duration `mapstructure:"charts_retention"`
	AlgorithmMultiplier float64       `mapstructure:"algorithm_multiplier"`
}

// NetworkConfig defines network info polling
type NetworkConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// APIConfig defines control server settings
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
	Secret  string `mapstructure:"secret"`
}

// MetricsConfig defines prometheus exposition
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// ProfilingConfig defines the pprof debug listener
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolURL      string `mapstructure:"pool_url"`
}

// PolicyConfig defines how long banIP messages keep an address banned
type PolicyConfig struct {
	BanTimeout time.Duration `mapstructure:"ban_timeout"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	return decode(v)
}

// Watch calls onChange with the freshly loaded configuration every time the
// file at configPath is written. Invalid intermediate states are logged and skipped.
func Watch(configPath string, onChange func(*Config)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			util.Warnf("Ignoring config change in %s: %v", e.Name, err)
			return
		}
		util.Infof("Config file %s changed", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tos-ledger")
	}

	// Read environment variables
	v.SetEnvPrefix("TOS_LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for i := range cfg.Pools {
		cfg.Pools[i].applyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "127.0.0.1:8117")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "tos_ledger")

	// New Relic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "TOS Ledger")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Policy defaults
	v.SetDefault("policy.ban_timeout", "30m")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// applyDefaults fills per-pool values left out of the file
func (p *PoolConfig) applyDefaults() {
	switch p.Type {
	case TypePPLNS, TypeSolo:
	case "":
		p.Type = TypePPLNS
	default:
		util.Errorf("Unknown reward type %q for pool %s, using %s", p.Type, p.Coin, TypePPLNS)
		p.Type = TypePPLNS
	}

	if p.PPLNS == 0 {
		p.PPLNS = DefaultPPLNS
	}
	if p.Name == "" {
		p.Name = p.Coin + "-" + p.Type
	}
	if p.Redis.BaseName == "" {
		p.Redis.BaseName = p.Coin
	}
	if p.Daemon.Timeout == 0 {
		p.Daemon.Timeout = DefaultDaemonTimeout
	}
	if p.Unlocker.Interval == 0 {
		p.Unlocker.Interval = DefaultUnlockerInterval
	}
	if p.Payments.Interval == 0 {
		p.Payments.Interval = DefaultPaymentsInterval
	}
	if p.Payments.RecoveryDir == "" {
		p.Payments.RecoveryDir = "."
	}
	if p.Hashrate.Interval == 0 {
		p.Hashrate.Interval = DefaultChartsInterval
	}
	if p.Hashrate.Window == 0 {
		p.Hashrate.Window = DefaultHashrateWindow
	}
	if p.Hashrate.LargeWindow == 0 {
		p.Hashrate.LargeWindow = DefaultLargeHashrateWindow
	}
	if p.Network.Interval == 0 {
		p.Network.Interval = DefaultNetworkInterval
	}
}

// IsSolo returns true for solo pools
func (p *PoolConfig) IsSolo() bool {
	return p.Type == TypeSolo
}

// WindowSize returns the contribution window length; solo pools use 1
func (p *PoolConfig) WindowSize() int64 {
	if p.IsSolo() {
		return 1
	}
	return p.PPLNS
}

// BaseShareDifficulty returns the lowest vardiff floor across ports, or the
// default when no port has vardiff configured.
func (p *PoolConfig) BaseShareDifficulty() float64 {
	base := 0.0
	for _, port := range p.Ports {
		if port.VarDiff == nil || port.VarDiff.MinDiff <= 0 {
			continue
		}
		if base == 0 || port.VarDiff.MinDiff < base {
			base = port.VarDiff.MinDiff
		}
	}
	if base == 0 {
		return DefaultBaseShareDifficulty
	}
	return base
}

// Multiplier returns the algorithm difficulty multiplier, 1 when unset
func (h *HashrateConfig) Multiplier() float64 {
	if h.AlgorithmMultiplier <= 0 {
		return 1
	}
	return h.AlgorithmMultiplier
}

// ShareMultiplier converts summed share difficulty to hashes
func (h *HashrateConfig) ShareMultiplier() float64 {
	if h.AlgorithmMultiplier <= 0 {
		return 1
	}
	return math.Pow(2, 32) / h.AlgorithmMultiplier
}

// EnabledPools returns the pools that should run
func (c *Config) EnabledPools() []PoolConfig {
	pools := make([]PoolConfig, 0, len(c.Pools))
	for _, p := range c.Pools {
		if p.Enabled {
			pools = append(pools, p)
		}
	}
	return pools
}

// Pool returns the named pool config
func (c *Config) Pool(name string) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	names := make(map[string]struct{})
	ports := make(map[int]string)

	for i := range c.Pools {
		p := &c.Pools[i]

		if p.Coin == "" {
			return fmt.Errorf("pools[%d].coin is required", i)
		}
		if _, ok := names[p.Name]; ok {
			return fmt.Errorf("pool name %s is used twice", p.Name)
		}
		names[p.Name] = struct{}{}

		if !p.Enabled {
			continue
		}

		for _, port := range p.Ports {
			if other, ok := ports[port.Port]; ok {
				return fmt.Errorf("port %d is used by pools %s and %s", port.Port, other, p.Name)
			}
			ports[port.Port] = p.Name
		}

		if p.Address == "" {
			return fmt.Errorf("pool %s: address is required", p.Name)
		}
		if p.Daemon.URL == "" {
			return fmt.Errorf("pool %s: daemon.url is required", p.Name)
		}
		if p.Redis.URL == "" {
			return fmt.Errorf("pool %s: redis.url is required", p.Name)
		}
		if p.PPLNS < 1 {
			return fmt.Errorf("pool %s: pplns must be >= 1", p.Name)
		}
		if p.Payments.Enabled && p.Payments.MinimumPayment <= 0 {
			return fmt.Errorf("pool %s: payments.minimum_payment must be > 0", p.Name)
		}
		if p.Hashrate.Window > p.Hashrate.LargeWindow {
			return fmt.Errorf("pool %s: hashrate.window must be <= large_window", p.Name)
		}
	}

	return nil
}
