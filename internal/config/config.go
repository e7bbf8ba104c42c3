package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/KevinKickass/scpishot/internal/transport"
)

type Config struct {
	OutputDir   string            `mapstructure:"output_dir"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	History     HistoryConfig     `mapstructure:"history"`
	Refresh     RefreshConfig     `mapstructure:"refresh"`
	Log         LogConfig         `mapstructure:"log"`
}

type TransportConfig struct {
	ChunkSize  int           `mapstructure:"chunk_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ReadIdle   time.Duration `mapstructure:"read_idle"`
	QueryDelay time.Duration `mapstructure:"query_delay"`
	BaudRate   int           `mapstructure:"baud_rate"`
}

type DiscoveryConfig struct {
	SerialTimeout time.Duration `mapstructure:"serial_timeout"`
	ManualTimeout time.Duration `mapstructure:"manual_timeout"`
	// LANResources are probed in addition to the enumerated ones; LAN
	// instruments cannot be enumerated.
	LANResources []string `mapstructure:"lan_resources"`
}

type InstrumentsConfig struct {
	TypesFile    string `mapstructure:"types_file"`
	ProfilesFile string `mapstructure:"profiles_file"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

type RefreshConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_dir", ".")

	v.SetDefault("transport.chunk_size", transport.DefaultChunkSize)
	v.SetDefault("transport.timeout", transport.DefaultTimeout.String())
	v.SetDefault("transport.read_idle", transport.DefaultReadIdle.String())
	v.SetDefault("transport.query_delay", "500ms")
	v.SetDefault("transport.baud_rate", 9600)

	v.SetDefault("discovery.serial_timeout", "2s")
	v.SetDefault("discovery.manual_timeout", "5s")
	v.SetDefault("discovery.lan_resources", []string{})

	v.SetDefault("instruments.types_file", "configs/instrument_types.csv")
	v.SetDefault("instruments.profiles_file", "configs/instrument_profiles.yaml")

	v.SetDefault("history.path", "scpishot.db")
	v.SetDefault("refresh.interval", "1s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
}

// Load reads the YAML file at path (optional when empty), then environment
// variables with prefix SCPISHOT_ and finally flags, which win. Flag names
// are config keys, e.g. --transport.timeout.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// "transport.timeout" -> SCPISHOT_TRANSPORT_TIMEOUT
	v.SetEnvPrefix("SCPISHOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Transport.ChunkSize <= 0 {
		return fmt.Errorf("transport.chunk_size must be positive")
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("transport.timeout must be positive")
	}
	if c.Transport.ReadIdle <= 0 {
		return fmt.Errorf("transport.read_idle must be positive")
	}
	if c.Discovery.SerialTimeout <= 0 || c.Discovery.ManualTimeout <= 0 {
		return fmt.Errorf("discovery timeouts must be positive")
	}
	return nil
}

// SessionOptions returns the engine-wide session policy.
func (t TransportConfig) SessionOptions() transport.SessionOptions {
	opts := transport.DefaultSessionOptions()
	opts.ChunkSize = t.ChunkSize
	opts.Timeout = t.Timeout
	opts.ReadIdle = t.ReadIdle
	return opts
}
