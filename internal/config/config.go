// Package config loads the luxd configuration file.
//
// Files may be YAML, JSON or TOML. Every scalar key can be overridden from
// the environment with the LUX_ prefix, dots replaced by underscores:
// LUX_BUS_FRAMERATE=60 sets bus.frameRate.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/lux/internal/lux/bus"
	"github.com/banshee-data/lux/internal/lux/layout"
	"github.com/banshee-data/lux/internal/lux/transport"
)

// EnvConfigPath names the environment variable consulted when Load is
// given an empty path.
const EnvConfigPath = "LUX_CONFIG"

type ChannelConfig struct {
	URI      string `mapstructure:"uri" yaml:"uri"`
	Sync     bool   `mapstructure:"sync" yaml:"sync"`
	Baud     int    `mapstructure:"baud" yaml:"baud,omitempty"`
	DataBits int    `mapstructure:"dataBits" yaml:"dataBits,omitempty"`
	StopBits int    `mapstructure:"stopBits" yaml:"stopBits,omitempty"`
	Parity   string `mapstructure:"parity" yaml:"parity,omitempty"`
}

// DeviceConfig describes one strip or spot. Address accepts decimal or
// 0x-prefixed hex.
type DeviceConfig struct {
	Address uint32 `mapstructure:"address" yaml:"address"`
	Name    string `mapstructure:"name" yaml:"name,omitempty"`
	Color   string `mapstructure:"color" yaml:"color,omitempty"`
	// Channel pins the device to one channel index. Unset searches all.
	Channel    *int    `mapstructure:"channel" yaml:"channel,omitempty"`
	Length     int     `mapstructure:"length" yaml:"length,omitempty"`
	Oversample int     `mapstructure:"oversample" yaml:"oversample,omitempty"`
	Quantize   int     `mapstructure:"quantize" yaml:"quantize,omitempty"`
	MaxEnergy  float64 `mapstructure:"maxEnergy" yaml:"maxEnergy,omitempty"`
	Gamma      float64 `mapstructure:"gamma" yaml:"gamma,omitempty"`
	VertexList string  `mapstructure:"vertexList" yaml:"vertexList,omitempty"`
}

type BusConfig struct {
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries          int           `mapstructure:"retries" yaml:"retries"`
	ProbeTimeout     time.Duration `mapstructure:"probeTimeout" yaml:"probeTimeout"`
	FrameRate        int           `mapstructure:"frameRate" yaml:"frameRate"`
	DiscoverInterval time.Duration `mapstructure:"discoverInterval" yaml:"discoverInterval"`
	ErrorThreshold   int           `mapstructure:"errorThreshold" yaml:"errorThreshold"`
	// Canvas is an image file rasterised onto the strip layout. Empty drives
	// every device with its own colour.
	Canvas   string          `mapstructure:"canvas" yaml:"canvas,omitempty"`
	Channels []ChannelConfig `mapstructure:"channels" yaml:"channels"`
	Strips   []DeviceConfig  `mapstructure:"strips" yaml:"strips"`
	Spots    []DeviceConfig  `mapstructure:"spots" yaml:"spots"`
}

type LumberjackConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize" yaml:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge" yaml:"maxAge"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
	// File is optional; an empty filename logs to stderr only.
	File LumberjackConfig `mapstructure:"file" yaml:"file"`
}

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Path   string `mapstructure:"path" yaml:"path"`
}

type HTTPConfig struct {
	// Addr is the listen address for metrics and debug routes. Empty
	// disables the HTTP server.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type StoreConfig struct {
	// Path is the sqlite database file. Empty disables persistence.
	Path string `mapstructure:"path" yaml:"path"`
}

// Config is the root of the luxd configuration.
type Config struct {
	Bus     BusConfig     `mapstructure:"bus" yaml:"bus"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// Load reads the file at path, or the file named by LUX_CONFIG when path is
// empty, applies environment overrides and validates the result. With no
// file at all the defaults are returned, which configure no devices.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("lux")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lux")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.timeout", "150ms")
	v.SetDefault("bus.retries", 3)
	v.SetDefault("bus.probeTimeout", "50ms")
	v.SetDefault("bus.frameRate", bus.DefaultFrameRate)
	v.SetDefault("bus.discoverInterval", "5s")
	v.SetDefault("bus.errorThreshold", bus.DefaultErrorThreshold)
	v.SetDefault("bus.canvas", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 50)
	v.SetDefault("logging.file.maxBackups", 5)
	v.SetDefault("logging.file.maxAge", 14)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("http.addr", "127.0.0.1:8080")

	v.SetDefault("store.path", "")
}

// Validate checks the configuration values. Bus-level rules are delegated
// to bus.Config.Validate.
func (c *Config) Validate() error {
	var errs []error

	if c.Bus.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("bus.frameRate must be positive, got %d", c.Bus.FrameRate))
	}
	if c.Bus.DiscoverInterval < 0 {
		errs = append(errs, fmt.Errorf("bus.discoverInterval must be non-negative, got %s", c.Bus.DiscoverInterval))
	}
	if c.Bus.Retries < 0 {
		errs = append(errs, fmt.Errorf("bus.retries must be non-negative, got %d", c.Bus.Retries))
	}

	check := func(section string, i int, d DeviceConfig) {
		if _, err := layout.ParseVertexList(d.VertexList); err != nil {
			errs = append(errs, fmt.Errorf("bus.%s[%d]: %w", section, i, err))
		}
		if _, err := layout.ParseColor(d.Color); err != nil {
			errs = append(errs, fmt.Errorf("bus.%s[%d]: %w", section, i, err))
		}
		if d.Channel != nil && *d.Channel < 0 {
			errs = append(errs, fmt.Errorf("bus.%s[%d]: channel must be non-negative, got %d", section, i, *d.Channel))
		}
	}
	for i, d := range c.Bus.Strips {
		check("strips", i, d)
	}
	for i, d := range c.Bus.Spots {
		check("spots", i, d)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	if c.Metrics.Enable && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}

	if err := c.BusConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// BusConfig converts the bus section. Strips come first, then spots, in file
// order.
func (c *Config) BusConfig() bus.Config {
	out := bus.Config{
		Timeout:        c.Bus.Timeout,
		Retries:        c.Bus.Retries,
		ProbeTimeout:   c.Bus.ProbeTimeout,
		ErrorThreshold: c.Bus.ErrorThreshold,
	}
	for _, ch := range c.Bus.Channels {
		out.Channels = append(out.Channels, bus.ChannelConfig{
			URI:  ch.URI,
			Sync: ch.Sync,
			Serial: transport.PortOptions{
				BaudRate: ch.Baud,
				DataBits: ch.DataBits,
				StopBits: ch.StopBits,
				Parity:   ch.Parity,
			},
		})
	}
	for _, d := range c.Bus.Strips {
		out.Devices = append(out.Devices, d.device(bus.KindStrip))
	}
	for _, d := range c.Bus.Spots {
		out.Devices = append(out.Devices, d.device(bus.KindSpot))
	}
	return out
}

func (d DeviceConfig) device(kind bus.Kind) bus.DeviceConfig {
	out := bus.DeviceConfig{
		Address:    d.Address,
		Kind:       kind,
		Name:       d.Name,
		Color:      d.Color,
		Channel:    -1,
		Length:     d.Length,
		Oversample: d.Oversample,
		Quantize:   d.Quantize,
		MaxEnergy:  d.MaxEnergy,
		Gamma:      d.Gamma,
		Vertices:   d.VertexList,
	}
	if d.Channel != nil {
		out.Channel = *d.Channel
	}
	// A spot is a single pixel, so it can stream blind without a length.
	if kind == bus.KindSpot && out.Length == 0 {
		out.Length = 1
	}
	if out.Name == "" {
		out.Name = fmt.Sprintf("%s 0x%08x", kind, d.Address)
	}
	return out
}

// Dump writes the effective configuration as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
