package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/lux/internal/lux/protocol"
	"github.com/banshee-data/lux/internal/lux/transport"
	"github.com/banshee-data/lux/internal/lux/wire"
)

var (
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid bus config")
	// ErrDeviceNotFound is returned when an address is not configured.
	ErrDeviceNotFound = errors.New("device not found")
)

const (
	// MaxPixels is the longest strip a single FRAME payload can drive.
	MaxPixels = wire.MaxPayloadSize / 3

	DefaultErrorThreshold = 10
	DefaultWarnInterval   = 5 * time.Second
)

// Kind is the fixture type of a device.
type Kind int

const (
	KindStrip Kind = iota
	KindSpot
)

func (k Kind) String() string {
	switch k {
	case KindStrip:
		return "strip"
	case KindSpot:
		return "spot"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses "strip" or "spot". The empty string is a strip.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strip":
		return KindStrip, nil
	case "spot":
		return KindSpot, nil
	default:
		return 0, fmt.Errorf("unknown device kind %q", s)
	}
}

// ChannelConfig describes one transport.
type ChannelConfig struct {
	URI string
	// Sync enables a broadcast SYNC after each tick's frames.
	Sync   bool
	Serial transport.PortOptions
}

// DeviceConfig is the static description of one addressable node.
type DeviceConfig struct {
	Address uint32
	Kind    Kind
	Name    string
	Color   string
	// Channel pins the device to one channel index. Negative searches all.
	Channel int
	// Length is the fallback pixel count used to stream blind on the pinned
	// channel when the device does not answer discovery. Zero disables it.
	Length int
	// Oversample is the number of samples averaged per output pixel.
	Oversample int
	// Quantize, when positive, is the number of logical pixels sampled; they
	// are stretched over the physical length.
	Quantize int
	// MaxEnergy caps total output as a fraction of full white. Zero or
	// negative disables the cap.
	MaxEnergy float64
	// Gamma is applied after sampling. Zero or one leaves values unchanged.
	Gamma float64
	// Vertices is the layout path in "x y,x y" form. The bus only carries it.
	Vertices string
}

// Config is everything the bus needs. There are no package-level settings.
type Config struct {
	Timeout        time.Duration
	Retries        int
	ProbeTimeout   time.Duration
	ErrorThreshold int
	WarnInterval   time.Duration
	Channels       []ChannelConfig
	Devices        []DeviceConfig
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = protocol.DefaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = protocol.DefaultRetries
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = transport.DefaultProbeTimeout
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = DefaultWarnInterval
	}
	c.Devices = append([]DeviceConfig(nil), c.Devices...)
	for i := range c.Devices {
		if c.Devices[i].Oversample <= 0 {
			c.Devices[i].Oversample = 1
		}
	}
	return c
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error

	for i, ch := range c.Channels {
		if _, err := transport.ParseURI(ch.URI); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", i, err))
		}
		if _, err := ch.Serial.Normalize(); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", i, err))
		}
	}

	for i, d := range c.Devices {
		switch {
		case d.Address == wire.HostAddress:
			errs = append(errs, fmt.Errorf("device %d: address 0 is reserved for the host", i))
		case d.Address == wire.BroadcastAddress:
			errs = append(errs, fmt.Errorf("device %d: broadcast address cannot be a device", i))
		}
		if d.Channel >= len(c.Channels) {
			errs = append(errs, fmt.Errorf("device %d: channel %d out of range (have %d)", i, d.Channel, len(c.Channels)))
		}
		if d.Length < 0 || d.Length > MaxPixels {
			errs = append(errs, fmt.Errorf("device %d: length %d must be between 0 and %d", i, d.Length, MaxPixels))
		}
		if d.Oversample < 0 {
			errs = append(errs, fmt.Errorf("device %d: oversample must be non-negative", i))
		}
		if d.Quantize > MaxPixels {
			errs = append(errs, fmt.Errorf("device %d: quantize %d exceeds %d", i, d.Quantize, MaxPixels))
		}
		if d.Gamma < 0 {
			errs = append(errs, fmt.Errorf("device %d: gamma must be non-negative", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
