// Package transport moves zero-delimited Lux frames over serial lines and UDP
// bridges.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrOpen wraps every failure to open a transport.
	ErrOpen = errors.New("transport open failed")
	// ErrInvalidURI is returned for URIs with an unknown scheme or bad syntax.
	ErrInvalidURI = errors.New("invalid transport uri")
	// ErrNoBridge is returned when a UDP endpoint does not answer the bridge
	// probe.
	ErrNoBridge = errors.New("no bridge responding")
	// ErrTimeout is returned when no complete frame arrives before the
	// deadline.
	ErrTimeout = errors.New("read timeout")
	// ErrOverrun is returned when a full working buffer arrives without a
	// delimiter.
	ErrOverrun = errors.New("frame overrun")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Transport is a byte pipe that carries zero-delimited frames.
// Implementations are not safe for concurrent use; one goroutine owns each
// transport.
type Transport interface {
	// ReadFrame returns the bytes before the next delimiter. The delimiter is
	// consumed and not returned.
	ReadFrame(timeout time.Duration) ([]byte, error)
	// Write transmits p in full.
	Write(p []byte) error
	// Drain discards any input that has not been read yet.
	Drain() error
	Close() error
	URI() string
}

// Scheme identifies the kind of transport named by a URI.
type Scheme string

const (
	SchemeSerial Scheme = "serial"
	SchemeUDP    Scheme = "udp"
)

// Endpoint is a parsed transport URI.
type Endpoint struct {
	Scheme Scheme
	// Path is the device path of a serial endpoint.
	Path string
	// Host and Port address a UDP bridge.
	Host string
	Port int
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeSerial:
		return "serial://" + e.Path
	case SchemeUDP:
		return "udp://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	default:
		return string(e.Scheme) + "://"
	}
}

// ParseURI parses serial://<device-path> and udp://<host>:<port>.
func ParseURI(uri string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidURI, uri)
	}

	switch Scheme(scheme) {
	case SchemeSerial:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%w: %q has no device path", ErrInvalidURI, uri)
		}
		return Endpoint{Scheme: SchemeSerial, Path: rest}, nil

	case SchemeUDP:
		host, portStr, err := net.SplitHostPort(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidURI, uri, err)
		}
		if host == "" {
			return Endpoint{}, fmt.Errorf("%w: %q has no host", ErrInvalidURI, uri)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return Endpoint{}, fmt.Errorf("%w: %q has bad port %q", ErrInvalidURI, uri, portStr)
		}
		return Endpoint{Scheme: SchemeUDP, Host: host, Port: int(port)}, nil

	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, scheme)
	}
}

const (
	DefaultProbeTimeout  = 50 * time.Millisecond
	DefaultProbeAttempts = 3
)

// Options configure Open. The zero value opens real devices with defaults.
type Options struct {
	// Serial configures serial line parameters.
	Serial PortOptions
	// ProbeTimeout bounds each bridge probe attempt.
	ProbeTimeout time.Duration
	// ProbeAttempts is the number of bridge probes sent before giving up.
	ProbeAttempts int

	// OpenSerial replaces the real serial port opener.
	OpenSerial SerialPortOpener
	// Dial replaces the real UDP dialer.
	Dial DialFunc
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = DefaultProbeAttempts
	}
	if o.OpenSerial == nil {
		o.OpenSerial = OpenSerialPort
	}
	if o.Dial == nil {
		var d net.Dialer
		o.Dial = d.DialContext
	}
	return o
}

// Opener opens a transport for a URI. Open satisfies it; tests substitute
// in-memory transports.
type Opener func(ctx context.Context, uri string, opts Options) (Transport, error)

// Open parses uri and opens the transport it names.
func Open(ctx context.Context, uri string, opts Options) (Transport, error) {
	ep, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	switch ep.Scheme {
	case SchemeSerial:
		return openSerial(ep, opts)
	case SchemeUDP:
		return openUDP(ctx, ep, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, ep.Scheme)
	}
}
