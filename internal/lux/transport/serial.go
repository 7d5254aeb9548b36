package transport

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialPorter is the subset of a serial port the transport needs. serial.Port
// satisfies it; TestableSerialPort stands in for hardware in tests.
type SerialPorter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// SetReadTimeout bounds each Read. A Read that times out returns (0, nil).
	SetReadTimeout(timeout time.Duration) error
	// ResetInputBuffer discards data received but not yet read.
	ResetInputBuffer() error
}

// SerialPortOpener opens the serial device at path.
type SerialPortOpener func(path string, mode *serial.Mode) (SerialPorter, error)

// OpenSerialPort opens a real serial device.
func OpenSerialPort(path string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(path, mode)
}

// DefaultBaudRate is the line rate of Lux RS-485 buses.
const DefaultBaudRate = 3000000

// PortOptions describes the serial line parameters.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}

	return mode, nil
}

// SerialTransport carries frames over a serial line.
type SerialTransport struct {
	mu     sync.Mutex
	port   SerialPorter
	uri    string
	framer *framer
	closed bool
}

func openSerial(ep Endpoint, opts Options) (*SerialTransport, error) {
	mode, err := opts.Serial.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, ep, err)
	}
	port, err := opts.OpenSerial(ep.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, ep, err)
	}
	return NewSerialTransport(port, ep.String()), nil
}

// NewSerialTransport wraps an already open port.
func NewSerialTransport(port SerialPorter, uri string) *SerialTransport {
	return &SerialTransport{
		port:   port,
		uri:    uri,
		framer: newFramer(),
	}
}

func (s *SerialTransport) read(p []byte, deadline time.Time) (int, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, nil
	}
	if err := s.port.SetReadTimeout(remaining); err != nil {
		return 0, fmt.Errorf("set read timeout: %w", err)
	}
	return s.port.Read(p)
}

// ReadFrame implements Transport.
func (s *SerialTransport) ReadFrame(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.framer.readFrame(timeout, s.read)
}

// Write implements Transport.
func (s *SerialTransport) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return writeAll(s.port, p)
}

// Drain implements Transport.
func (s *SerialTransport) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.framer.reset()
	return s.port.ResetInputBuffer()
}

// Close implements Transport.
func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

// URI implements Transport.
func (s *SerialTransport) URI() string { return s.uri }

type writer interface {
	Write(p []byte) (int, error)
}

// writeAll loops on short writes until p is flushed.
func writeAll(w writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write: %d bytes left", len(p))
		}
		p = p[n:]
	}
	return nil
}
