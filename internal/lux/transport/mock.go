package transport

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. Reads honour the read timeout the way a real port does: an empty
// buffer blocks until data arrives or the timeout passes, then returns (0, nil).
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// OnWrite, if set, sees every successful write. It runs without the port
	// lock held, so it may call AddReadData to answer.
	OnWrite func(p []byte)

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// MaxWrite caps the bytes accepted per Write to exercise short writes
	MaxWrite int

	Closed      bool
	ReadCalls   int
	WriteCalls  int
	ResetCalls  int
	ReadTimeout time.Duration

	notify chan struct{}
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		ReadTimeout: time.Second,
		notify:      make(chan struct{}, 1),
	}
}

// Read returns buffered data, or waits up to the read timeout for more.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.ReadCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		t.mu.Unlock()
		return 0, err
	}
	if t.ReadBuffer.Len() > 0 {
		defer t.mu.Unlock()
		return t.ReadBuffer.Read(p)
	}
	timeout := t.ReadTimeout
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.notify:
	case <-timer.C:
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write records p, honouring MaxWrite and WriteError.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.WriteCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	if t.MaxWrite > 0 && len(p) > t.MaxWrite {
		p = p[:t.MaxWrite]
	}
	n, _ := t.WriteBuffer.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p[:n]...))
	}
	return n, nil
}

// Close marks the port as closed and wakes a blocked reader.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.wake()
	return t.CloseError
}

// SetReadTimeout implements SerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// ResetInputBuffer implements SerialPorter.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ResetCalls++
	t.ReadBuffer.Reset()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.wake()
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

func (t *TestableSerialPort) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// MockSerialOpener records open calls and hands out a fixed port.
type MockSerialOpener struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *serial.Mode
}

// Open satisfies SerialPortOpener.
func (f *MockSerialOpener) Open(path string, mode *serial.Mode) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Mode: mode})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}
