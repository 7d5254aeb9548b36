package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lux/internal/lux/transport"
	"github.com/banshee-data/lux/internal/lux/wire"
)

// Loopback is an in-memory half-duplex transport in front of a Network.
// Replies to a write are queued immediately, so a read with nothing queued
// times out without waiting.
type Loopback struct {
	mu     sync.Mutex
	net    *Network
	uri    string
	rx     []byte
	closed bool

	failWrites int
	drains     int
}

var _ transport.Transport = (*Loopback)(nil)

// NewLoopback connects a transport to w.
func NewLoopback(w *Network, uri string) *Loopback {
	return &Loopback{net: w, uri: uri}
}

// FailWrites makes the next k writes fail.
func (l *Loopback) FailWrites(k int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWrites = k
}

// Inject queues raw bytes as if a node had sent them.
func (l *Loopback) Inject(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rx = append(l.rx, b...)
}

// Drains counts Drain calls.
func (l *Loopback) Drains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drains
}

// Closed reports whether Close has been called.
func (l *Loopback) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loopback) ReadFrame(timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, transport.ErrClosed
	}
	for {
		idx := bytes.IndexByte(l.rx, wire.Delimiter)
		if idx < 0 {
			return nil, transport.ErrTimeout
		}
		frame := append([]byte(nil), l.rx[:idx]...)
		l.rx = l.rx[idx+1:]
		if len(frame) > 0 {
			return frame, nil
		}
	}
}

func (l *Loopback) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.ErrClosed
	}
	if l.failWrites > 0 {
		l.failWrites--
		return errors.New("simulated write failure")
	}
	l.rx = append(l.rx, l.net.Deliver(p)...)
	return nil
}

func (l *Loopback) Drain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.ErrClosed
	}
	l.drains++
	l.rx = nil
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Loopback) URI() string { return l.uri }

// ServeSerial answers writes to port from w, so that the real serial
// transport can be exercised against simulated nodes.
func ServeSerial(w *Network, port *transport.TestableSerialPort) {
	port.OnWrite = func(p []byte) {
		if reply := w.Deliver(p); len(reply) > 0 {
			port.AddReadData(reply)
		}
	}
}

// Fabric maps transport URIs to simulated segments. Its Open method stands in
// for transport.Open.
type Fabric struct {
	mu      sync.Mutex
	nets    map[string]*Network
	opened  map[string]*Loopback
	failing map[string]bool
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		nets:    make(map[string]*Network),
		opened:  make(map[string]*Loopback),
		failing: make(map[string]bool),
	}
}

// Add routes uri to w.
func (f *Fabric) Add(uri string, w *Network) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nets[uri] = w
}

// SetFailing makes opens of uri fail until cleared.
func (f *Fabric) SetFailing(uri string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[uri] = failing
}

// Loopback returns the transport most recently opened for uri.
func (f *Fabric) Loopback(uri string) *Loopback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[uri]
}

// Open satisfies transport.Opener.
func (f *Fabric) Open(ctx context.Context, uri string, _ transport.Options) (transport.Transport, error) {
	if _, err := transport.ParseURI(uri); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.nets[uri]
	if !ok || f.failing[uri] {
		return nil, fmt.Errorf("%w: %s: no simulated segment", transport.ErrOpen, uri)
	}
	l := NewLoopback(w, uri)
	f.opened[uri] = l
	return l, nil
}
