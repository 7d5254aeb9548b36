// Package bridge relays Lux frames between UDP clients and a serial bus.
//
// A zero-length datagram is a ping and is answered with a zero-length
// datagram. Any other datagram is written to the serial port unchanged.
// Bytes read from the serial port are split after each zero delimiter and
// every frame is sent, delimiter included, to the most recent UDP peer.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lux/internal/lux/transport"
	"github.com/banshee-data/lux/internal/lux/wire"
)

// DefaultPort is the UDP port clients expect the bridge on.
const DefaultPort = 1365

// DefaultPollInterval bounds how long a serial read blocks before the
// bridge checks for shutdown.
const DefaultPollInterval = 50 * time.Millisecond

// Options configure a Bridge.
type Options struct {
	Logger       *zap.Logger
	PollInterval time.Duration
}

// Stats counts bridge traffic.
type Stats struct {
	Pings      uint64 `json:"pings"`
	ToSerial   uint64 `json:"to_serial"`
	FromSerial uint64 `json:"from_serial"`
	// Dropped counts frames with nowhere to go: serial frames before any
	// peer has spoken, oversized serial frames and datagrams in dummy mode.
	Dropped uint64 `json:"dropped"`
}

// Bridge relays between conn and port. A nil port makes a dummy bridge that
// answers pings and discards everything else.
type Bridge struct {
	conn net.PacketConn
	port transport.SerialPorter
	log  *zap.Logger
	poll time.Duration

	mu   sync.Mutex
	peer net.Addr

	pings, toSerial, fromSerial, dropped atomic.Uint64
}

// New returns a bridge. It takes ownership of conn but not of port.
func New(conn net.PacketConn, port transport.SerialPorter, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Bridge{conn: conn, port: port, log: opts.Logger, poll: opts.PollInterval}
}

// Listen binds a UDP socket on addr and returns a bridge on it.
func Listen(addr string, port transport.SerialPorter, opts Options) (*Bridge, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return New(conn, port, opts), nil
}

// Addr is the bound UDP address.
func (b *Bridge) Addr() net.Addr {
	return b.conn.LocalAddr()
}

// Dummy reports whether the bridge has no serial port.
func (b *Bridge) Dummy() bool {
	return b.port == nil
}

// Stats returns current counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Pings:      b.pings.Load(),
		ToSerial:   b.toSerial.Load(),
		FromSerial: b.fromSerial.Load(),
		Dropped:    b.dropped.Load(),
	}
}

func (b *Bridge) setPeer(addr net.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peer = addr
}

func (b *Bridge) lastPeer() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer
}

// Serve relays until ctx is cancelled or either side fails, then closes the
// UDP socket. It returns nil after cancellation.
func (b *Bridge) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return b.conn.Close()
	})
	g.Go(func() error {
		err := b.serveUDP()
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	if b.port != nil {
		g.Go(func() error { return b.serveSerial(gctx) })
	}

	b.log.Info("bridge serving", zap.Stringer("addr", b.Addr()), zap.Bool("dummy", b.Dummy()))
	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, net.ErrClosed)) {
		return nil
	}
	return err
}

func (b *Bridge) serveUDP() error {
	buf := make([]byte, wire.MaxFrameSize+1)
	for {
		n, addr, err := b.conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("udp read: %w", err)
		}
		b.setPeer(addr)

		if n == 0 {
			b.pings.Add(1)
			if _, err := b.conn.WriteTo(nil, addr); err != nil {
				b.log.Warn("ping reply failed", zap.Stringer("peer", addr), zap.Error(err))
			}
			continue
		}
		if b.port == nil {
			b.dropped.Add(1)
			continue
		}
		if err := writeAll(b.port, buf[:n]); err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		b.toSerial.Add(1)
	}
}

func (b *Bridge) serveSerial(ctx context.Context) error {
	if err := b.port.SetReadTimeout(b.poll); err != nil {
		return fmt.Errorf("serial read timeout: %w", err)
	}
	chunk := make([]byte, wire.MaxFrameSize)
	var pending []byte
	for ctx.Err() == nil {
		n, err := b.port.Read(chunk)
		if err != nil {
			return fmt.Errorf("serial read: %w", err)
		}
		pending = append(pending, chunk[:n]...)

		for {
			idx := bytes.IndexByte(pending, wire.Delimiter)
			if idx < 0 {
				break
			}
			b.forward(pending[:idx+1])
			pending = pending[idx+1:]
		}
		if len(pending) > wire.MaxFrameSize {
			b.log.Warn("discarding undelimited serial input", zap.Int("bytes", len(pending)))
			b.dropped.Add(1)
			pending = nil
		}
		if len(pending) == 0 {
			pending = nil
		}
	}
	return nil
}

func (b *Bridge) forward(frame []byte) {
	peer := b.lastPeer()
	if peer == nil {
		b.dropped.Add(1)
		return
	}
	if _, err := b.conn.WriteTo(frame, peer); err != nil {
		b.log.Debug("udp send failed", zap.Stringer("peer", peer), zap.Error(err))
		b.dropped.Add(1)
		return
	}
	b.fromSerial.Add(1)
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
