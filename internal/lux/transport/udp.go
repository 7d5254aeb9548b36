package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/lux/internal/lux/wire"
)

// DialFunc dials a connected datagram socket. net.Dialer.DialContext
// satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// UDPTransport carries frames to a UDP-to-serial bridge.
type UDPTransport struct {
	mu     sync.Mutex
	conn   net.Conn
	uri    string
	framer *framer
	drain  []byte
	closed bool
}

func openUDP(ctx context.Context, ep Endpoint, opts Options) (*UDPTransport, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	conn, err := opts.Dial(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, ep, err)
	}

	if err := probeBridge(ctx, conn, opts.ProbeTimeout, opts.ProbeAttempts); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, ep, err)
	}

	return NewUDPTransport(conn, ep.String()), nil
}

// probeBridge sends empty datagrams and waits for any reply. A bridge answers
// an empty datagram with an empty datagram.
func probeBridge(ctx context.Context, conn net.Conn, timeout time.Duration, attempts int) error {
	buf := make([]byte, wire.MaxFrameSize)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := conn.Write(nil); err != nil {
			lastErr = err
			continue
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		if _, err := conn.Read(buf); err != nil {
			lastErr = err
			continue
		}
		return conn.SetReadDeadline(time.Time{})
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d probes: %v", ErrNoBridge, attempts, lastErr)
	}
	return ErrNoBridge
}

// NewUDPTransport wraps an already connected datagram socket.
func NewUDPTransport(conn net.Conn, uri string) *UDPTransport {
	return &UDPTransport{
		conn:   conn,
		uri:    uri,
		framer: newFramer(),
		drain:  make([]byte, wire.MaxFrameSize),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (u *UDPTransport) read(p []byte, deadline time.Time) (int, error) {
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := u.conn.Read(p)
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// ReadFrame implements Transport.
func (u *UDPTransport) ReadFrame(timeout time.Duration) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, ErrClosed
	}
	return u.framer.readFrame(timeout, u.read)
}

// Write implements Transport. A frame is sent as one datagram.
func (u *UDPTransport) Write(p []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	return writeAll(u.conn, p)
}

// Drain implements Transport. Datagrams already queued by the kernel are read
// and dropped without waiting for more. Stale socket errors such as an earlier
// ICMP refusal are dropped with them. Connections that hide their descriptor
// fall back to short read deadlines.
func (u *UDPTransport) Drain() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	u.framer.reset()

	// An expired deadline from the last ReadFrame would fail the raw read.
	if err := u.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	buf := u.drain
	if ok, err := discardQueued(u.conn, buf); ok {
		return err
	}
	for i := 0; i < drainLimit; i++ {
		if err := u.conn.SetReadDeadline(time.Now().Add(drainWait)); err != nil {
			return err
		}
		if _, err := u.conn.Read(buf); err != nil {
			break
		}
	}
	return u.conn.SetReadDeadline(time.Time{})
}

const (
	drainWait  = time.Millisecond
	drainLimit = 64
)

// Close implements Transport.
func (u *UDPTransport) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	return u.conn.Close()
}

// URI implements Transport.
func (u *UDPTransport) URI() string { return u.uri }
