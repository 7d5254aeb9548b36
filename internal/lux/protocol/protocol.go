// Package protocol implements the Lux request/response exchange on top of a
// frame transport: fire-and-forget writes, commands with retry, and ACK
// correlation by CRC.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/lux/internal/lux/transport"
	"github.com/banshee-data/lux/internal/lux/wire"
)

var (
	// ErrNoResponse is returned when every attempt of a command failed. The
	// cause of the last failure is wrapped alongside it.
	ErrNoResponse = errors.New("no response")
	// ErrForeignAddress marks a response not addressed to the host.
	ErrForeignAddress = errors.New("response not addressed to host")
	// ErrAckMismatch marks an ACK that does not echo the request CRC.
	ErrAckMismatch = errors.New("ack crc mismatch")
)

const (
	DefaultTimeout = 150 * time.Millisecond
	DefaultRetries = 3
)

// Flags modify how Command treats responses.
type Flags uint8

const (
	// FlagAck requires the response payload to be status + echoed CRC.
	FlagAck Flags = 1 << iota
	// FlagRetry allows up to Options.Retries attempts.
	FlagRetry
)

func (f Flags) String() string {
	switch f {
	case 0:
		return "none"
	case FlagAck:
		return "ack"
	case FlagRetry:
		return "retry"
	case FlagAck | FlagRetry:
		return "ack|retry"
	default:
		return fmt.Sprintf("Flags(%d)", uint8(f))
	}
}

// State is where the most recent exchange on a Conn ended up.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateRetrying
	StateMatched
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateRetrying:
		return "retrying"
	case StateMatched:
		return "matched"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats are cumulative counters for one Conn.
type Stats struct {
	Writes         uint64 `json:"writes"`
	WriteErrors    uint64 `json:"write_errors"`
	Commands       uint64 `json:"commands"`
	Matched        uint64 `json:"matched"`
	Retries        uint64 `json:"retries"`
	Timeouts       uint64 `json:"timeouts"`
	BadFrames      uint64 `json:"bad_frames"`
	ForeignAddress uint64 `json:"foreign_address"`
	AckMismatch    uint64 `json:"ack_mismatch"`
	NoResponse     uint64 `json:"no_response"`
}

// Options configure a Conn.
type Options struct {
	// Timeout bounds the wait for each response. Defaults to 150ms.
	Timeout time.Duration
	// Retries is the attempt budget of commands sent with FlagRetry.
	Retries int
	Logger  *zap.Logger
}

// Response is a matched reply to a command.
type Response struct {
	Packet *wire.Packet
	// Status is the device status byte of an ACK response. Zero means success.
	Status uint8
	// Attempts is how many requests were sent, including the successful one.
	Attempts int
}

// Conn runs exchanges over one transport. It is not safe for concurrent
// exchanges; Stats and State may be read from any goroutine.
type Conn struct {
	tr      transport.Transport
	timeout time.Duration
	retries int
	log     *zap.Logger

	mu    sync.Mutex
	stats Stats
	state State
}

// New wraps tr. The Conn takes ownership of the transport.
func New(tr transport.Transport, opts Options) *Conn {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Conn{
		tr:      tr,
		timeout: opts.Timeout,
		retries: opts.Retries,
		log:     opts.Logger.With(zap.String("uri", tr.URI())),
	}
}

// URI returns the transport URI.
func (c *Conn) URI() string { return c.tr.URI() }

// Timeout returns the per-attempt response timeout.
func (c *Conn) Timeout() time.Duration { return c.timeout }

// Stats returns a copy of the counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// State returns the state of the last exchange.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.tr.Close()
}

func (c *Conn) update(fn func(s *Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Write sends p without waiting for a reply. Stale input is drained first so
// that a later read cannot pick up an old response. p.CRC is set.
func (c *Conn) Write(ctx context.Context, p *wire.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	framed, err := wire.Marshal(p)
	if err != nil {
		c.update(func(s *Stats) { s.WriteErrors++ })
		return err
	}
	if err := c.tr.Drain(); err != nil {
		c.update(func(s *Stats) { s.WriteErrors++ })
		return fmt.Errorf("drain %s: %w", c.tr.URI(), err)
	}
	if err := c.tr.Write(framed); err != nil {
		c.update(func(s *Stats) { s.WriteErrors++ })
		return fmt.Errorf("write %s to 0x%08x: %w", p.Command, p.Destination, err)
	}
	c.update(func(s *Stats) { s.Writes++ })
	return nil
}

// Command sends p and waits for a matching response. Each attempt performs
// exactly one read; timeouts, undecodable frames, responses with a non-host
// destination and, with FlagAck, ACKs for another request all fail the
// attempt. When the budget is spent the error wraps ErrNoResponse and the last
// cause.
func (c *Conn) Command(ctx context.Context, p *wire.Packet, flags Flags) (Response, error) {
	budget := 1
	if flags&FlagRetry != 0 {
		budget = c.retries
	}
	c.update(func(s *Stats) { s.Commands++ })

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			c.setState(StateIdle)
			return Response{Attempts: attempt - 1}, err
		}
		if attempt > 1 {
			c.setState(StateRetrying)
			c.update(func(s *Stats) { s.Retries++ })
			c.log.Debug("retrying command",
				zap.Stringer("command", p.Command),
				zap.String("address", fmt.Sprintf("0x%08x", p.Destination)),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		resp, err := c.attempt(ctx, p, flags)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Attempts = attempt
		c.setState(StateMatched)
		c.update(func(s *Stats) { s.Matched++ })
		return resp, nil
	}

	c.setState(StateExhausted)
	c.update(func(s *Stats) { s.NoResponse++ })
	return Response{Attempts: budget}, fmt.Errorf("%w: %s to 0x%08x after %d attempt(s): %w",
		ErrNoResponse, p.Command, p.Destination, budget, lastErr)
}

func (c *Conn) attempt(ctx context.Context, p *wire.Packet, flags Flags) (Response, error) {
	if err := c.Write(ctx, p); err != nil {
		return Response{}, err
	}
	c.setState(StateAwaitingResponse)

	frame, err := c.tr.ReadFrame(c.timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			c.update(func(s *Stats) { s.Timeouts++ })
		} else {
			c.update(func(s *Stats) { s.BadFrames++ })
		}
		return Response{}, err
	}

	reply, err := wire.Unmarshal(frame)
	if err != nil {
		c.update(func(s *Stats) { s.BadFrames++ })
		return Response{}, err
	}
	if reply.Destination != wire.HostAddress {
		c.update(func(s *Stats) { s.ForeignAddress++ })
		return Response{}, fmt.Errorf("%w: 0x%08x", ErrForeignAddress, reply.Destination)
	}

	resp := Response{Packet: reply}
	if flags&FlagAck != 0 {
		ack, err := wire.DecodeAck(reply.Payload)
		if err != nil {
			c.update(func(s *Stats) { s.AckMismatch++ })
			return Response{}, fmt.Errorf("%w: %w", ErrAckMismatch, err)
		}
		if ack.CRC != p.CRC {
			c.update(func(s *Stats) { s.AckMismatch++ })
			return Response{}, fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrAckMismatch, ack.CRC, p.CRC)
		}
		resp.Status = ack.Status
	}
	return resp, nil
}
