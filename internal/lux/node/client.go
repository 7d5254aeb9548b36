// Package node talks to a single Lux node for diagnostics, configuration and
// firmware flashing.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/lux/internal/lux/protocol"
	"github.com/banshee-data/lux/internal/lux/wire"
	"github.com/banshee-data/lux/internal/timeutil"
)

// DefaultAddress is the address luxctl starts with.
const DefaultAddress uint32 = 0x80000000

// Conn is the part of *protocol.Conn a Client needs.
type Conn interface {
	Write(ctx context.Context, p *wire.Packet) error
	Command(ctx context.Context, p *wire.Packet, flags protocol.Flags) (protocol.Response, error)
}

// StatusError is a nonzero status returned in a node's ACK.
type StatusError struct {
	Address uint32
	Command wire.Command
	Status  uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("node 0x%08x rejected %s with status %d", e.Address, e.Command, e.Status)
}

// Client issues commands to the node at Address. Address may be changed
// between calls; AssignAddress updates it.
type Client struct {
	Conn    Conn
	Address uint32
	// Clock paces Blink and the flood benchmarks. Defaults to the wall clock.
	Clock timeutil.Clock
	Log   *zap.Logger
}

// New returns a client for addr.
func New(conn Conn, addr uint32) *Client {
	return &Client{Conn: conn, Address: addr}
}

func (c *Client) clock() timeutil.Clock {
	if c.Clock == nil {
		return timeutil.RealClock{}
	}
	return c.Clock
}

func (c *Client) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func (c *Client) packet(cmd wire.Command, index uint8, payload []byte) *wire.Packet {
	return &wire.Packet{Destination: c.Address, Command: cmd, Index: index, Payload: payload}
}

// query sends a command that answers with data.
func (c *Client) query(ctx context.Context, cmd wire.Command, index uint8, payload []byte) ([]byte, error) {
	resp, err := c.Conn.Command(ctx, c.packet(cmd, index, payload), protocol.FlagRetry)
	if err != nil {
		return nil, err
	}
	return resp.Packet.Payload, nil
}

// exec sends a command that answers with an ACK and checks its status.
func (c *Client) exec(ctx context.Context, cmd wire.Command, index uint8, payload []byte) error {
	resp, err := c.Conn.Command(ctx, c.packet(cmd, index, payload), protocol.FlagAck|protocol.FlagRetry)
	if err != nil {
		return err
	}
	if resp.Status != 0 {
		return &StatusError{Address: c.Address, Command: cmd, Status: resp.Status}
	}
	return nil
}

// ID returns the node's type identifier.
func (c *Client) ID(ctx context.Context) (string, error) {
	b, err := c.query(ctx, wire.CmdGetID, 0, nil)
	if err != nil {
		return "", err
	}
	return wire.DecodeID(b), nil
}

// Descriptor returns slice index of the device descriptor.
func (c *Client) Descriptor(ctx context.Context, index uint8) ([]byte, error) {
	return c.query(ctx, wire.CmdGetDescriptor, index, nil)
}

// Reset reboots the node. Flags are node defined; zero is a plain reboot.
func (c *Client) Reset(ctx context.Context, flags uint8) error {
	return c.exec(ctx, wire.CmdReset, 0, []byte{flags})
}

// CommitConfig persists address configuration changes.
func (c *Client) CommitConfig(ctx context.Context) error {
	return c.exec(ctx, wire.CmdCommitConfig, 0, nil)
}

// AddressConfig reads the node's address table.
func (c *Client) AddressConfig(ctx context.Context) (wire.AddressConfig, error) {
	b, err := c.query(ctx, wire.CmdGetAddr, 0, nil)
	if err != nil {
		return wire.AddressConfig{}, err
	}
	return wire.DecodeAddressConfig(b)
}

// SetAddressConfig replaces the node's address table. It is not persisted
// until CommitConfig.
func (c *Client) SetAddressConfig(ctx context.Context, cfg wire.AddressConfig) error {
	return c.exec(ctx, wire.CmdSetAddr, 0, cfg.Encode())
}

// AssignAddress replaces the node's first unicast address with addr and
// targets addr from then on.
func (c *Client) AssignAddress(ctx context.Context, addr uint32) error {
	if addr == wire.HostAddress || addr == wire.BroadcastAddress {
		return fmt.Errorf("cannot assign reserved address 0x%08x", addr)
	}
	cfg, err := c.AddressConfig(ctx)
	if err != nil {
		return fmt.Errorf("get addresses: %w", err)
	}
	old := c.Address
	cfg.Unicast[0] = addr
	if err := c.SetAddressConfig(ctx, cfg); err != nil {
		return fmt.Errorf("set addresses: %w", err)
	}
	c.Address = addr
	c.log().Info("reassigned address", zap.String("from", fmt.Sprintf("0x%08x", old)), zap.String("to", fmt.Sprintf("0x%08x", addr)))
	return nil
}

// Stats reads the node's packet counters.
func (c *Client) Stats(ctx context.Context) (wire.Stats, error) {
	b, err := c.query(ctx, wire.CmdGetPktCnt, 0, nil)
	if err != nil {
		return wire.Stats{}, err
	}
	return wire.DecodeStats(b)
}

// ResetStats zeroes the node's packet counters.
func (c *Client) ResetStats(ctx context.Context) error {
	return c.exec(ctx, wire.CmdResetPktCnt, 0, nil)
}

// SetLED switches the status LED.
func (c *Client) SetLED(ctx context.Context, on bool) error {
	var v byte
	if on {
		v = 1
	}
	return c.exec(ctx, wire.CmdSetLED, 0, []byte{v})
}

// Blink flashes the LED n times, spending period on each on/off cycle.
// Individual failures do not stop the sequence; they are returned joined.
func (c *Client) Blink(ctx context.Context, n int, period time.Duration) error {
	var errs []error
	for i := 0; i < n; i++ {
		for _, on := range []bool{true, false} {
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}
			if err := c.SetLED(ctx, on); err != nil {
				c.log().Warn("led command failed", zap.Bool("on", on), zap.Error(err))
				errs = append(errs, err)
			}
			c.clock().Sleep(period / 2)
		}
	}
	return errors.Join(errs...)
}

// Length reads the configured pixel count.
func (c *Client) Length(ctx context.Context) (int, error) {
	b, err := c.query(ctx, wire.CmdGetLength, 0, nil)
	if err != nil {
		return 0, err
	}
	n, err := wire.DecodeLength(b)
	return int(n), err
}

// SetLength sets the pixel count.
func (c *Client) SetLength(ctx context.Context, n uint16) error {
	return c.exec(ctx, wire.CmdSetLength, 0, wire.EncodeLength(n))
}

// ButtonCount reads the button press counter.
func (c *Client) ButtonCount(ctx context.Context) (uint32, error) {
	b, err := c.query(ctx, wire.CmdGetButtonCount, 0, nil)
	if err != nil {
		return 0, err
	}
	return wire.DecodeButtonCount(b)
}
