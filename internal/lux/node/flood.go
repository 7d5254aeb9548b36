package node

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/lux/internal/lux/bus"
	"github.com/banshee-data/lux/internal/lux/wire"
)

// FloodReport summarises a flood benchmark.
type FloodReport struct {
	Count   int
	Elapsed time.Duration
	// Delay is the pause inserted after each operation.
	Delay time.Duration
	// LastID is the identifier from the final GET_ID of FloodID.
	LastID string
}

// PerOp is the mean time per operation, including the delay.
func (r FloodReport) PerOp() time.Duration {
	if r.Count == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(r.Count)
}

func (r FloodReport) String() string {
	return fmt.Sprintf("%d ops in %s, %s/op (%s delay/op)", r.Count, r.Elapsed, r.PerOp(), r.Delay)
}

// FloodFrames writes n FRAME packets of pixels pixels, each a grey level that
// steps with the frame number, pausing delay after each.
func (c *Client) FloodFrames(ctx context.Context, n, pixels int, delay time.Duration) (FloodReport, error) {
	if pixels <= 0 || pixels > bus.MaxPixels {
		return FloodReport{}, fmt.Errorf("pixels %d outside 1..%d", pixels, bus.MaxPixels)
	}
	clock := c.clock()
	rep := FloodReport{Delay: delay}
	payload := make([]byte, pixels*3)

	start := clock.Now()
	for i := 0; i < n; i++ {
		level := byte(i & 0x3F)
		for k := range payload {
			payload[k] = level
		}
		if err := c.Conn.Write(ctx, c.packet(wire.CmdFrame, 0, payload)); err != nil {
			rep.Elapsed = clock.Since(start)
			return rep, fmt.Errorf("frame %d: %w", i, err)
		}
		rep.Count++
		if delay > 0 {
			clock.Sleep(delay)
		}
	}
	rep.Elapsed = clock.Since(start)
	return rep, nil
}

// FloodID sends n GET_ID commands and waits for each reply.
func (c *Client) FloodID(ctx context.Context, n int) (FloodReport, error) {
	clock := c.clock()
	var rep FloodReport

	start := clock.Now()
	for i := 0; i < n; i++ {
		id, err := c.ID(ctx)
		if err != nil {
			rep.Elapsed = clock.Since(start)
			return rep, fmt.Errorf("command %d: %w", i, err)
		}
		rep.LastID = id
		rep.Count++
	}
	rep.Elapsed = clock.Since(start)
	return rep, nil
}
