package bus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/lux/internal/lux/wire"
)

const (
	DefaultFrameRate        = 100
	DefaultDiscoverInterval = 5 * time.Second
)

// TickReport summarises one Tick.
type TickReport struct {
	Written  int
	Failed   int
	Skipped  int
	Syncs    int
	Duration time.Duration
	// Err is set when the pixel source failed; no frames were sent.
	Err error
}

// Tick samples one snapshot from src and sends a FRAME to every streaming
// device, followed by a broadcast SYNC on each channel with Sync set. Write
// failures are counted and logged but never stop the tick.
func (b *Bus) Tick(ctx context.Context, src PixelSource) TickReport {
	start := b.clock.Now()
	var rep TickReport
	defer func() {
		rep.Duration = b.clock.Since(start)
		b.metrics.TickDuration(rep.Duration)
	}()

	img, err := src.Snapshot()
	if err != nil {
		rep.Err = fmt.Errorf("snapshot: %w", err)
		b.log.Warn("pixel source failed", zap.Error(err))
		return rep
	}

	for _, d := range b.devices {
		if !d.state.streaming() {
			continue
		}
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			return rep
		}
		ch := b.resolve(d.ref)
		if ch == nil {
			// The channel went away under the device; wait for rediscovery.
			b.mu.Lock()
			d.unbind(Disconnected)
			b.mu.Unlock()
			rep.Skipped++
			continue
		}
		if !hasRow(img, d.index) {
			if d.warn.AllowN(b.clock.Now(), 1) {
				b.log.Warn("pixel source has no row for device",
					zap.String("address", fmt.Sprintf("0x%08x", d.cfg.Address)), zap.Int("row", d.index))
			}
			rep.Skipped++
			continue
		}

		d.smp.sample(img, d.index, d.frame)
		err := ch.conn.Write(ctx, &wire.Packet{
			Destination: d.cfg.Address,
			Command:     wire.CmdFrame,
			Payload:     d.frame,
		})
		if err == nil {
			b.mu.Lock()
			d.failures = 0
			d.framesWritten++
			b.mu.Unlock()
			b.metrics.FrameWritten(ch.URI)
			rep.Written++
			continue
		}

		rep.Failed++
		b.metrics.FrameFailed(ch.URI)
		b.mu.Lock()
		d.failures++
		d.framesFailed++
		d.lastErr = err
		tripped := d.failures >= b.cfg.ErrorThreshold
		if tripped {
			d.unbind(Error)
		}
		b.mu.Unlock()

		log := b.log.With(zap.String("address", fmt.Sprintf("0x%08x", d.cfg.Address)), zap.String("uri", ch.URI))
		if tripped {
			log.Error("device disabled after repeated write failures", zap.Int("failures", d.failures), zap.Error(err))
		} else if d.warn.AllowN(b.clock.Now(), 1) {
			log.Warn("frame write failed", zap.Int("failures", d.failures), zap.Error(err))
		}
	}

	for _, ch := range b.channels {
		if !ch.Sync || !ch.open() {
			continue
		}
		err := ch.conn.Write(ctx, &wire.Packet{Destination: wire.BroadcastAddress, Command: wire.CmdSync})
		if err != nil {
			b.log.Debug("sync failed", zap.String("uri", ch.URI), zap.Error(err))
			continue
		}
		b.metrics.SyncSent(ch.URI)
		rep.Syncs++
	}
	return rep
}

// RunOptions controls the Run loop.
type RunOptions struct {
	// FrameRate is the tick rate in Hz.
	FrameRate int
	// DiscoverInterval is the period between discovery passes.
	DiscoverInterval time.Duration
	// OnTick, if set, is called after every tick from the Run goroutine.
	OnTick func(TickReport)
}

func (o RunOptions) withDefaults() RunOptions {
	if o.FrameRate <= 0 {
		o.FrameRate = DefaultFrameRate
	}
	if o.DiscoverInterval <= 0 {
		o.DiscoverInterval = DefaultDiscoverInterval
	}
	return o
}

// Run discovers devices, then ticks at the frame rate until ctx is done,
// rediscovering periodically and refreshing when RequestRefresh is called.
// It returns ctx.Err().
func (b *Bus) Run(ctx context.Context, src PixelSource, opts RunOptions) error {
	opts = opts.withDefaults()

	n := b.Discover(ctx)
	b.log.Info("bus running",
		zap.Int("frame_rate", opts.FrameRate),
		zap.Duration("discover_interval", opts.DiscoverInterval),
		zap.Int("connected", n))

	frames := b.clock.NewTicker(time.Second / time.Duration(opts.FrameRate))
	defer frames.Stop()
	discover := b.clock.NewTicker(opts.DiscoverInterval)
	defer discover.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.refresh:
			n := b.Refresh(ctx)
			b.log.Info("bus refreshed", zap.Int("connected", n))
		case <-discover.C():
			if n := b.Discover(ctx); n > 0 {
				b.log.Info("devices connected", zap.Int("count", n))
			}
		case <-frames.C():
			rep := b.Tick(ctx, src)
			if opts.OnTick != nil {
				opts.OnTick(rep)
			}
		}
	}
}
