// Package bus manages Lux channels and the devices reachable over them:
// discovery, per-device connection state and per-tick frame dispatch.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/lux/internal/lux/protocol"
	"github.com/banshee-data/lux/internal/lux/transport"
	"github.com/banshee-data/lux/internal/lux/wire"
	"github.com/banshee-data/lux/internal/timeutil"
)

// Option customises a Bus.
type Option func(*Bus)

// WithOpener replaces transport.Open.
func WithOpener(open transport.Opener) Option {
	return func(b *Bus) { b.opener = open }
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics sets the instrumentation sink.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c timeutil.Clock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithStore records discovery outcomes.
func WithStore(s Store) Option {
	return func(b *Bus) { b.store = s }
}

// Bus owns every channel and device. Open, Discover, Tick, Refresh, Run and
// Close must be called from one goroutine; Devices and Channels may be called
// from any goroutine.
type Bus struct {
	cfg     Config
	opener  transport.Opener
	log     *zap.Logger
	metrics Metrics
	clock   timeutil.Clock
	store   Store

	// mu guards channel and device fields read by status snapshots. The
	// owning goroutine takes it only while mutating them.
	mu       sync.RWMutex
	gen      uint64
	channels []*Channel
	devices  []*Device

	refresh chan struct{}
}

// Open validates cfg and opens every configured channel. Channels that fail
// to open are logged and left closed; the bus is usable without them.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	b := &Bus{
		cfg:     cfg,
		opener:  transport.Open,
		log:     zap.NewNop(),
		metrics: nopMetrics{},
		clock:   timeutil.RealClock{},
		refresh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.devices = make([]*Device, len(cfg.Devices))
	first := make(map[uint32]int, len(cfg.Devices))
	for i, dc := range cfg.Devices {
		b.devices[i] = newDevice(dc, i, cfg.WarnInterval)
		if prev, ok := first[dc.Address]; ok {
			b.log.Warn("address shared by several devices; the first node to answer serves all of them",
				zap.String("address", fmt.Sprintf("0x%08x", dc.Address)), zap.Int("device", i), zap.Int("first", prev))
			continue
		}
		first[dc.Address] = i
	}

	b.openChannels(ctx)
	return b, nil
}

func (b *Bus) openChannels(ctx context.Context) {
	channels := make([]*Channel, len(b.cfg.Channels))
	for i, cc := range b.cfg.Channels {
		ch := &Channel{
			ID:    uuid.New(),
			Index: i,
			URI:   cc.URI,
			Sync:  cc.Sync,
		}
		log := b.log.With(zap.Int("channel", i), zap.String("uri", cc.URI), zap.Stringer("channel_id", ch.ID))

		tr, err := b.opener(ctx, cc.URI, transport.Options{
			Serial:       cc.Serial,
			ProbeTimeout: b.cfg.ProbeTimeout,
		})
		if err != nil {
			ch.openErr = err
			log.Warn("channel unavailable", zap.Error(err))
		} else {
			ch.OpenedAt = b.clock.Now()
			ch.conn = protocol.New(tr, protocol.Options{
				Timeout: b.cfg.Timeout,
				Retries: b.cfg.Retries,
				Logger:  log,
			})
			log.Info("channel open")
		}
		channels[i] = ch
	}

	b.mu.Lock()
	b.gen++
	b.channels = channels
	b.mu.Unlock()
}

func (b *Bus) closeChannels() error {
	b.mu.Lock()
	channels := b.channels
	b.channels = nil
	b.gen++
	for _, d := range b.devices {
		d.unbind(Disconnected)
	}
	b.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if ch.open() {
			if err := ch.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", ch.URI, err))
			}
		}
	}
	b.metrics.ConnectedDevices(0)
	return errors.Join(errs...)
}

// resolve returns the channel a ref points at, or nil when the ref is stale
// or the channel is closed.
func (b *Bus) resolve(ref ChannelRef) *Channel {
	if ref.Gen != b.gen || ref.Index < 0 || ref.Index >= len(b.channels) {
		return nil
	}
	ch := b.channels[ref.Index]
	if !ch.open() {
		return nil
	}
	return ch
}

func (b *Bus) ref(ch *Channel) ChannelRef {
	return ChannelRef{Index: ch.Index, Gen: b.gen}
}

// candidates lists the channels discovery should try for d, in order.
func (b *Bus) candidates(d *Device) []*Channel {
	if d.cfg.Channel >= 0 {
		if d.cfg.Channel < len(b.channels) && b.channels[d.cfg.Channel].open() {
			return []*Channel{b.channels[d.cfg.Channel]}
		}
		return nil
	}
	var out []*Channel
	for _, ch := range b.channels {
		if ch.open() {
			out = append(out, ch)
		}
	}
	return out
}

// Discover queries every device that is not connected for its length and
// binds it to the first channel that answers. It returns how many devices
// were connected by this pass.
func (b *Bus) Discover(ctx context.Context) int {
	found := 0
	for _, d := range b.devices {
		if d.state == Connected {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if b.discoverDevice(ctx, d) {
			found++
		}
	}
	b.metrics.ConnectedDevices(b.connectedCount())
	return found
}

func (b *Bus) discoverDevice(ctx context.Context, d *Device) bool {
	addr := d.cfg.Address
	log := b.log.With(zap.String("address", fmt.Sprintf("0x%08x", addr)), zap.String("name", d.cfg.Name))

	for _, ch := range b.candidates(d) {
		resp, err := ch.conn.Command(ctx, &wire.Packet{Destination: addr, Command: wire.CmdGetLength}, protocol.FlagRetry)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			log.Debug("no answer to length query", zap.String("uri", ch.URI), zap.Error(err))
			continue
		}

		length, err := wire.DecodeLength(resp.Packet.Payload)
		if err == nil && (length == 0 || int(length) > MaxPixels) {
			err = fmt.Errorf("length %d outside 1..%d", length, MaxPixels)
		}
		// The address answered, so other channels are not searched; the
		// device stays in Error until the next discovery pass.
		if err != nil {
			b.mu.Lock()
			d.unbind(Error)
			d.lastErr = err
			b.mu.Unlock()
			log.Warn("device reported unusable length", zap.String("uri", ch.URI), zap.Error(err))
			b.recordOutcome(ctx, d, ch.URI, OutcomeError, int(length), err.Error())
			return false
		}

		b.mu.Lock()
		d.bind(b.ref(ch), int(length))
		d.state = Connected
		d.lastErr = nil
		d.lastSeen = b.clock.Now()
		b.mu.Unlock()
		log.Info("device connected", zap.String("uri", ch.URI), zap.Int("length", int(length)))
		b.recordOutcome(ctx, d, ch.URI, OutcomeConnected, int(length), "")
		return true
	}

	if d.cfg.Channel >= 0 && d.cfg.Length > 0 && d.cfg.Channel < len(b.channels) && b.channels[d.cfg.Channel].open() {
		ch := b.channels[d.cfg.Channel]
		b.mu.Lock()
		d.bind(b.ref(ch), d.cfg.Length)
		d.state = Blind
		b.mu.Unlock()
		if d.lastOutcome != OutcomeBlind {
			log.Warn("device not answering, streaming blind", zap.String("uri", ch.URI), zap.Int("length", d.cfg.Length))
		}
		b.recordOutcome(ctx, d, ch.URI, OutcomeBlind, d.cfg.Length, "")
		return false
	}

	if d.state != Error {
		b.mu.Lock()
		d.unbind(Disconnected)
		b.mu.Unlock()
	}
	if d.lastOutcome != OutcomeMissing {
		log.Warn("device not found")
	}
	b.recordOutcome(ctx, d, "", OutcomeMissing, 0, "")
	return false
}

// recordOutcome reports a discovery outcome. Repeats of the previous outcome
// are counted but not stored.
func (b *Bus) recordOutcome(ctx context.Context, d *Device, uri string, outcome DiscoveryOutcome, length int, detail string) {
	b.metrics.DiscoveryResult(string(outcome))
	if d.lastOutcome == outcome {
		return
	}
	d.lastOutcome = outcome
	if b.store == nil {
		return
	}
	ev := DiscoveryEvent{
		Time:    b.clock.Now(),
		Address: d.cfg.Address,
		URI:     uri,
		Outcome: outcome,
		Length:  length,
		Detail:  detail,
	}
	if err := b.store.RecordDiscovery(ctx, ev); err != nil {
		b.log.Warn("failed to record discovery event", zap.Error(err))
	}
}

func (b *Bus) connectedCount() int {
	n := 0
	for _, d := range b.devices {
		if d.state == Connected {
			n++
		}
	}
	return n
}

// Refresh tears down every channel, reopens them and rediscovers devices.
func (b *Bus) Refresh(ctx context.Context) int {
	if err := b.closeChannels(); err != nil {
		b.log.Warn("error closing channels", zap.Error(err))
	}
	b.openChannels(ctx)
	return b.Discover(ctx)
}

// RequestRefresh asks a running Run loop to refresh at its next iteration.
// It is safe to call from any goroutine.
func (b *Bus) RequestRefresh() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

// Close closes every channel. Devices end up Disconnected.
func (b *Bus) Close() error {
	return b.closeChannels()
}

// Device returns the status of the first configured device with the given
// address.
func (b *Bus) Device(addr uint32) (DeviceStatus, error) {
	for _, s := range b.Devices() {
		if s.Address == addr {
			return s, nil
		}
	}
	return DeviceStatus{}, fmt.Errorf("%w: 0x%08x", ErrDeviceNotFound, addr)
}

// Devices returns a snapshot of every configured device in config order.
func (b *Bus) Devices() []DeviceStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DeviceStatus, len(b.devices))
	for i, d := range b.devices {
		s := DeviceStatus{
			Address:       d.cfg.Address,
			Kind:          d.cfg.Kind.String(),
			Name:          d.cfg.Name,
			Color:         d.cfg.Color,
			State:         d.state,
			Length:        d.length,
			Channel:       -1,
			FramesWritten: d.framesWritten,
			FramesFailed:  d.framesFailed,
			LastSeen:      d.lastSeen,
		}
		if d.lastErr != nil {
			s.LastError = d.lastErr.Error()
		}
		if d.bound {
			if ch := b.resolve(d.ref); ch != nil {
				s.Channel = ch.Index
				s.URI = ch.URI
			}
		}
		out[i] = s
	}
	return out
}

// Channels returns a snapshot of every configured channel.
func (b *Bus) Channels() []ChannelStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ChannelStatus, len(b.channels))
	for i, ch := range b.channels {
		s := ChannelStatus{
			ID:       ch.ID.String(),
			Index:    ch.Index,
			URI:      ch.URI,
			Sync:     ch.Sync,
			Open:     ch.open(),
			OpenedAt: ch.OpenedAt,
		}
		if ch.openErr != nil {
			s.Error = ch.openErr.Error()
		}
		if ch.open() {
			s.Stats = ch.conn.Stats()
			s.State = ch.conn.State().String()
		}
		for _, d := range b.devices {
			if d.bound && d.ref.Index == i && d.ref.Gen == b.gen {
				s.Devices++
			}
		}
		out[i] = s
	}
	return out
}

// Conn returns the protocol connection of channel i, or nil if it is not
// open. The caller must be the goroutine that owns the bus.
func (b *Bus) Conn(i int) *protocol.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.channels) {
		return nil
	}
	return b.channels[i].Conn()
}
