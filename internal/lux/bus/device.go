package bus

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DeviceState is the connection state of a configured device.
type DeviceState int

const (
	// Disconnected devices are not bound and are retried at each discovery.
	Disconnected DeviceState = iota
	// Connected devices answered GET_LENGTH and are bound to that channel.
	Connected
	// Blind devices did not answer but stream on their pinned channel with
	// the configured fallback length.
	Blind
	// Error devices reported an unusable length or kept failing writes.
	Error
)

func (s DeviceState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Blind:
		return "blind"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status output.
func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// streaming reports whether Tick sends frames in this state.
func (s DeviceState) streaming() bool {
	return s == Connected || s == Blind
}

// ChannelRef is a handle into the bus channel table. A ref taken before the
// channels were last reopened never resolves.
type ChannelRef struct {
	Index int
	Gen   uint64
}

// Device is the runtime record of one configured device.
type Device struct {
	cfg   DeviceConfig
	index int

	state  DeviceState
	ref    ChannelRef
	bound  bool
	length int
	frame  []byte

	failures      int
	framesWritten uint64
	framesFailed  uint64
	lastErr       error
	lastSeen      time.Time
	lastOutcome   DiscoveryOutcome

	smp  *sampler
	warn *rate.Limiter
}

func newDevice(cfg DeviceConfig, index int, warnEvery time.Duration) *Device {
	return &Device{
		cfg:   cfg,
		index: index,
		smp:   newSampler(cfg),
		warn:  rate.NewLimiter(rate.Every(warnEvery), 1),
	}
}

func (d *Device) bind(ref ChannelRef, length int) {
	d.ref = ref
	d.bound = true
	d.length = length
	if cap(d.frame) >= length*3 {
		d.frame = d.frame[:length*3]
	} else {
		d.frame = make([]byte, length*3)
	}
	d.failures = 0
}

func (d *Device) unbind(state DeviceState) {
	d.state = state
	d.ref = ChannelRef{}
	d.bound = false
}

// DeviceStatus is a point-in-time view of a device for other goroutines.
type DeviceStatus struct {
	Address       uint32      `json:"address"`
	Kind          string      `json:"kind"`
	Name          string      `json:"name,omitempty"`
	Color         string      `json:"color,omitempty"`
	State         DeviceState `json:"state"`
	Length        int         `json:"length"`
	Channel       int         `json:"channel"`
	URI           string      `json:"uri,omitempty"`
	FramesWritten uint64      `json:"frames_written"`
	FramesFailed  uint64      `json:"frames_failed"`
	LastError     string      `json:"last_error,omitempty"`
	LastSeen      time.Time   `json:"last_seen"`
}

// AddressString formats the address the way node tooling prints it.
func (s DeviceStatus) AddressString() string {
	return fmt.Sprintf("0x%08x", s.Address)
}
