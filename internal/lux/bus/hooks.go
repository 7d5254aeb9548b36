package bus

import (
	"context"
	"time"
)

// DiscoveryOutcome is the result of one discovery attempt for a device.
type DiscoveryOutcome string

const (
	OutcomeConnected DiscoveryOutcome = "connected"
	OutcomeBlind     DiscoveryOutcome = "blind"
	OutcomeMissing   DiscoveryOutcome = "missing"
	OutcomeError     DiscoveryOutcome = "error"
)

// DiscoveryEvent records a change in a device's discovery outcome.
type DiscoveryEvent struct {
	Time    time.Time
	Address uint32
	URI     string
	Outcome DiscoveryOutcome
	Length  int
	Detail  string
}

// Store persists discovery history. Implementations must be safe to call
// from the goroutine running the bus.
type Store interface {
	RecordDiscovery(ctx context.Context, ev DiscoveryEvent) error
}

// Metrics receives bus instrumentation.
type Metrics interface {
	FrameWritten(uri string)
	FrameFailed(uri string)
	SyncSent(uri string)
	DiscoveryResult(outcome string)
	ConnectedDevices(n int)
	TickDuration(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) FrameWritten(string)        {}
func (nopMetrics) FrameFailed(string)         {}
func (nopMetrics) SyncSent(string)            {}
func (nopMetrics) DiscoveryResult(string)     {}
func (nopMetrics) ConnectedDevices(int)       {}
func (nopMetrics) TickDuration(time.Duration) {}
