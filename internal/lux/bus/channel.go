package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lux/internal/lux/protocol"
)

// Channel is one open transport and the protocol connection over it. A
// channel whose transport failed to open stays in the table with conn nil so
// that its error is visible in status output.
type Channel struct {
	ID       uuid.UUID
	Index    int
	URI      string
	Sync     bool
	OpenedAt time.Time

	conn    *protocol.Conn
	openErr error
}

// Conn returns the protocol connection, or nil if the channel is not open.
func (c *Channel) Conn() *protocol.Conn {
	return c.conn
}

func (c *Channel) open() bool {
	return c != nil && c.conn != nil
}

// ChannelStatus is a point-in-time view of a channel.
type ChannelStatus struct {
	ID       string         `json:"id"`
	Index    int            `json:"index"`
	URI      string         `json:"uri"`
	Sync     bool           `json:"sync"`
	Open     bool           `json:"open"`
	Error    string         `json:"error,omitempty"`
	State    string         `json:"state,omitempty"`
	OpenedAt time.Time      `json:"opened_at"`
	Devices  int            `json:"devices"`
	Stats    protocol.Stats `json:"stats"`
}
