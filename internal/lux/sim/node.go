// Package sim emulates Lux node firmware so that the host stack can be driven
// end to end without hardware.
package sim

import (
	"encoding/binary"
	"sync"

	"github.com/banshee-data/lux/internal/lux/wire"
)

// Status codes returned in ACK payloads by simulated nodes.
const (
	StatusOK         uint8 = 0x00
	StatusBadRequest uint8 = 0x01
	StatusNotErased  uint8 = 0x02
)

// Node is a simulated Lux strip node.
type Node struct {
	mu sync.Mutex

	addr       wire.AddressConfig
	committed  wire.AddressConfig
	id         string
	descriptor []byte
	length     uint16
	led        bool
	buttons    uint32
	stats      wire.Stats
	resets     int
	appValid   bool

	flashBase uint32
	flash     map[uint32][]byte

	frame  []byte
	held   []byte
	frames int
	syncs  int
}

// NewNode returns a strip node answering to address with the given length.
func NewNode(address uint32, length uint16) *Node {
	n := &Node{
		id:         "lux strip",
		descriptor: []byte("lux-strip/1"),
		length:     length,
		appValid:   true,
		flash:      make(map[uint32][]byte),
	}
	n.addr.Unicast[0] = address
	n.committed = n.addr
	return n
}

// SetID changes the GET_ID string.
func (n *Node) SetID(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.id = id
}

// SetMulticast makes the node answer to a masked group address.
func (n *Node) SetMulticast(addr, mask uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addr.Multicast = addr
	n.addr.MulticastMask = mask
}

// PressButton bumps the button counter.
func (n *Node) PressButton() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buttons++
}

// Accepts reports whether the node would take a packet for addr.
func (n *Node) Accepts(addr uint32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr.Matches(addr)
}

func (n *Node) Length() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.length
}

func (n *Node) LED() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.led
}

func (n *Node) Stats() wire.Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Addresses returns the live address table.
func (n *Node) Addresses() wire.AddressConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// Committed returns the address table as last committed to storage.
func (n *Node) Committed() wire.AddressConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.committed
}

// Resets counts RESET commands received.
func (n *Node) Resets() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resets
}

// AppValid is false once INVALIDATEAPP has been received.
func (n *Node) AppValid() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.appValid
}

// LastFrame returns a copy of the most recently displayed frame.
func (n *Node) LastFrame() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]byte(nil), n.frame...)
}

// Frames counts frames displayed.
func (n *Node) Frames() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames
}

// Syncs counts SYNC commands seen.
func (n *Node) Syncs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.syncs
}

// ReadFlash returns length bytes of simulated flash at addr. Erased or
// untouched flash reads as 0xFF.
func (n *Node) ReadFlash(addr uint32, length int) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readFlash(addr, length)
}

func (n *Node) readFlash(addr uint32, length int) []byte {
	out := make([]byte, length)
	for i := range out {
		a := addr + uint32(i)
		page, ok := n.flash[a&^(wire.FlashPageSize-1)]
		if !ok {
			out[i] = 0xFF
			continue
		}
		out[i] = page[a%wire.FlashPageSize]
	}
	return out
}

func (n *Node) writeFlash(addr uint32, data []byte) uint8 {
	for i := range data {
		if _, ok := n.flash[(addr+uint32(i))&^(wire.FlashPageSize-1)]; !ok {
			return StatusNotErased
		}
	}
	for i, b := range data {
		a := addr + uint32(i)
		page := n.flash[a&^(wire.FlashPageSize-1)]
		// Programming can only clear bits.
		page[a%wire.FlashPageSize] &= b
	}
	return StatusOK
}

// Handle processes one decoded request and returns the reply, or nil when the
// command has no reply or was not for this node. Broadcasts are never
// answered.
func (n *Node) Handle(p *wire.Packet) *wire.Packet {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.addr.Matches(p.Destination) {
		n.stats.WrongAddress++
		return nil
	}
	n.stats.Good++

	reply := n.handle(p)
	if reply == nil || p.Destination == wire.BroadcastAddress {
		return nil
	}
	reply.Destination = wire.HostAddress
	reply.Command = p.Command
	reply.Index = p.Index
	return reply
}

func ack(p *wire.Packet, status uint8) *wire.Packet {
	return &wire.Packet{Payload: wire.EncodeAck(wire.Ack{Status: status, CRC: p.CRC})}
}

func data(payload []byte) *wire.Packet {
	return &wire.Packet{Payload: payload}
}

func (n *Node) handle(p *wire.Packet) *wire.Packet {
	switch p.Command {
	case wire.CmdGetID:
		return data([]byte(n.id))

	case wire.CmdGetDescriptor:
		start := int(p.Index) * wire.MaxPayloadSize
		if start >= len(n.descriptor) {
			return data(nil)
		}
		end := min(start+wire.MaxPayloadSize, len(n.descriptor))
		return data(n.descriptor[start:end])

	case wire.CmdReset:
		n.resets++
		n.led = false
		return ack(p, StatusOK)

	case wire.CmdCommitConfig:
		n.committed = n.addr
		return ack(p, StatusOK)

	case wire.CmdGetAddr:
		return data(n.addr.Encode())

	case wire.CmdSetAddr:
		cfg, err := wire.DecodeAddressConfig(p.Payload)
		if err != nil {
			return ack(p, StatusBadRequest)
		}
		n.addr = cfg
		return ack(p, StatusOK)

	case wire.CmdGetPktCnt:
		return data(wire.EncodeStats(n.stats))

	case wire.CmdResetPktCnt:
		n.stats = wire.Stats{}
		return ack(p, StatusOK)

	case wire.CmdInvalidateApp:
		n.appValid = false
		return ack(p, StatusOK)

	case wire.CmdFlashBaseAddr:
		if len(p.Payload) != 4 {
			return ack(p, StatusBadRequest)
		}
		n.flashBase = binary.LittleEndian.Uint32(p.Payload)
		return ack(p, StatusOK)

	case wire.CmdFlashErase:
		if len(p.Payload) != 4 {
			return ack(p, StatusBadRequest)
		}
		page := binary.LittleEndian.Uint32(p.Payload) &^ (wire.FlashPageSize - 1)
		erased := make([]byte, wire.FlashPageSize)
		for i := range erased {
			erased[i] = 0xFF
		}
		n.flash[page] = erased
		return ack(p, StatusOK)

	case wire.CmdFlashWrite:
		addr := n.flashBase + uint32(p.Index)*wire.FlashPageSize
		return ack(p, n.writeFlash(addr, p.Payload))

	case wire.CmdFlashRead:
		req, err := wire.DecodeFlashReadRequest(p.Payload)
		if err != nil || int(req.Length) > wire.MaxPayloadSize {
			return data(nil)
		}
		return data(n.readFlash(req.Address, int(req.Length)))

	case wire.CmdSync, wire.CmdSyncAck:
		n.syncs++
		if n.held != nil {
			n.frame, n.held = n.held, nil
			n.frames++
		}
		if p.Command == wire.CmdSyncAck {
			return ack(p, StatusOK)
		}
		return nil

	case wire.CmdFrame, wire.CmdFrameAck:
		n.frame = append(n.frame[:0], p.Payload...)
		n.frames++
		if p.Command == wire.CmdFrameAck {
			return ack(p, StatusOK)
		}
		return nil

	case wire.CmdFrameHold, wire.CmdFrameHoldAck:
		n.held = append([]byte(nil), p.Payload...)
		if p.Command == wire.CmdFrameHoldAck {
			return ack(p, StatusOK)
		}
		return nil

	case wire.CmdSetLED:
		if len(p.Payload) != 1 || p.Payload[0] > 1 {
			return ack(p, StatusBadRequest)
		}
		n.led = p.Payload[0] == 1
		return ack(p, StatusOK)

	case wire.CmdGetButtonCount:
		return data(wire.EncodeU32(n.buttons))

	case wire.CmdSetLength:
		length, err := wire.DecodeLength(p.Payload)
		if err != nil {
			return ack(p, StatusBadRequest)
		}
		n.length = length
		return ack(p, StatusOK)

	case wire.CmdGetLength:
		return data(wire.EncodeLength(n.length))

	default:
		return nil
	}
}
