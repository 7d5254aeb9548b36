package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// LengthPayloadSize is the size of GET_LENGTH responses and SET_LENGTH
	// requests.
	LengthPayloadSize = 2
	// AckPayloadSize is the minimum size of an ack+crc response.
	AckPayloadSize = 5
	// AddressConfigSize is the size of GET_ADDR / SET_ADDR payloads.
	AddressConfigSize = 4 * (1 + 1 + UnicastSlots)
	// UnicastSlots is the number of unicast addresses a node answers to.
	UnicastSlots = 16
	// MaxIDLength bounds the GET_ID response string.
	MaxIDLength = 32
	// FlashPageSize is the amount of data addressed by one FLASH_WRITE index.
	FlashPageSize = 1024

	legacyStatsSize = 5 * 4
	statsSize       = 6 * 4
)

// EncodeLength builds a SET_LENGTH request payload.
func EncodeLength(n uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, n)
}

// DecodeLength parses a GET_LENGTH response payload.
func DecodeLength(payload []byte) (uint16, error) {
	if len(payload) != LengthPayloadSize {
		return 0, fmt.Errorf("%w: length payload is %d bytes, want %d", ErrMalformed, len(payload), LengthPayloadSize)
	}
	return binary.LittleEndian.Uint16(payload), nil
}

// Ack is the decoded body of an ack+crc response.
type Ack struct {
	// Status is 0 on success, otherwise a node-defined error code.
	Status uint8
	// CRC echoes the CRC of the request being acknowledged.
	CRC uint32
}

// DecodeAck parses an ack+crc response payload.
func DecodeAck(payload []byte) (Ack, error) {
	if len(payload) < AckPayloadSize {
		return Ack{}, fmt.Errorf("%w: ack payload is %d bytes, want at least %d", ErrMalformed, len(payload), AckPayloadSize)
	}
	return Ack{
		Status: payload[0],
		CRC:    binary.LittleEndian.Uint32(payload[1:5]),
	}, nil
}

// EncodeAck builds an ack+crc payload. Nodes send these; the host only needs
// it to emulate them.
func EncodeAck(a Ack) []byte {
	buf := []byte{a.Status}
	return binary.LittleEndian.AppendUint32(buf, a.CRC)
}

// Stats are the packet counters reported by GET_PKTCNT.
type Stats struct {
	Good          uint32 `json:"good"`
	Malformed     uint32 `json:"malformed"`
	Overrun       uint32 `json:"overrun"`
	BadCRC        uint32 `json:"bad_crc"`
	RxInterrupted uint32 `json:"rx_interrupted"`
	WrongAddress  uint32 `json:"wrong_address"`
}

func (s Stats) String() string {
	return fmt.Sprintf("good=%d malfm=%d ovrun=%d badcrc=%d rxint=%d xaddr=%d",
		s.Good, s.Malformed, s.Overrun, s.BadCRC, s.RxInterrupted, s.WrongAddress)
}

// DecodeStats parses a GET_PKTCNT response payload. Older firmware omits the
// wrong-address counter; it then reads as zero.
func DecodeStats(payload []byte) (Stats, error) {
	if len(payload) < legacyStatsSize {
		return Stats{}, fmt.Errorf("%w: stats payload is %d bytes, want %d", ErrMalformed, len(payload), statsSize)
	}
	u32 := func(i int) uint32 { return binary.LittleEndian.Uint32(payload[i*4:]) }
	s := Stats{
		Good:          u32(0),
		Malformed:     u32(1),
		Overrun:       u32(2),
		BadCRC:        u32(3),
		RxInterrupted: u32(4),
	}
	if len(payload) >= statsSize {
		s.WrongAddress = u32(5)
	}
	return s, nil
}

// EncodeStats builds a GET_PKTCNT response payload.
func EncodeStats(s Stats) []byte {
	buf := make([]byte, 0, statsSize)
	for _, v := range []uint32{s.Good, s.Malformed, s.Overrun, s.BadCRC, s.RxInterrupted, s.WrongAddress} {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	return buf
}

// AddressConfig is the address table of a node.
type AddressConfig struct {
	Multicast     uint32
	MulticastMask uint32
	Unicast       [UnicastSlots]uint32
}

// Matches reports whether a node with this table accepts packets for addr.
func (c AddressConfig) Matches(addr uint32) bool {
	if addr == BroadcastAddress {
		return true
	}
	if c.MulticastMask != 0 && addr&c.MulticastMask == c.Multicast&c.MulticastMask {
		return true
	}
	for _, u := range c.Unicast {
		if u != 0 && u == addr {
			return true
		}
	}
	return false
}

// DecodeAddressConfig parses a GET_ADDR response payload.
func DecodeAddressConfig(payload []byte) (AddressConfig, error) {
	var c AddressConfig
	if len(payload) != AddressConfigSize {
		return c, fmt.Errorf("%w: address payload is %d bytes, want %d", ErrMalformed, len(payload), AddressConfigSize)
	}
	c.Multicast = binary.LittleEndian.Uint32(payload[0:])
	c.MulticastMask = binary.LittleEndian.Uint32(payload[4:])
	for i := range c.Unicast {
		c.Unicast[i] = binary.LittleEndian.Uint32(payload[8+4*i:])
	}
	return c, nil
}

// Encode builds a SET_ADDR request payload.
func (c AddressConfig) Encode() []byte {
	buf := make([]byte, 0, AddressConfigSize)
	buf = binary.LittleEndian.AppendUint32(buf, c.Multicast)
	buf = binary.LittleEndian.AppendUint32(buf, c.MulticastMask)
	for _, u := range c.Unicast {
		buf = binary.LittleEndian.AppendUint32(buf, u)
	}
	return buf
}

// EncodeU32 builds the 4-byte payloads of FLASH_BASEADDR and FLASH_ERASE.
func EncodeU32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// FlashReadRequest is the payload of FLASH_READ.
type FlashReadRequest struct {
	Address uint32
	Length  uint16
}

// EncodeFlashRead builds the FLASH_READ request payload.
func EncodeFlashRead(addr uint32, length uint16) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, addr)
	return binary.LittleEndian.AppendUint16(buf, length)
}

// DecodeFlashReadRequest parses a FLASH_READ request payload.
func DecodeFlashReadRequest(payload []byte) (FlashReadRequest, error) {
	if len(payload) != 6 {
		return FlashReadRequest{}, fmt.Errorf("%w: flash read request is %d bytes, want 6", ErrMalformed, len(payload))
	}
	return FlashReadRequest{
		Address: binary.LittleEndian.Uint32(payload),
		Length:  binary.LittleEndian.Uint16(payload[4:]),
	}, nil
}

// DecodeID parses a GET_ID response into the node type string.
func DecodeID(payload []byte) string {
	if len(payload) > MaxIDLength {
		payload = payload[:MaxIDLength]
	}
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	return string(payload)
}

// DecodeButtonCount parses a GET_BUTTON_COUNT response. Firmware that still
// reports a single "pressed" byte is accepted.
func DecodeButtonCount(payload []byte) (uint32, error) {
	switch {
	case len(payload) >= 4:
		return binary.LittleEndian.Uint32(payload), nil
	case len(payload) == 1:
		return uint32(payload[0]), nil
	default:
		return 0, fmt.Errorf("%w: button payload is %d bytes", ErrMalformed, len(payload))
	}
}
