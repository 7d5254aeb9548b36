package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// BroadcastAddress is accepted by every node on a bus.
	BroadcastAddress uint32 = 0xFFFFFFFF
	// HostAddress is the destination every response must carry.
	HostAddress uint32 = 0x00000000

	// HeaderSize covers destination, command and index.
	HeaderSize = 4 + 1 + 1
	// CRCSize is the size of the trailing CRC.
	CRCSize = 4
	// MinPacketSize is a packet with an empty payload.
	MinPacketSize = HeaderSize + CRCSize

	// CRCResidue is what the CRC-32 of a frame followed by its own
	// little-endian CRC always reduces to.
	CRCResidue uint32 = 0x2144DF1C
)

// Packet is a single Lux protocol message.
type Packet struct {
	Destination uint32
	Command     Command
	Index       uint8
	Payload     []byte
	// CRC is filled in by Marshal on outgoing packets and by Unmarshal on
	// incoming ones.
	CRC uint32
}

func (p *Packet) String() string {
	return fmt.Sprintf("dst=0x%08x cmd=%s idx=%d len=%d crc=0x%08x",
		p.Destination, p.Command, p.Index, len(p.Payload), p.CRC)
}

// Checksum computes the CRC over buf with the Lux parameterisation
// (CRC-32/ISO-HDLC).
func Checksum(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}

// AppendCRC appends the little-endian CRC of buf to buf.
func AppendCRC(buf []byte) []byte {
	return binary.LittleEndian.AppendUint32(buf, Checksum(buf))
}

// VerifyCRC reports whether buf, which ends in its own CRC, is intact.
func VerifyCRC(buf []byte) bool {
	return Checksum(buf) == CRCResidue
}

// Plain returns the unstuffed wire bytes of p with the CRC appended, and the
// CRC itself.
func (p *Packet) Plain() ([]byte, uint32, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(p.Payload), MaxPayloadSize)
	}
	buf := make([]byte, 0, MinPacketSize+len(p.Payload))
	buf = binary.LittleEndian.AppendUint32(buf, p.Destination)
	buf = append(buf, byte(p.Command), p.Index)
	buf = append(buf, p.Payload...)
	crc := Checksum(buf)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return buf, crc, nil
}

// Marshal frames p for transmission: header, payload and CRC, COBS encoded
// and delimited. The computed CRC is stored in p.CRC.
func Marshal(p *Packet) ([]byte, error) {
	plain, crc, err := p.Plain()
	if err != nil {
		return nil, err
	}
	framed, err := EncodeCOBS(plain)
	if err != nil {
		return nil, err
	}
	p.CRC = crc
	return framed, nil
}

// Unmarshal decodes one received frame. framed must not include the
// delimiter.
func Unmarshal(framed []byte) (*Packet, error) {
	plain, err := DecodeCOBS(framed)
	if err != nil {
		return nil, err
	}
	return ParsePlain(plain)
}

// ParsePlain splits an unstuffed frame into a packet after checking its CRC.
func ParsePlain(plain []byte) (*Packet, error) {
	if len(plain) < MinPacketSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a packet header", ErrMalformed, len(plain))
	}
	if !VerifyCRC(plain) {
		return nil, ErrBadCRC
	}
	payloadLen := len(plain) - MinPacketSize
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrMalformed, ErrPayloadTooLarge, payloadLen)
	}

	p := &Packet{
		Destination: binary.LittleEndian.Uint32(plain[0:4]),
		Command:     Command(plain[4]),
		Index:       plain[5],
		CRC:         binary.LittleEndian.Uint32(plain[len(plain)-CRCSize:]),
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, plain[HeaderSize:HeaderSize+payloadLen])
	}
	return p, nil
}
