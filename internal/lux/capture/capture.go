// Package capture decodes Lux traffic from packet captures of the UDP bridge
// port.
package capture

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/lux/internal/lux/wire"
)

// Direction is which way a datagram travelled relative to the bridge.
type Direction int

const (
	ToBridge Direction = iota
	FromBridge
)

func (d Direction) String() string {
	if d == FromBridge {
		return "<"
	}
	return ">"
}

// Record is one Lux frame, or one ping, seen in the capture.
type Record struct {
	Time      time.Time
	Direction Direction
	Src, Dst  netip.AddrPort
	// Ping is set for zero-length datagrams; Packet and Err are empty.
	Ping bool
	// Frame is the COBS-encoded frame without its delimiter.
	Frame  []byte
	Packet *wire.Packet
	Err    error
}

func (r Record) String() string {
	ts := r.Time.UTC().Format("15:04:05.000000")
	switch {
	case r.Ping:
		return fmt.Sprintf("%s %s %s -> %s ping", ts, r.Direction, r.Src, r.Dst)
	case r.Err != nil:
		return fmt.Sprintf("%s %s %s -> %s bad frame (%d bytes): %v", ts, r.Direction, r.Src, r.Dst, len(r.Frame), r.Err)
	default:
		return fmt.Sprintf("%s %s %s -> %s %s", ts, r.Direction, r.Src, r.Dst, r.Packet)
	}
}

// Summary counts what Decode saw.
type Summary struct {
	Datagrams int
	Pings     int
	Frames    int
	Errors    int
	Commands  map[wire.Command]int
}

// Decode reads a pcap stream and calls fn for every ping and frame carried
// in UDP datagrams to or from port. Datagrams are split on zero bytes. A
// non-nil error from fn stops decoding and is returned.
func Decode(r io.Reader, port uint16, fn func(Record) error) (Summary, error) {
	sum := Summary{Commands: make(map[wire.Command]int)}

	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return sum, fmt.Errorf("read pcap header: %w", err)
	}
	src := gopacket.NewPacketSource(pr, pr.LinkType())

	for {
		pkt, err := src.NextPacket()
		if err == io.EOF {
			return sum, nil
		}
		if err != nil {
			return sum, fmt.Errorf("read packet: %w", err)
		}

		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || pkt.NetworkLayer() == nil {
			continue
		}
		var dir Direction
		switch {
		case uint16(udp.DstPort) == port:
			dir = ToBridge
		case uint16(udp.SrcPort) == port:
			dir = FromBridge
		default:
			continue
		}
		sum.Datagrams++

		flow := pkt.NetworkLayer().NetworkFlow()
		base := Record{
			Time:      pkt.Metadata().Timestamp,
			Direction: dir,
			Src:       addrPort(flow.Src().Raw(), uint16(udp.SrcPort)),
			Dst:       addrPort(flow.Dst().Raw(), uint16(udp.DstPort)),
		}

		if len(udp.Payload) == 0 {
			sum.Pings++
			rec := base
			rec.Ping = true
			if err := fn(rec); err != nil {
				return sum, err
			}
			continue
		}

		for _, frame := range bytes.Split(udp.Payload, []byte{wire.Delimiter}) {
			if len(frame) == 0 {
				continue
			}
			rec := base
			rec.Frame = append([]byte(nil), frame...)
			rec.Packet, rec.Err = wire.Unmarshal(frame)
			if rec.Err != nil {
				sum.Errors++
			} else {
				sum.Frames++
				sum.Commands[rec.Packet.Command]++
			}
			if err := fn(rec); err != nil {
				return sum, err
			}
		}
	}
}

func addrPort(raw []byte, port uint16) netip.AddrPort {
	addr, _ := netip.AddrFromSlice(raw)
	return netip.AddrPortFrom(addr.Unmap(), port)
}
