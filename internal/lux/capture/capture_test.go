package capture

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lux/internal/lux/wire"
	"github.com/banshee-data/lux/internal/testutil"
)

var (
	host   = net.IPv4(10, 0, 0, 1)
	bridge = net.IPv4(10, 0, 0, 2)
	epoch  = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
)

type datagram struct {
	src, dst         net.IP
	srcPort, dstPort uint16
	payload          []byte
}

func writePcap(t *testing.T, dgs []datagram) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i, d := range dgs {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: d.src, DstIP: d.dst}
		udp := &layers.UDP{SrcPort: layers.UDPPort(d.srcPort), DstPort: layers.UDPPort(d.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(d.payload)))

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     epoch.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return &out
}

func TestDecode(t *testing.T) {
	t.Parallel()

	req := testutil.MustMarshal(t, &wire.Packet{Destination: 1, Command: wire.CmdGetLength})
	reply := testutil.MustMarshal(t, &wire.Packet{Destination: 0, Command: wire.CmdGetLength, Payload: []byte{0x32, 0x00}})
	frame := testutil.MustMarshal(t, &wire.Packet{Destination: 1, Command: wire.CmdFrame, Payload: []byte{255, 255, 255}})

	in := writePcap(t, []datagram{
		{host, bridge, 40000, 1365, nil},
		{bridge, host, 1365, 40000, nil},
		{host, bridge, 40000, 1365, req},
		{bridge, host, 1365, 40000, append(append([]byte(nil), reply...), 0x05, 0x01, 0x00)},
		{host, bridge, 40000, 9999, frame},
		{host, bridge, 40000, 1365, frame},
	})

	var recs []Record
	sum, err := Decode(in, 1365, func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Datagrams)
	assert.Equal(t, 2, sum.Pings)
	assert.Equal(t, 3, sum.Frames)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, map[wire.Command]int{wire.CmdGetLength: 2, wire.CmdFrame: 1}, sum.Commands)

	require.Len(t, recs, 6)
	assert.True(t, recs[0].Ping)
	assert.Equal(t, ToBridge, recs[0].Direction)
	assert.Equal(t, FromBridge, recs[1].Direction)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:40000"), recs[0].Src)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:1365"), recs[0].Dst)
	assert.Equal(t, epoch, recs[0].Time.UTC())

	assert.Equal(t, uint32(1), recs[2].Packet.Destination)
	assert.Equal(t, []byte{0x32, 0x00}, recs[3].Packet.Payload)
	assert.Error(t, recs[4].Err)
	assert.Equal(t, []byte{0x05, 0x01}, recs[4].Frame)
	assert.Equal(t, wire.CmdFrame, recs[5].Packet.Command)

	assert.Contains(t, recs[0].String(), "ping")
	assert.Contains(t, recs[2].String(), "cmd=GET_LENGTH")
	assert.Contains(t, recs[4].String(), "bad frame")
}

func TestDecode_CallbackStops(t *testing.T) {
	t.Parallel()

	in := writePcap(t, []datagram{
		{host, bridge, 40000, 1365, nil},
		{host, bridge, 40000, 1365, nil},
	})
	stop := errors.New("stop")
	calls := 0
	_, err := Decode(in, 1365, func(Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestDecode_NotPcap(t *testing.T) {
	t.Parallel()

	_, err := Decode(bytes.NewReader([]byte("not a capture")), 1365, func(Record) error { return nil })
	assert.Error(t, err)
}
