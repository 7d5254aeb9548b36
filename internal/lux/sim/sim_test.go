package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lux/internal/lux/transport"
	"github.com/banshee-data/lux/internal/lux/wire"
)

func request(t *testing.T, l transport.Transport, p *wire.Packet) *wire.Packet {
	t.Helper()
	framed, err := wire.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, l.Write(framed))
	frame, err := l.ReadFrame(time.Second)
	require.NoError(t, err)
	reply, err := wire.Unmarshal(frame)
	require.NoError(t, err)
	return reply
}

func TestNode_GetLength(t *testing.T) {
	t.Parallel()

	w := NewNetwork(NewNode(1, 50))
	l := NewLoopback(w, "serial://sim")

	reply := request(t, l, &wire.Packet{Destination: 1, Command: wire.CmdGetLength})
	assert.Equal(t, wire.HostAddress, reply.Destination)
	assert.Equal(t, wire.CmdGetLength, reply.Command)
	assert.Equal(t, []byte{0x32, 0x00}, reply.Payload)
}

func TestNode_IgnoresOtherAddresses(t *testing.T) {
	t.Parallel()

	n := NewNode(1, 50)
	w := NewNetwork(n)
	l := NewLoopback(w, "serial://sim")

	framed, err := wire.Marshal(&wire.Packet{Destination: 2, Command: wire.CmdGetLength})
	require.NoError(t, err)
	require.NoError(t, l.Write(framed))

	_, err = l.ReadFrame(time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, uint32(1), n.Stats().WrongAddress)
}

func TestNode_BroadcastIsSilent(t *testing.T) {
	t.Parallel()

	n := NewNode(1, 3)
	l := NewLoopback(NewNetwork(n), "serial://sim")

	framed, err := wire.Marshal(&wire.Packet{Destination: wire.BroadcastAddress, Command: wire.CmdSync})
	require.NoError(t, err)
	require.NoError(t, l.Write(framed))
	_, err = l.ReadFrame(time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, 1, n.Syncs())
}

func TestNode_AckEchoesCRC(t *testing.T) {
	t.Parallel()

	n := NewNode(7, 10)
	l := NewLoopback(NewNetwork(n), "serial://sim")

	req := &wire.Packet{Destination: 7, Command: wire.CmdSetLED, Payload: []byte{1}}
	reply := request(t, l, req)
	ack, err := wire.DecodeAck(reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, ack.Status)
	assert.Equal(t, req.CRC, ack.CRC)
	assert.True(t, n.LED())

	reply = request(t, l, &wire.Packet{Destination: 7, Command: wire.CmdSetLED, Payload: []byte{9}})
	ack, err = wire.DecodeAck(reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, StatusBadRequest, ack.Status)
}

func TestNode_FrameHoldAndSync(t *testing.T) {
	t.Parallel()

	n := NewNode(7, 1)
	w := NewNetwork(n)
	l := NewLoopback(w, "serial://sim")

	for _, p := range []*wire.Packet{
		{Destination: 7, Command: wire.CmdFrame, Payload: []byte{1, 2, 3}},
		{Destination: 7, Command: wire.CmdFrameHold, Payload: []byte{4, 5, 6}},
	} {
		framed, err := wire.Marshal(p)
		require.NoError(t, err)
		require.NoError(t, l.Write(framed))
	}
	assert.Equal(t, []byte{1, 2, 3}, n.LastFrame())

	framed, err := wire.Marshal(&wire.Packet{Destination: wire.BroadcastAddress, Command: wire.CmdSync})
	require.NoError(t, err)
	require.NoError(t, l.Write(framed))
	assert.Equal(t, []byte{4, 5, 6}, n.LastFrame())
	assert.Equal(t, 2, n.Frames())
	assert.Len(t, w.RequestsFor(wire.CmdSync), 1)
}

func TestNode_Flash(t *testing.T) {
	t.Parallel()

	n := NewNode(7, 1)
	l := NewLoopback(NewNetwork(n), "serial://sim")

	ackStatus := func(p *wire.Packet) uint8 {
		ack, err := wire.DecodeAck(request(t, l, p).Payload)
		require.NoError(t, err)
		return ack.Status
	}

	assert.Equal(t, StatusOK, ackStatus(&wire.Packet{Destination: 7, Command: wire.CmdFlashBaseAddr, Payload: wire.EncodeU32(0x4000)}))
	assert.Equal(t, StatusNotErased, ackStatus(&wire.Packet{Destination: 7, Command: wire.CmdFlashWrite, Payload: []byte{0xAA}}))
	assert.Equal(t, StatusOK, ackStatus(&wire.Packet{Destination: 7, Command: wire.CmdFlashErase, Payload: wire.EncodeU32(0x4000)}))
	assert.Equal(t, StatusOK, ackStatus(&wire.Packet{Destination: 7, Command: wire.CmdFlashWrite, Payload: []byte{0xAA, 0x55}}))

	reply := request(t, l, &wire.Packet{Destination: 7, Command: wire.CmdFlashRead, Payload: wire.EncodeFlashRead(0x4000, 3)})
	assert.Equal(t, []byte{0xAA, 0x55, 0xFF}, reply.Payload)
}

func TestNetwork_Faults(t *testing.T) {
	t.Parallel()

	w := NewNetwork(NewNode(1, 50))
	l := NewLoopback(w, "serial://sim")
	framed, err := wire.Marshal(&wire.Packet{Destination: 1, Command: wire.CmdGetLength})
	require.NoError(t, err)

	w.DropResponses(1)
	require.NoError(t, l.Write(framed))
	_, err = l.ReadFrame(time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)

	w.CorruptResponses(1)
	require.NoError(t, l.Write(framed))
	frame, err := l.ReadFrame(time.Millisecond)
	require.NoError(t, err)
	_, err = wire.Unmarshal(frame)
	assert.ErrorIs(t, err, wire.ErrBadCRC)

	w.MisaddressResponses(1)
	require.NoError(t, l.Write(framed))
	frame, err = l.ReadFrame(time.Millisecond)
	require.NoError(t, err)
	reply, err := wire.Unmarshal(frame)
	require.NoError(t, err)
	assert.NotEqual(t, wire.HostAddress, reply.Destination)

	require.NoError(t, l.Write([]byte{0x05, 0x01, 0x00}))
	assert.Equal(t, 1, w.BadFrames())
}

func TestServeSerial(t *testing.T) {
	t.Parallel()

	port := transport.NewTestableSerialPort()
	ServeSerial(NewNetwork(NewNode(1, 50)), port)
	tr := transport.NewSerialTransport(port, "serial://sim")

	reply := request(t, tr, &wire.Packet{Destination: 1, Command: wire.CmdGetLength})
	assert.Equal(t, []byte{0x32, 0x00}, reply.Payload)
}

func TestFabric_Open(t *testing.T) {
	t.Parallel()

	f := NewFabric()
	f.Add("udp://10.0.0.1:1365", NewNetwork())

	tr, err := f.Open(context.Background(), "udp://10.0.0.1:1365", transport.Options{})
	require.NoError(t, err)
	assert.Same(t, tr, f.Loopback("udp://10.0.0.1:1365"))

	_, err = f.Open(context.Background(), "udp://10.0.0.2:1365", transport.Options{})
	assert.ErrorIs(t, err, transport.ErrOpen)

	f.SetFailing("udp://10.0.0.1:1365", true)
	_, err = f.Open(context.Background(), "udp://10.0.0.1:1365", transport.Options{})
	assert.ErrorIs(t, err, transport.ErrOpen)

	_, err = f.Open(context.Background(), "nope", transport.Options{})
	assert.ErrorIs(t, err, transport.ErrInvalidURI)
}
