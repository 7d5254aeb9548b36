package main

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
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

// pcapFixture writes a pcap with a ping, a GET_LENGTH request and two frames,
// all sent from the host to the bridge port.
func pcapFixture(t *testing.T) []byte {
	t.Helper()
	req := testutil.MustMarshal(t, &wire.Packet{Destination: 1, Command: wire.CmdGetLength})
	frame := testutil.MustMarshal(t, &wire.Packet{Destination: 1, Command: wire.CmdFrame, Payload: []byte{1, 2, 3}})

	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	epoch := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, payload := range [][]byte{nil, req, frame, frame} {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
		udp := &layers.UDP{SrcPort: 40000, DstPort: 1365}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     epoch.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return out.Bytes()
}

func TestRun_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lux.pcap")
	require.NoError(t, os.WriteFile(path, pcapFixture(t), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{path}, nil, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 7)
	assert.Contains(t, lines[0], "ping")
	assert.Contains(t, lines[1], "GET_LENGTH")
	assert.Equal(t, "4 datagrams, 1 pings, 3 frames, 0 bad frames", lines[4])
	assert.Contains(t, lines[5], "FRAME")
	assert.Contains(t, lines[5], "2")
	assert.Contains(t, lines[6], "GET_LENGTH")
}

func TestRun_StdinSummary(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-summary", "-"}, bytes.NewReader(pcapFixture(t)), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.True(t, strings.HasPrefix(stdout.String(), "4 datagrams"))
}

func TestRun_JSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-json", "-"}, bytes.NewReader(pcapFixture(t)), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var got summaryJSON
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, summaryJSON{
		File:      "-",
		Datagrams: 4,
		Pings:     1,
		Frames:    3,
		Commands:  map[string]int{"FRAME": 2, "GET_LENGTH": 1},
	}, got)
}

func TestRun_OtherPort(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-port", "9999", "-summary", "-"}, bytes.NewReader(pcapFixture(t)), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "0 datagrams, 0 pings, 0 frames, 0 bad frames\n", stdout.String())
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		in   string
		code int
	}{
		{name: "no file", args: nil, code: 2},
		{name: "bad flag", args: []string{"-nope", "x"}, code: 2},
		{name: "port too large", args: []string{"-port", "70000", "-"}, code: 2},
		{name: "missing file", args: []string{filepath.Join(t.TempDir(), "none.pcap")}, code: 1},
		{name: "not a pcap", args: []string{"-"}, in: "garbage", code: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(tt.args, strings.NewReader(tt.in), &stdout, &stderr)
			assert.Equal(t, tt.code, code)
			assert.NotEmpty(t, stderr.String())
		})
	}
}
