package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lux/internal/db"
	"github.com/banshee-data/lux/internal/lux/sim"
	"github.com/banshee-data/lux/internal/timeutil"
)

const simURI = "serial:///dev/ttyLUX0"

type result struct {
	code           int
	stdout, stderr string
}

func runCtl(t *testing.T, n *sim.Node, args ...string) result {
	t.Helper()
	f := sim.NewFabric()
	f.Add(simURI, sim.NewNetwork(n))
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, env{
		stdout: &stdout,
		stderr: &stderr,
		open:   f.Open,
		clock:  timeutil.NewMockClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)),
	})
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestRun_CommandsInOrder(t *testing.T) {
	t.Parallel()

	n := sim.NewNode(0x10, 120)
	r := runCtl(t, n, simURI, "-a", "0x10", "-I", "-L", "60", "-s", "-A", "0x22", "-C", "-I", "-b", "2", "-S")
	require.Equal(t, 0, r.code, r.stderr)

	lines := strings.Split(strings.TrimSpace(r.stdout), "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, "Using address 0x00000010", lines[0])
	assert.Equal(t, "ID of 0x00000010: lux strip", lines[1])
	assert.Equal(t, "Set length of address 0x00000010 to 60", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "Packet stats for 0x00000010: good="), lines[3])
	assert.Equal(t, "Changed address 0x00000010 to 0x00000022", lines[4])
	assert.Equal(t, "Committed config for 0x00000022", lines[5])
	assert.Equal(t, "ID of 0x00000022: lux strip", lines[6])
	assert.Equal(t, "Blinked 0x00000022 2 times", lines[7])
	assert.Equal(t, "Reset packet stats for 0x00000022", lines[8])

	assert.Equal(t, uint16(60), n.Length())
	assert.Equal(t, uint32(0x22), n.Committed().Unicast[0])
	assert.Zero(t, n.Stats().Good)
}

func TestRun_FloodAndDescriptor(t *testing.T) {
	t.Parallel()

	n := sim.NewNode(0x10, 300)
	r := runCtl(t, n, simURI, "-a", "16", "-f", "4", "-i", "3", "-D", "0", "-R", "0")
	require.Equal(t, 0, r.code, r.stderr)

	assert.Contains(t, r.stdout, "Sent 4 frames to 0x00000010")
	assert.Contains(t, r.stdout, `Got 3 IDs ("lux strip")`)
	assert.Contains(t, r.stdout, `Descriptor 0 of 0x00000010: "lux-strip/1"`)
	assert.Contains(t, r.stdout, "Reset 0x00000010")
	assert.Equal(t, 4, n.Frames())
	assert.Len(t, n.LastFrame(), floodPixels*3)
	assert.Equal(t, 1, n.Resets())
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	n := sim.NewNode(0x10, 120)
	r := runCtl(t, n, simURI, "-a", "0x99", "-I", "-L", "10")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "-I:")
	assert.Contains(t, r.stderr, "Command failed; quitting")
	assert.NotContains(t, r.stdout, "Set length")
	assert.Equal(t, uint16(120), n.Length())
}

func TestRun_RecordsStats(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lux.db")
	r := runCtl(t, sim.NewNode(0x10, 1), "-db", path, simURI, "-a", "0x10", "-s", "-s")
	require.Equal(t, 0, r.code, r.stderr)

	store, err := db.Open(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.NodeStatsHistory(context.Background(), 0x10, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, simURI, got[0].URI)
	assert.Greater(t, got[0].Stats.Good, got[1].Stats.Good)
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		code    int
		wantErr string
	}{
		{name: "no args", args: nil, code: 2, wantErr: "missing lux URI"},
		{name: "bad number", args: []string{simURI, "-f", "lots"}, code: 2, wantErr: "bad number"},
		{name: "unknown flag", args: []string{simURI, "-x"}, code: 2, wantErr: "flag provided but not defined"},
		{name: "commands before uri", args: []string{"-I", simURI}, code: 2, wantErr: "must follow"},
		{name: "stray argument", args: []string{simURI, "-I", "extra"}, code: 2, wantErr: "unexpected argument"},
		{name: "help", args: []string{simURI, "-h"}, code: 1, wantErr: "Usage: luxctl"},
		{name: "unknown uri", args: []string{"udp://nowhere:1365", "-I"}, code: 1, wantErr: "Unable to open Lux URI"},
		{name: "length too large", args: []string{simURI, "-a", "0x10", "-L", "70000"}, code: 1, wantErr: "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := runCtl(t, sim.NewNode(0x10, 1), tt.args...)
			assert.Equal(t, tt.code, r.code)
			assert.Contains(t, r.stderr, tt.wantErr)
		})
	}
}
