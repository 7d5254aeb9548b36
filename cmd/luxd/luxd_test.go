package main

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/lux/internal/config"
	"github.com/banshee-data/lux/internal/lux/bus"
	"github.com/banshee-data/lux/internal/lux/sim"
	"github.com/banshee-data/lux/internal/testutil"
)

const bridgeURI = "udp://10.0.0.2:1365"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Bus: config.BusConfig{
			FrameRate:        100,
			DiscoverInterval: time.Second,
			Channels:         []config.ChannelConfig{{URI: bridgeURI}},
			Strips: []config.DeviceConfig{
				{Address: 0x10, Name: "desk", Color: "#ff0000", VertexList: "-1 0,1 0"},
			},
		},
		Logging: config.LoggingConfig{Level: "info", Format: "console"},
		Metrics: config.MetricsConfig{Enable: true, Path: "/metrics"},
		Store:   config.StoreConfig{Path: filepath.Join(t.TempDir(), "lux.db")},
	}
}

func startDaemon(t *testing.T, cfg *config.Config, node *sim.Node) *daemon {
	t.Helper()
	f := sim.NewFabric()
	f.Add(bridgeURI, sim.NewNetwork(node))

	d, err := newDaemon(context.Background(), cfg, zap.NewNop(), bus.WithOpener(f.Open))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDaemon_StreamsDeviceColour(t *testing.T) {
	t.Parallel()

	node := sim.NewNode(0x10, 3)
	d := startDaemon(t, testConfig(t), node)
	ctx := context.Background()

	require.Equal(t, 1, d.bus.Discover(ctx))
	rep := d.bus.Tick(ctx, d.raster)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Written)
	assert.Equal(t, []byte{255, 0, 0, 255, 0, 0, 255, 0, 0}, node.LastFrame())

	events, err := d.store.DiscoveryEvents(ctx, 0x10, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bus.OutcomeConnected, events[0].Outcome)
}

func TestDaemon_Canvas(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.SetNRGBA(x, y, color.NRGBA{G: 200, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "canvas.png")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(fh, img))
	require.NoError(t, fh.Close())

	cfg := testConfig(t)
	cfg.Bus.Canvas = path
	node := sim.NewNode(0x10, 2)
	d := startDaemon(t, cfg, node)
	ctx := context.Background()

	d.bus.Discover(ctx)
	d.bus.Tick(ctx, d.raster)
	assert.Equal(t, []byte{0, 200, 0, 0, 200, 0}, node.LastFrame())
}

func TestDaemon_BadCanvas(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Bus.Canvas = filepath.Join(t.TempDir(), "missing.png")
	f := sim.NewFabric()
	_, err := newDaemon(context.Background(), cfg, zap.NewNop(), bus.WithOpener(f.Open))
	assert.ErrorContains(t, err, "open canvas")
}

func TestDaemon_Mux(t *testing.T) {
	t.Parallel()

	d := startDaemon(t, testConfig(t), sim.NewNode(0x10, 3))
	d.bus.Discover(context.Background())

	mux, err := d.mux()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "lux_connected_devices 1")
	assert.Contains(t, rec.Body.String(), `lux_channel_open{channel=`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodGet, "/debug/lux.json", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "desk")
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Path = ""
	node := sim.NewNode(0x10, 3)
	d := startDaemon(t, cfg, node)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	require.Eventually(t, func() bool { return node.Frames() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
