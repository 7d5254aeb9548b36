package layout

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lux/internal/lux/bus"
)

func TestParseVertexList(t *testing.T) {
	t.Parallel()

	l, err := ParseVertexList("0 0, 1 1 2")
	require.NoError(t, err)
	assert.Equal(t, VertexList{{X: 0, Y: 0, Scale: 1}, {X: 1, Y: 1, Scale: 2}}, l)
	assert.Equal(t, "0.000 0.000 1.00,1.000 1.000 2.00", l.String())

	again, err := ParseVertexList(l.String())
	require.NoError(t, err)
	assert.Equal(t, l, again)

	empty, err := ParseVertexList("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"0", "a b", "1 2 3 4", "0 0 -1", "0 0,", "NaN 0"} {
		_, err := ParseVertexList(bad)
		assert.ErrorIs(t, err, ErrBadVertexList, bad)
	}
}

func assertPoints(t *testing.T, want, got []Point) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i].X, got[i].X, 1e-9, "point %d x", i)
		assert.InDelta(t, want[i].Y, got[i].Y, 1e-9, "point %d y", i)
	}
}

func TestPoints(t *testing.T) {
	t.Parallel()

	t.Run("straight line", func(t *testing.T) {
		l := VertexList{{X: -1, Scale: 1}, {X: 1, Scale: 1}}
		assertPoints(t, []Point{{-1, 0}, {-0.6, 0}, {-0.2, 0}, {0.2, 0}, {0.6, 0}}, Points(l, 5))
	})

	t.Run("scale weights segments", func(t *testing.T) {
		l := VertexList{{X: 0, Y: 0, Scale: 3}, {X: 1, Y: 0, Scale: 1}, {X: 1, Y: 1, Scale: 1}}
		assertPoints(t, []Point{{0, 0}, {1.0 / 3, 0}, {2.0 / 3, 0}, {1, 0}}, Points(l, 4))
	})

	t.Run("corner", func(t *testing.T) {
		l := VertexList{{X: 0, Y: 0, Scale: 1}, {X: 1, Y: 0, Scale: 1}, {X: 1, Y: 1, Scale: 1}}
		assertPoints(t, []Point{{0, 0}, {0.5, 0}, {1, 0}, {1, 0.5}}, Points(l, 4))
	})

	t.Run("single vertex", func(t *testing.T) {
		l := VertexList{{X: 0.25, Y: -0.5, Scale: 1}}
		assertPoints(t, []Point{{0.25, -0.5}, {0.25, -0.5}}, Points(l, 2))
	})

	t.Run("zero length", func(t *testing.T) {
		l := VertexList{{X: 0.5, Y: 0.5, Scale: 1}, {X: 0.5, Y: 0.5, Scale: 1}}
		assertPoints(t, []Point{{0.5, 0.5}, {0.5, 0.5}, {0.5, 0.5}}, Points(l, 3))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, Points(nil, 3))
		assert.Nil(t, Points(VertexList{{Scale: 1}}, 0))
	})
}

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
)

// stripes is a 3x3 canvas with red, green and blue columns.
func stripes() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	for y := 0; y < 3; y++ {
		img.SetNRGBA(0, y, red)
		img.SetNRGBA(1, y, green)
		img.SetNRGBA(2, y, blue)
	}
	return img
}

type fixedLengths []int

func (f fixedLengths) Devices() []bus.DeviceStatus {
	out := make([]bus.DeviceStatus, len(f))
	for i, n := range f {
		out[i].Length = n
	}
	return out
}

func TestRasterizer_SamplesCanvas(t *testing.T) {
	t.Parallel()

	r, err := NewRasterizer([]bus.DeviceConfig{
		{Address: 1, Length: 3, Vertices: "-1 0,1 0"},
		{Address: 2, Length: 1, Vertices: "1 1"},
		{Address: 3, Length: 1, Vertices: "2 2"},
	}, nil)
	require.NoError(t, err)
	r.SetCanvas(stripes())

	img, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 3), img.Bounds())

	assert.Equal(t, red, img.NRGBAAt(0, 0))
	assert.Equal(t, green, img.NRGBAAt(1, 0))
	assert.Equal(t, green, img.NRGBAAt(2, 0))
	assert.Equal(t, blue, img.NRGBAAt(0, 1))
	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(0, 2), "outside the canvas")
}

func TestRasterizer_UsesLiveLengths(t *testing.T) {
	t.Parallel()

	lengths := fixedLengths{2}
	r, err := NewRasterizer([]bus.DeviceConfig{{Address: 1, Length: 3, Oversample: 2, Vertices: "-1 0,1 0"}}, lengths)
	require.NoError(t, err)
	r.SetCanvas(stripes())

	img, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, red, img.NRGBAAt(0, 0))
	assert.Equal(t, blue, img.NRGBAAt(3, 0))
}

func TestRasterizer_IdentifyColours(t *testing.T) {
	t.Parallel()

	r, err := NewRasterizer([]bus.DeviceConfig{
		{Address: 1, Length: 2, Color: "#ff0000"},
		{Address: 2, Length: 1, Color: "0,0,255"},
	}, nil)
	require.NoError(t, err)

	img, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, red, img.NRGBAAt(1, 0))
	assert.Equal(t, blue, img.NRGBAAt(0, 1))
	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(1, 1))
}

func TestNewRasterizer_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewRasterizer([]bus.DeviceConfig{{Address: 1, Vertices: "x"}}, nil)
	assert.ErrorIs(t, err, ErrBadVertexList)

	_, err = NewRasterizer([]bus.DeviceConfig{{Address: 1, Color: "purple"}}, nil)
	assert.Error(t, err)
}

func TestParseColor(t *testing.T) {
	t.Parallel()

	tests := map[string]color.NRGBA{
		"":            {R: 255, G: 255, B: 255, A: 255},
		"#96ff00":     {R: 150, G: 255, A: 255},
		"96FF00":      {R: 150, G: 255, A: 255},
		"150, 255, 0": {R: 150, G: 255, A: 255},
	}
	for in, want := range tests {
		got, err := ParseColor(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"#fff", "1,2", "256,0,0", "#gg0000"} {
		_, err := ParseColor(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadCanvas(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "canvas.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, stripes()))
	require.NoError(t, f.Close())

	img, err := LoadCanvas(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 3), img.Bounds())

	_, err = LoadCanvas(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
