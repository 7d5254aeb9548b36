package layout

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/lux/internal/lux/bus"
)

// LengthSource reports the live pixel count of each configured device.
// *bus.Bus implements it.
type LengthSource interface {
	Devices() []bus.DeviceStatus
}

type strip struct {
	cfg      bus.DeviceConfig
	vertices VertexList
	color    color.NRGBA

	// points cached for width samples
	width  int
	points []Point
}

// Rasterizer samples a canvas at every device's pixel positions and returns
// the result as one image row per device, in config order. It implements
// bus.PixelSource.
type Rasterizer struct {
	lengths LengthSource

	mu     sync.Mutex
	canvas image.Image
	strips []*strip
}

var _ bus.PixelSource = (*Rasterizer)(nil)

// NewRasterizer parses each device's vertex list and colour. Devices without
// vertices get an empty row.
func NewRasterizer(devices []bus.DeviceConfig, lengths LengthSource) (*Rasterizer, error) {
	r := &Rasterizer{lengths: lengths}
	for i, d := range devices {
		vl, err := ParseVertexList(d.Vertices)
		if err != nil {
			return nil, fmt.Errorf("device %d (0x%08x): %w", i, d.Address, err)
		}
		c, err := ParseColor(d.Color)
		if err != nil {
			return nil, fmt.Errorf("device %d (0x%08x): %w", i, d.Address, err)
		}
		if d.Oversample <= 0 {
			d.Oversample = 1
		}
		r.strips = append(r.strips, &strip{cfg: d, vertices: vl, color: c})
	}
	return r, nil
}

// SetCanvas replaces the image sampled by later snapshots. A nil canvas
// renders every device in its configured colour.
func (r *Rasterizer) SetCanvas(img image.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canvas = img
}

// Snapshot implements bus.PixelSource.
func (r *Rasterizer) Snapshot() (*image.NRGBA, error) {
	lengths := make([]int, len(r.strips))
	if r.lengths != nil {
		for i, s := range r.lengths.Devices() {
			if i < len(lengths) {
				lengths[i] = s.Length
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	width := 1
	for i, s := range r.strips {
		n := lengths[i]
		if n == 0 {
			n = s.cfg.Length
		}
		w := bus.SampleWidth(s.cfg, n)
		if w != s.width {
			s.width = w
			s.points = Points(s.vertices, w)
		}
		width = max(width, w)
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, len(r.strips)))
	for y, s := range r.strips {
		if r.canvas == nil {
			for x := 0; x < s.width; x++ {
				out.SetNRGBA(x, y, s.color)
			}
			continue
		}
		for x, p := range s.points {
			out.SetNRGBA(x, y, sampleCanvas(r.canvas, p))
		}
	}
	return out, nil
}

// sampleCanvas reads the pixel nearest to p. Points outside [-1, 1] are
// transparent.
func sampleCanvas(img image.Image, p Point) color.NRGBA {
	if p.X < -1 || p.X > 1 || p.Y < -1 || p.Y > 1 {
		return color.NRGBA{}
	}
	b := img.Bounds()
	if b.Empty() {
		return color.NRGBA{}
	}
	x := b.Min.X + int((p.X+1)/2*float64(b.Dx()-1)+0.5)
	y := b.Min.Y + int((1-p.Y)/2*float64(b.Dy()-1)+0.5)
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

// ParseColor accepts "#rrggbb", "rrggbb" or "r,g,b". The empty string is
// white.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}, nil
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		if len(parts) != 3 {
			return color.NRGBA{}, fmt.Errorf("colour %q: want r,g,b", s)
		}
		var c [3]uint8
		for i, p := range parts {
			n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
			if err != nil {
				return color.NRGBA{}, fmt.Errorf("colour %q: %w", s, err)
			}
			c[i] = uint8(n)
		}
		return color.NRGBA{R: c[0], G: c[1], B: c[2], A: 255}, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("colour %q: want #rrggbb", s)
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("colour %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n), A: 255}, nil
}
