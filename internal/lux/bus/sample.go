package bus

import (
	"image"
	"image/color"
	"math"
)

// PixelSource hands the bus one immutable snapshot per tick. Row i holds the
// samples for the i-th configured device, left to right.
type PixelSource interface {
	Snapshot() (*image.NRGBA, error)
}

// StaticSource always returns the same image.
type StaticSource struct {
	Image *image.NRGBA
}

// Snapshot implements PixelSource.
func (s StaticSource) Snapshot() (*image.NRGBA, error) {
	return s.Image, nil
}

// SolidSource returns a source of rows×width pixels of one colour.
func SolidSource(rows, width int, c color.NRGBA) StaticSource {
	img := image.NewNRGBA(image.Rect(0, 0, width, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return StaticSource{Image: img}
}

// SampleWidth is the number of samples a device consumes from its row.
func SampleWidth(cfg DeviceConfig, length int) int {
	logical := length
	if cfg.Quantize > 0 {
		logical = cfg.Quantize
	}
	return logical * max(cfg.Oversample, 1)
}

// sampler turns one snapshot row into a FRAME payload for a device.
type sampler struct {
	oversample int
	quantize   int
	maxEnergy  float64
	gamma      *[256]byte
	scratch    []byte
}

func newSampler(cfg DeviceConfig) *sampler {
	s := &sampler{
		oversample: max(cfg.Oversample, 1),
		quantize:   cfg.Quantize,
		maxEnergy:  cfg.MaxEnergy,
	}
	if cfg.Gamma > 0 && cfg.Gamma != 1 {
		var lut [256]byte
		for i := range lut {
			lut[i] = uint8(math.Round(255 * math.Pow(float64(i)/255, cfg.Gamma)))
		}
		s.gamma = &lut
	}
	return s
}

// hasRow reports whether img carries a row for device index y.
func hasRow(img *image.NRGBA, y int) bool {
	return img != nil && y >= 0 && y < img.Rect.Dy()
}

// sample fills dst, which holds len(dst)/3 RGB pixels, from row y of img.
// Each logical pixel averages oversample samples weighted by alpha. Samples
// past the end of the row count as transparent.
func (s *sampler) sample(img *image.NRGBA, y int, dst []byte) {
	length := len(dst) / 3
	if length == 0 {
		return
	}
	logical := length
	if s.quantize > 0 {
		logical = s.quantize
	}
	if cap(s.scratch) < logical*3 {
		s.scratch = make([]byte, logical*3)
	}
	px := s.scratch[:logical*3]

	row := img.Rect.Min.Y + y
	norm := uint32(255 * s.oversample)
	for k := 0; k < logical; k++ {
		var r, g, b uint32
		for j := 0; j < s.oversample; j++ {
			x := img.Rect.Min.X + k*s.oversample + j
			if x >= img.Rect.Max.X {
				break
			}
			off := img.PixOffset(x, row)
			a := uint32(img.Pix[off+3])
			r += uint32(img.Pix[off]) * a
			g += uint32(img.Pix[off+1]) * a
			b += uint32(img.Pix[off+2]) * a
		}
		px[k*3] = uint8((r + norm/2) / norm)
		px[k*3+1] = uint8((g + norm/2) / norm)
		px[k*3+2] = uint8((b + norm/2) / norm)
	}

	for p := 0; p < length; p++ {
		k := p * logical / length
		copy(dst[p*3:p*3+3], px[k*3:k*3+3])
	}

	if s.gamma != nil {
		for i, v := range dst {
			dst[i] = s.gamma[v]
		}
	}

	if s.maxEnergy > 0 {
		var total float64
		for _, v := range dst {
			total += float64(v)
		}
		limit := s.maxEnergy * 255 * 3 * float64(length)
		if total > limit {
			scale := limit / total
			for i, v := range dst {
				dst[i] = uint8(float64(v) * scale)
			}
		}
	}
}
