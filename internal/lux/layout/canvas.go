package layout

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
)

// LoadCanvas decodes a PNG, JPEG or GIF file to use as a canvas. The image is
// stretched over [-1, 1] on both axes.
func LoadCanvas(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open canvas: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode canvas %s: %w", path, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("canvas %s (%s) is empty", path, format)
	}
	return img, nil
}
