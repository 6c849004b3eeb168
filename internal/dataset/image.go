package dataset

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"image"
	"image/color"
)

// ToImage converts normalized values back to an 8-bit image.
//
// dims are either [height, width] or [1, height, width] for a gray image, or [3, height, width] for an RGB
// image (channels first). Values are clamped to [0, 1] before scaling.
func ToImage(values []float32, dims ...int) (image.Image, error) {
	var channels, height, width int
	switch len(dims) {
	case 2:
		channels, height, width = 1, dims[0], dims[1]
	case 3:
		channels, height, width = dims[0], dims[1], dims[2]
	default:
		return nil, errors.Errorf("ToImage requires 2 or 3 dimensions, got %v", dims)
	}
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("ToImage supports 1 or 3 channels, got %d", channels)
	}
	if len(values) != channels*height*width {
		return nil, errors.Errorf("ToImage got %d values for dimensions %v", len(values), dims)
	}
	planeSize := height * width
	if channels == 1 {
		gray := image.NewGray(image.Rect(0, 0, width, height))
		for ii, v := range values {
			gray.Pix[ii] = toUint8(v)
		}
		return gray, nil
	}
	rgba := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			pos := y*width + x
			rgba.SetNRGBA(x, y, color.NRGBA{
				R: toUint8(values[pos]),
				G: toUint8(values[planeSize+pos]),
				B: toUint8(values[2*planeSize+pos]),
				A: 255,
			})
		}
	}
	return rgba, nil
}

func toUint8(v float32) uint8 {
	if math32.IsNaN(v) {
		return 0
	}
	v = math32.Max(0, math32.Min(1, v))
	return uint8(math32.Round(v * MaxChannelValue))
}
