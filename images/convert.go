package images

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ToCHW resizes img to size x size and converts it to a (3, size, size) float32
// tensor with channel values scaled to [0, 1].
//
// Arguments:
//   - img: The decoded image.
//   - size: The common square size every sample is normalized to.
//
// Returns:
//   - *tensor.Dense: The (3, size, size) tensor.
//   - error: An error if img is nil or size is not positive.
//
// @example
// pic, _, _ := image.Decode(f)
// chw, err := images.ToCHW(pic, 640)
func ToCHW(img image.Image, size int) (*tensor.Dense, error) {
	if img == nil {
		return nil, errors.New("image is nil")
	}
	if size <= 0 {
		return nil, errors.Errorf("invalid size %d", size)
	}

	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
		b = img.Bounds()
	}

	channelSize := size * size
	data := make([]float32, 3*channelSize)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	i := 0
	for y := b.Min.Y; y < b.Min.Y+size; y++ {
		for x := b.Min.X; x < b.Min.X+size; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
	return tensor.New(tensor.WithShape(3, size, size), tensor.WithBacking(data)), nil
}

// ToRGBA converts a (C, h, w) plane with values in [0, 1] back to an 8-bit image.
// Single channel planes are rendered as grayscale; extra channels are ignored.
//
// Arguments:
//   - plane: The pixels, laid out as (C, h, w).
//   - c, h, w: The plane dimensions.
//
// Returns:
//   - *image.RGBA: The rendered image.
//   - error: An error if the dimensions do not match the plane.
func ToRGBA(plane []float32, c, h, w int) (*image.RGBA, error) {
	if c <= 0 || h <= 0 || w <= 0 || len(plane) != c*h*w {
		return nil, errors.Errorf("plane holds %d floats, shape (%d, %d, %d)", len(plane), c, h, w)
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	channel := func(k, i int) uint8 {
		if k >= c {
			k = 0
		}
		return toUint8(plane[k*h*w+i])
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			out.SetRGBA(x, y, color.RGBA{R: channel(0, i), G: channel(1, i), B: channel(2, i), A: 255})
		}
	}
	return out, nil
}

// toUint8 truncates like a (v * 255) cast to uint8, saturating out of range values.
func toUint8(v float32) uint8 {
	s := v * 255
	switch {
	case s <= 0:
		return 0
	case s >= 255:
		return 255
	default:
		return uint8(s)
	}
}
