package images

import (
	"github.com/nvr-ai/go-detbatch/memory"
	"github.com/pkg/errors"
)

// Resizer resizes a stack of CHW planes to a new spatial size.
type Resizer interface {
	// Resize reads src laid out as (N, C, h, w) and returns a buffer acquired from
	// alloc laid out as (N, C, height, width).
	Resize(src []float32, n, c, h, w, height, width int, alloc memory.Allocator) ([]float32, error)
}

// NearestResizer is a pure Go nearest neighbour kernel. Source index selection
// follows floor(dst * in / out), matching the default interpolation of the
// reference training pipeline.
type NearestResizer struct{}

// Resize resizes every plane of src with nearest neighbour sampling.
//
// Arguments:
//   - src: The source pixels, (N, C, h, w).
//   - n, c, h, w: The source dimensions.
//   - height, width: The target spatial size.
//   - alloc: The allocator the result is acquired from.
//
// Returns:
//   - []float32: The resized pixels, (N, C, height, width).
//   - error: An error for invalid dimensions or from the allocator.
func (NearestResizer) Resize(src []float32, n, c, h, w, height, width int, alloc memory.Allocator) ([]float32, error) {
	if err := checkDims(src, n, c, h, w, height, width); err != nil {
		return nil, err
	}
	dst, err := alloc.Acquire(n * c * height * width)
	if err != nil {
		return nil, errors.Wrapf(err, "resizing to %dx%d", width, height)
	}

	xs := nearestIndex(w, width)
	ys := nearestIndex(h, height)
	inPlane := h * w
	outPlane := height * width
	for p := 0; p < n*c; p++ {
		in := src[p*inPlane : (p+1)*inPlane]
		out := dst[p*outPlane : (p+1)*outPlane]
		for y, sy := range ys {
			row := in[sy*w : (sy+1)*w]
			line := out[y*width : (y+1)*width]
			for x, sx := range xs {
				line[x] = row[sx]
			}
		}
	}
	return dst, nil
}

// nearestIndex maps every output coordinate to its source coordinate.
func nearestIndex(in, out int) []int {
	idx := make([]int, out)
	scale := float64(in) / float64(out)
	for i := range idx {
		s := int(float64(i) * scale)
		if s > in-1 {
			s = in - 1
		}
		idx[i] = s
	}
	return idx
}

func checkDims(src []float32, n, c, h, w, height, width int) error {
	if n <= 0 || c <= 0 || h <= 0 || w <= 0 {
		return errors.Errorf("invalid source dimensions (%d, %d, %d, %d)", n, c, h, w)
	}
	if height <= 0 || width <= 0 {
		return errors.Errorf("invalid target dimensions: width=%d, height=%d", width, height)
	}
	if len(src) != n*c*h*w {
		return errors.Errorf("source holds %d floats, needs %d", len(src), n*c*h*w)
	}
	return nil
}
