package images

import (
	"image"
	"unsafe"

	"github.com/nvr-ai/go-detbatch/memory"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// GocvResizer resizes planes with OpenCV.
type GocvResizer struct {
	// Interpolation is the OpenCV interpolation flag, nearest neighbour when zero.
	Interpolation gocv.InterpolationFlags
}

// Resize resizes every plane of src with gocv.Resize.
//
// Each (h, w) plane is wrapped in a single channel CV_32F Mat without copying,
// resized, and copied into the destination buffer.
//
// Arguments:
//   - src: The source pixels, (N, C, h, w).
//   - n, c, h, w: The source dimensions.
//   - height, width: The target spatial size.
//   - alloc: The allocator the result is acquired from.
//
// Returns:
//   - []float32: The resized pixels, (N, C, height, width).
//   - error: An error for invalid dimensions, from the allocator or from OpenCV.
func (r GocvResizer) Resize(src []float32, n, c, h, w, height, width int, alloc memory.Allocator) ([]float32, error) {
	if err := checkDims(src, n, c, h, w, height, width); err != nil {
		return nil, err
	}
	dst, err := alloc.Acquire(n * c * height * width)
	if err != nil {
		return nil, errors.Wrapf(err, "resizing to %dx%d", width, height)
	}

	inPlane := h * w
	outPlane := height * width
	for p := 0; p < n*c; p++ {
		in := src[p*inPlane : (p+1)*inPlane]
		if err := r.resizePlane(in, h, w, dst[p*outPlane:(p+1)*outPlane], height, width); err != nil {
			alloc.Release(dst)
			return nil, errors.Wrapf(err, "plane %d", p)
		}
	}
	return dst, nil
}

func (r GocvResizer) resizePlane(in []float32, h, w int, out []float32, height, width int) error {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&in[0])), len(in)*4)
	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV32FC1, raw)
	if err != nil {
		return errors.Wrap(err, "wrapping plane")
	}
	defer mat.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Point{X: width, Y: height}, 0, 0, r.Interpolation)
	if resized.Empty() {
		return errors.New("opencv returned an empty mat")
	}

	data, err := resized.DataPtrFloat32()
	if err != nil {
		return errors.Wrap(err, "reading resized plane")
	}
	if len(data) != len(out) {
		return errors.Errorf("opencv produced %d floats, expected %d", len(data), len(out))
	}
	copy(out, data)
	return nil
}
