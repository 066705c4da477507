// Package batch - Training samples, detection targets and stacked batches.
package batch

import (
	"fmt"

	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/memory"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Target is the annotation record of one sample.
type Target struct {
	// Boxes in normalized (cx, cy, w, h) coordinates.
	Boxes []common.Box `json:"boxes" yaml:"boxes"`
	// Labels holds one class id per box.
	Labels []int64 `json:"labels" yaml:"labels"`
	// Area holds one area per box.
	Area []float32 `json:"area" yaml:"area"`
	// Mixup holds the per-box blend weight. Nil when no blend was applied.
	Mixup []float32 `json:"mixup,omitempty" yaml:"mixup,omitempty"`
	// Mask is an optional per-sample mask tensor.
	Mask *tensor.Dense `json:"-" yaml:"-"`
}

// Len returns the number of boxes.
func (t Target) Len() int {
	return len(t.Boxes)
}

// HasMask reports whether the target carries a mask tensor.
func (t Target) HasMask() bool {
	return t.Mask != nil
}

// Validate checks that the per-box sequences are index aligned.
func (t Target) Validate() error {
	n := len(t.Boxes)
	if len(t.Labels) != n || len(t.Area) != n {
		return errors.Errorf("target has %d boxes, %d labels and %d areas", n, len(t.Labels), len(t.Area))
	}
	if t.Mixup != nil && len(t.Mixup) != n {
		return errors.Errorf("target has %d boxes and %d mixup weights", n, len(t.Mixup))
	}
	return nil
}

// Sample is one loaded (image, target) pair. Image is a (C, H, W) float32 tensor.
type Sample struct {
	Image  *tensor.Dense
	Target Target
}

// Batch is N samples stacked into one (N, C, H, W) tensor with index aligned targets.
type Batch struct {
	// Images holds the stacked pixels.
	Images *tensor.Dense
	// Targets is index aligned with the first dimension of Images.
	Targets []Target
	// Epoch is the scheduler epoch the batch was assembled in.
	Epoch int
	// Scale is the square resolution the batch was resized to, 0 when not resized.
	Scale int
	// Mixed reports whether mixup was applied.
	Mixed bool
	// Beta is the blend ratio when Mixed is set.
	Beta float64

	alloc memory.Allocator
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	return len(b.Targets)
}

// Pixels returns the backing slice of Images.
func (b *Batch) Pixels() []float32 {
	return b.Images.Data().([]float32)
}

// Dims returns the (N, C, H, W) dimensions of Images.
func (b *Batch) Dims() (n, c, h, w int) {
	s := b.Images.Shape()
	return s[0], s[1], s[2], s[3]
}

// Plane returns the pixels of sample i as a (C*H*W) slice aliasing Images.
func (b *Batch) Plane(i int) []float32 {
	_, c, h, w := b.Dims()
	size := c * h * w
	return b.Pixels()[i*size : (i+1)*size]
}

// Replace swaps the image tensor for one backed by pixels with the given
// dimensions, releasing the previous buffer to the allocator.
func (b *Batch) Replace(pixels []float32, n, c, h, w int) {
	old := b.Pixels()
	b.Images = tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(pixels))
	b.release(old)
}

// Release hands the pixel buffer back to the allocator it came from. The batch
// must not be used afterwards. Calling Release more than once is a no-op.
func (b *Batch) Release() {
	if b == nil || b.Images == nil {
		return
	}
	b.release(b.Pixels())
	b.Images = nil
}

func (b *Batch) release(buf []float32) {
	if b.alloc != nil {
		b.alloc.Release(buf)
	}
}

func (b *Batch) String() string {
	if b.Images == nil {
		return "Batch(released)"
	}
	return fmt.Sprintf("Batch(shape=%v, epoch=%d, scale=%d, mixed=%v)", b.Images.Shape(), b.Epoch, b.Scale, b.Mixed)
}

// Stack copies the sample images into one (N, C, H, W) tensor acquired from alloc,
// preserving input order, and collects the targets in the same order.
//
// Arguments:
//   - samples: The samples to stack; all images must share one (C, H, W) shape.
//   - alloc: The allocator the batch buffer is acquired from.
//
// Returns:
//   - *Batch: The stacked batch.
//   - error: common.ErrEmptyBatch, common.ErrShapeMismatch, or the allocator error.
//
// @example
// b, err := batch.Stack(samples, pool)
//
//	if err != nil {
//	    return err
//	}
//
// defer b.Release()
func Stack(samples []Sample, alloc memory.Allocator) (*Batch, error) {
	if len(samples) == 0 {
		return nil, common.ErrEmptyBatch
	}

	c, h, w, err := imageDims(samples[0].Image)
	if err != nil {
		return nil, errors.Wrap(err, "sample 0")
	}
	for i, s := range samples[1:] {
		ci, hi, wi, err := imageDims(s.Image)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", i+1)
		}
		if ci != c || hi != h || wi != w {
			return nil, errors.Wrapf(common.ErrShapeMismatch,
				"sample %d has shape (%d, %d, %d), expected (%d, %d, %d)", i+1, ci, hi, wi, c, h, w)
		}
	}

	size := c * h * w
	pixels, err := alloc.Acquire(len(samples) * size)
	if err != nil {
		return nil, errors.Wrap(err, "stacking batch")
	}

	targets := make([]Target, len(samples))
	for i, s := range samples {
		data, err := contiguous(s.Image, size)
		if err != nil {
			alloc.Release(pixels)
			return nil, errors.Wrapf(err, "sample %d", i)
		}
		copy(pixels[i*size:(i+1)*size], data)
		targets[i] = s.Target
	}

	return &Batch{
		Images:  tensor.New(tensor.WithShape(len(samples), c, h, w), tensor.WithBacking(pixels)),
		Targets: targets,
		alloc:   alloc,
	}, nil
}

// contiguous returns the pixels of img in (C, H, W) order. Views and transposed
// tensors are materialized first.
func contiguous(img *tensor.Dense, size int) ([]float32, error) {
	if img.IsMaterializable() {
		m, ok := img.Materialize().(*tensor.Dense)
		if !ok {
			return nil, errors.New("materialized image is not dense")
		}
		img = m
	}
	data, ok := img.Data().([]float32)
	if !ok || len(data) != size {
		return nil, errors.Errorf("image backing holds %d floats, shape needs %d", len(data), size)
	}
	return data, nil
}

func imageDims(img *tensor.Dense) (c, h, w int, err error) {
	if img == nil {
		return 0, 0, 0, errors.New("image is nil")
	}
	if img.Dtype() != tensor.Float32 {
		return 0, 0, 0, errors.Errorf("image dtype %v, expected float32", img.Dtype())
	}
	s := img.Shape()
	if len(s) != 3 {
		return 0, 0, 0, errors.Errorf("image shape %v, expected (C, H, W)", s)
	}
	return s[0], s[1], s[2], nil
}
