package batch

import (
	"testing"

	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func filledImage(c, h, w int, value float32) *tensor.Dense {
	data := make([]float32, c*h*w)
	for i := range data {
		data[i] = value + float32(i)
	}
	return tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(data))
}

func TestStackPreservesOrder(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		samples := make([]Sample, n)
		for i := range samples {
			samples[i] = Sample{
				Image: filledImage(3, 4, 5, float32(i*1000)),
				Target: Target{
					Boxes:  []common.Box{{0.5, 0.5, 0.1, 0.1}},
					Labels: []int64{int64(i)},
					Area:   []float32{1},
				},
			}
		}

		b, err := Stack(samples, memory.NewPool(0))
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{n, 3, 4, 5}, b.Images.Shape())
		require.Len(t, b.Targets, n)

		for i := 0; i < n; i++ {
			assert.Equal(t, samples[i].Image.Data().([]float32), b.Plane(i), "row %d", i)
			assert.Equal(t, int64(i), b.Targets[i].Labels[0])
		}
	}
}

func TestStackRejectsBadInput(t *testing.T) {
	alloc := memory.Heap{}

	_, err := Stack(nil, alloc)
	assert.True(t, errors.Is(err, common.ErrEmptyBatch))

	_, err = Stack([]Sample{
		{Image: filledImage(3, 4, 4, 0)},
		{Image: filledImage(3, 4, 5, 0)},
	}, alloc)
	assert.True(t, errors.Is(err, common.ErrShapeMismatch))

	_, err = Stack([]Sample{{Image: nil}}, alloc)
	assert.Error(t, err)

	_, err = Stack([]Sample{{Image: tensor.New(tensor.WithShape(4, 4), tensor.Of(tensor.Float32))}}, alloc)
	assert.Error(t, err)
}

// rowMajor reads img element by element, following its strides.
func rowMajor(t *testing.T, img *tensor.Dense) []float32 {
	t.Helper()
	s := img.Shape()
	out := make([]float32, 0, s.TotalSize())
	for c := 0; c < s[0]; c++ {
		for h := 0; h < s[1]; h++ {
			for w := 0; w < s[2]; w++ {
				v, err := img.At(c, h, w)
				require.NoError(t, err)
				out = append(out, v.(float32))
			}
		}
	}
	return out
}

func TestStackMaterializesViews(t *testing.T) {
	view, err := filledImage(3, 4, 4, 0).Slice(nil, tensor.S(0, 2), nil)
	require.NoError(t, err)
	sliced := view.(*tensor.Dense)
	require.Equal(t, tensor.Shape{3, 2, 4}, sliced.Shape())

	transposed := filledImage(2, 3, 4, 100)
	require.NoError(t, transposed.T(0, 2, 1))
	require.Equal(t, tensor.Shape{2, 4, 3}, transposed.Shape())

	for name, img := range map[string]*tensor.Dense{"slice": sliced, "transpose": transposed} {
		t.Run(name, func(t *testing.T) {
			want := rowMajor(t, img)
			pool := memory.NewPool(0)
			b, err := Stack([]Sample{{Image: img}, {Image: img}}, pool)
			require.NoError(t, err)
			assert.Equal(t, want, b.Plane(0))
			assert.Equal(t, want, b.Plane(1))
		})
	}
}

func TestStackPropagatesAllocatorFailure(t *testing.T) {
	pool := memory.NewPool(16)
	_, err := Stack([]Sample{{Image: filledImage(3, 4, 4, 0)}}, pool)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDeviceMemoryExhausted))
}

func TestReleaseReturnsBuffer(t *testing.T) {
	pool := memory.NewPool(0)
	b, err := Stack([]Sample{{Image: filledImage(1, 2, 2, 0)}}, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(16), pool.Stats().InUse)

	b.Release()
	b.Release()
	assert.Equal(t, int64(0), pool.Stats().InUse)
	assert.Equal(t, int64(16), pool.Stats().Cached)
	assert.Equal(t, "Batch(released)", b.String())
}

func TestTargetValidate(t *testing.T) {
	ok := Target{Boxes: []common.Box{{}}, Labels: []int64{1}, Area: []float32{1}}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Labels = nil
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Mixup = []float32{0.5, 0.5}
	assert.Error(t, bad.Validate())
}
