package images

import (
	"image"
	"image/color"
	"testing"

	"github.com/nvr-ai/go-detbatch/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNearestResizerUpscale(t *testing.T) {
	// One 2x2 plane: [[1, 2], [3, 4]].
	src := []float32{1, 2, 3, 4}
	dst, err := NearestResizer{}.Resize(src, 1, 1, 2, 2, 4, 4, memory.Heap{})
	require.NoError(t, err)

	want := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	assert.Equal(t, want, dst)
}

func TestNearestResizerDownscaleKeepsPlanesApart(t *testing.T) {
	// Two samples with two channels of 4x4, every plane filled with its index.
	n, c, h, w := 2, 2, 4, 4
	src := make([]float32, n*c*h*w)
	for p := 0; p < n*c; p++ {
		for i := 0; i < h*w; i++ {
			src[p*h*w+i] = float32(p)
		}
	}

	dst, err := NearestResizer{}.Resize(src, n, c, h, w, 2, 2, memory.Heap{})
	require.NoError(t, err)
	require.Len(t, dst, n*c*2*2)
	for p := 0; p < n*c; p++ {
		assert.Equal(t, []float32{float32(p), float32(p), float32(p), float32(p)}, dst[p*4:(p+1)*4])
	}
}

func TestNearestResizerErrors(t *testing.T) {
	_, err := NearestResizer{}.Resize([]float32{1}, 1, 1, 1, 1, 0, 4, memory.Heap{})
	assert.Error(t, err, "zero target dimension")

	_, err = NearestResizer{}.Resize([]float32{1, 2}, 1, 1, 1, 1, 4, 4, memory.Heap{})
	assert.Error(t, err, "source length mismatch")

	_, err = NearestResizer{}.Resize([]float32{1}, 1, 1, 1, 1, 64, 64, memory.NewPool(16))
	assert.Error(t, err, "allocator failure")
}

func TestToCHWAndBack(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}

	chw, err := ToCHW(img, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8}, []int(chw.Shape()))

	data := chw.Data().([]float32)
	assert.InDelta(t, 1.0, data[0], 1e-6, "red channel")
	assert.InDelta(t, 0.0, data[64], 1e-6, "green channel")

	rgba, err := ToRGBA(data, 3, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 0, B: 0, A: 255}, rgba.RGBAAt(3, 3))

	resized, err := ToCHW(img, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 4}, []int(resized.Shape()))

	_, err = ToCHW(nil, 4)
	assert.Error(t, err)
	_, err = ToRGBA(data, 3, 4, 4)
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	a := Checksum([]float32{1, 2, 3})
	assert.Equal(t, a, Checksum([]float32{1, 2, 3}))
	assert.NotEqual(t, a, Checksum([]float32{1, 2, 4}))
	assert.Equal(t, "empty", Checksum(nil))
}

func TestGocvResizerMatchesNearest(t *testing.T) {
	tests := []struct {
		name          string
		n, c, h, w    int
		height, width int
	}{
		{name: "upscale", n: 1, c: 1, h: 2, w: 2, height: 4, width: 4},
		{name: "downscale", n: 2, c: 3, h: 4, w: 4, height: 2, width: 2},
		{name: "triple", n: 1, c: 2, h: 3, w: 3, height: 9, width: 9},
		{name: "non square", n: 2, c: 1, h: 4, w: 2, height: 2, width: 4},
		{name: "identity", n: 1, c: 3, h: 5, w: 5, height: 5, width: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := make([]float32, tt.n*tt.c*tt.h*tt.w)
			for i := range src {
				src[i] = float32(i)
			}

			want, err := NearestResizer{}.Resize(src, tt.n, tt.c, tt.h, tt.w, tt.height, tt.width, memory.Heap{})
			require.NoError(t, err)
			got, err := GocvResizer{}.Resize(src, tt.n, tt.c, tt.h, tt.w, tt.height, tt.width, memory.Heap{})
			require.NoError(t, err)

			require.Len(t, got, tt.n*tt.c*tt.height*tt.width)
			assert.Equal(t, want, got)
		})
	}
}

func TestGocvResizerErrors(t *testing.T) {
	_, err := GocvResizer{}.Resize([]float32{1, 2}, 1, 1, 1, 1, 4, 4, memory.Heap{})
	assert.Error(t, err, "source length mismatch")

	pool := memory.NewPool(16)
	_, err = GocvResizer{}.Resize([]float32{1}, 1, 1, 1, 1, 64, 64, pool)
	assert.Error(t, err, "allocator failure")
	assert.Zero(t, pool.Stats().InUse)
}
