// Package augment - Batch level mixup for detection training.
package augment

import (
	"math"
	"math/rand/v2"

	"github.com/nvr-ai/go-detbatch/batch"
	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/memory"
	"github.com/nvr-ai/go-detbatch/schedule"
	"github.com/nvr-ai/go-detbatch/vis"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/vecf32"
)

const (
	// BetaMin is the lower bound of the blend ratio.
	BetaMin = 0.45
	// BetaMax is the upper bound of the blend ratio.
	BetaMax = 0.55
)

// Result reports what Augment did.
type Result struct {
	Applied bool
	Beta    float64
}

// Mixup blends every sample of a batch with its cyclic predecessor and merges
// their annotations. It holds no per-batch state and is safe for concurrent use.
type Mixup struct {
	alloc      memory.Allocator
	visualizer *vis.Visualizer
	logger     *zap.Logger
}

// Option configures a Mixup.
type Option func(*Mixup)

// WithAllocator sets the allocator companion buffers are acquired from.
func WithAllocator(alloc memory.Allocator) Option {
	return func(m *Mixup) {
		if alloc != nil {
			m.alloc = alloc
		}
	}
}

// WithVisualizer enables rendering of the first blended samples.
func WithVisualizer(v *vis.Visualizer) Option {
	return func(m *Mixup) { m.visualizer = v }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Mixup) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMixup creates a mixup augmenter.
func NewMixup(opts ...Option) *Mixup {
	m := &Mixup{
		alloc:  memory.Heap{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DrawBeta draws the blend ratio uniformly from [BetaMin, BetaMax], rounded to
// six decimal places.
func DrawBeta(rng *rand.Rand) float64 {
	beta := BetaMin + rng.Float64()*(BetaMax-BetaMin)
	return math.Round(beta*1e6) / 1e6
}

// Pair returns the index sample i is blended with: its predecessor, wrapping
// around. A single sample pairs with itself.
func Pair(i, n int) int {
	return (i - 1 + n) % n
}

// Augment applies mixup to b when phase is not Inactive and a Bernoulli draw
// with parameter probability succeeds.
//
// The pixels are blended in place, image[i] = beta*image[i] + (1-beta)*image[i-1],
// and every target is replaced by the concatenation of itself and its pair's
// target, with per-box mixup weights attached. The targets of the input samples
// are never mutated. When the draw fails the batch is returned untouched.
//
// Arguments:
//   - b: The stacked batch. Its pixel buffer is owned by the call until it returns.
//   - phase: The scheduler phase of the current epoch.
//   - probability: The effective blend probability.
//   - rng: The random source for the Bernoulli and beta draws.
//
// Returns:
//   - Result: Whether mixup was applied and the beta used.
//   - error: An allocator error, typically common.ErrDeviceMemoryExhausted. The
//     batch targets are unchanged when an error is returned.
//
// @example
// st := scheduler.Snapshot()
// res, err := mixup.Augment(b, st.Phase, st.Probability, rng)
func (m *Mixup) Augment(b *batch.Batch, phase schedule.Phase, probability float64, rng *rand.Rand) (Result, error) {
	if phase == schedule.Inactive || b == nil || b.Len() == 0 {
		return Result{}, nil
	}
	if rng.Float64() >= probability {
		return Result{}, nil
	}
	beta := DrawBeta(rng)

	if err := m.blend(b, float32(beta)); err != nil {
		return Result{}, err
	}
	b.Targets = mergeTargets(b.Targets, beta)
	b.Mixed = true
	b.Beta = beta

	if m.visualizer != nil {
		m.render(b)
	}
	return Result{Applied: true, Beta: beta}, nil
}

// blend mixes the planes from the last one down to the first, so every plane is
// combined with its still unmodified predecessor. The original last plane is kept
// in a companion buffer for the wrap around; a second buffer holds the scaled
// predecessor. Both are released before returning.
func (m *Mixup) blend(b *batch.Batch, beta float32) error {
	n, c, h, w := b.Dims()
	size := c * h * w

	tail, err := m.alloc.Acquire(size)
	if err != nil {
		return errors.Wrap(err, "mixup companion buffer")
	}
	defer m.alloc.Release(tail)

	scratch, err := m.alloc.Acquire(size)
	if err != nil {
		return errors.Wrap(err, "mixup scratch buffer")
	}
	defer m.alloc.Release(scratch)

	copy(tail, b.Plane(n-1))
	for i := n - 1; i >= 0; i-- {
		prev := tail
		if i > 0 {
			prev = b.Plane(Pair(i, n))
		}
		cur := b.Plane(i)
		copy(scratch, prev)
		vecf32.Scale(scratch, 1-beta)
		vecf32.Scale(cur, beta)
		vecf32.Add(cur, scratch)
	}
	return nil
}

func mergeTargets(targets []batch.Target, beta float64) []batch.Target {
	n := len(targets)
	merged := make([]batch.Target, n)
	for i := range targets {
		own := targets[i]
		other := targets[Pair(i, n)]
		k, o := own.Len(), other.Len()

		t := batch.Target{
			Boxes:  make([]common.Box, 0, k+o),
			Labels: make([]int64, 0, k+o),
			Area:   make([]float32, 0, k+o),
			Mixup:  make([]float32, 0, k+o),
			Mask:   own.Mask,
		}
		t.Boxes = append(append(t.Boxes, own.Boxes...), other.Boxes...)
		t.Labels = append(append(t.Labels, own.Labels...), other.Labels...)
		t.Area = append(append(t.Area, own.Area...), other.Area...)
		for j := 0; j < k; j++ {
			t.Mixup = append(t.Mixup, float32(beta))
		}
		for j := 0; j < o; j++ {
			t.Mixup = append(t.Mixup, float32(1-beta))
		}
		merged[i] = t
	}
	return merged
}

func (m *Mixup) render(b *batch.Batch) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("mixup visualization panicked", zap.Any("panic", r))
		}
	}()
	_, c, h, w := b.Dims()
	for i := 0; i < b.Len() && i < vis.MaxSamples; i++ {
		m.visualizer.Submit(i, b.Plane(i), c, h, w, b.Targets[i].Boxes)
	}
}
