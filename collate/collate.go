// Package collate - Batch assembly for detection training.
//
// A Collator turns the samples of one batch into a stacked tensor, applies the
// epoch scheduled mixup, and resizes the batch to a randomly chosen training
// resolution. It is invoked once per batch from any number of data loading
// workers; everything it holds after construction is read only or thread-safe.
package collate

import (
	"math"
	"math/rand/v2"

	"github.com/nvr-ai/go-detbatch/augment"
	"github.com/nvr-ai/go-detbatch/batch"
	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/images"
	"github.com/nvr-ai/go-detbatch/memory"
	"github.com/nvr-ai/go-detbatch/profiler"
	"github.com/nvr-ai/go-detbatch/schedule"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NeverStop is the stop epoch used when multi-scale training never ends.
const NeverStop = math.MaxInt

// Func assembles one batch from its samples.
type Func interface {
	Collate(samples []batch.Sample, rng *rand.Rand) (*batch.Batch, error)
}

// EpochSetter receives the epoch boundary notification.
type EpochSetter interface {
	SetEpoch(epoch int) error
}

// Options configures a Collator.
type Options struct {
	// Scheduler drives mixup. Required.
	Scheduler *schedule.Scheduler
	// Scales are the multi-scale candidates; empty disables resizing.
	Scales images.ScaleSet
	// StopEpoch disables resizing from this epoch on. Nil means never.
	StopEpoch *int
	// Mixup is the augmenter, a plain NewMixup when nil.
	Mixup *augment.Mixup
	// Resizer is the resize kernel, images.NearestResizer when nil.
	Resizer images.Resizer
	// Allocator provides the batch buffers, memory.Heap when nil.
	Allocator memory.Allocator
	// Reclaimer is asked to release cached memory around memory heavy epochs and
	// after an exhaustion failure. Defaults to the Allocator when it implements
	// memory.Reclaimer.
	Reclaimer memory.Reclaimer
	// Timings records the duration of every step when set.
	Timings *profiler.Timings
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Collator is the per-batch entry point of the pipeline.
type Collator struct {
	scheduler *schedule.Scheduler
	scales    images.ScaleSet
	stopEpoch int
	mixup     *augment.Mixup
	resizer   images.Resizer
	alloc     memory.Allocator
	reclaimer memory.Reclaimer
	timings   *profiler.Timings
	logger    *zap.Logger
}

// New creates a Collator.
//
// Arguments:
//   - opts: The collator options.
//
// Returns:
//   - *Collator: The collator.
//   - error: A wrapped common.ErrInvalidConfiguration for invalid options.
//
// @example
// c, err := collate.New(collate.Options{
//
//	    Scheduler: scheduler,
//	    Scales:    images.GenerateScales(640, 4),
//	    Allocator: pool,
//	})
func New(opts Options) (*Collator, error) {
	if opts.Scheduler == nil {
		return nil, common.InvalidConfigf("collator requires a scheduler")
	}
	for _, s := range opts.Scales {
		if s <= 0 {
			return nil, common.InvalidConfigf("invalid scale %d", s)
		}
	}

	c := &Collator{
		scheduler: opts.Scheduler,
		scales:    append(images.ScaleSet(nil), opts.Scales...),
		stopEpoch: NeverStop,
		mixup:     opts.Mixup,
		resizer:   opts.Resizer,
		alloc:     opts.Allocator,
		reclaimer: opts.Reclaimer,
		timings:   opts.Timings,
		logger:    opts.Logger,
	}
	if opts.StopEpoch != nil {
		c.stopEpoch = *opts.StopEpoch
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.alloc == nil {
		c.alloc = memory.Heap{}
	}
	if c.reclaimer == nil {
		if r, ok := c.alloc.(memory.Reclaimer); ok {
			c.reclaimer = r
		} else {
			c.reclaimer = memory.ReclaimerFunc(func() {})
		}
	}
	if c.mixup == nil {
		c.mixup = augment.NewMixup(augment.WithAllocator(c.alloc), augment.WithLogger(c.logger))
	}
	if c.resizer == nil {
		c.resizer = images.NearestResizer{}
	}

	if c.scales.Enabled() {
		c.logger.Info("multi-scale training",
			zap.Stringer("scales", c.scales),
			zap.Int("stop_epoch", c.stopEpoch))
	}
	return c, nil
}

// Scheduler returns the scheduler driving mixup.
func (c *Collator) Scheduler() *schedule.Scheduler {
	return c.scheduler
}

// SetEpoch advances the scheduler. It must not be called while batches of the
// previous epoch are in flight.
func (c *Collator) SetEpoch(epoch int) error {
	_, err := c.scheduler.Advance(epoch)
	return err
}

// Collate assembles one batch.
//
// The samples are stacked in order, mixup is applied according to the current
// scheduler state, and the batch is resized to one of the configured scales while
// multi-scale training is active. A device memory exhaustion failure is logged,
// followed by one reclaim, and returned unchanged; no partial batch is returned
// for any error.
//
// Arguments:
//   - samples: The batch samples, all of one (C, H, W) shape.
//   - rng: The random source for the mixup draws and the scale choice.
//
// Returns:
//   - *batch.Batch: The assembled batch. Call Release when done with it.
//   - error: common.ErrDeviceMemoryExhausted, common.ErrUnsupportedMaskResize, or
//     any other failure of the steps, unchanged.
func (c *Collator) Collate(samples []batch.Sample, rng *rand.Rand) (*batch.Batch, error) {
	defer c.timings.Start("collate")()
	st := c.scheduler.Snapshot()

	b, err := c.assemble(samples, st, rng)
	if err != nil {
		if b != nil {
			b.Release()
		}
		if errors.Is(err, common.ErrDeviceMemoryExhausted) {
			c.recoverMemory(st, err)
		}
		return nil, err
	}
	return b, nil
}

func (c *Collator) assemble(samples []batch.Sample, st schedule.State, rng *rand.Rand) (*batch.Batch, error) {
	if c.scheduler.NextIsWindowStart(st) {
		c.reclaimer.Reclaim()
	}

	done := c.timings.Start("stack")
	b, err := batch.Stack(samples, c.alloc)
	done()
	if err != nil {
		return nil, err
	}
	b.Epoch = st.Epoch

	done = c.timings.Start("mixup")
	_, err = c.mixup.Augment(b, st.Phase, st.Probability, rng)
	done()
	if err != nil {
		return b, err
	}

	if c.scales.Enabled() && st.Epoch < c.stopEpoch {
		done = c.timings.Start("resize")
		err = c.resize(b, c.scales.Pick(rng))
		done()
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

func (c *Collator) resize(b *batch.Batch, size int) error {
	for i, t := range b.Targets {
		if t.HasMask() {
			return errors.Wrapf(common.ErrUnsupportedMaskResize, "target %d carries a mask, scale %d", i, size)
		}
	}

	n, ch, h, w := b.Dims()
	if h == size && w == size {
		b.Scale = size
		return nil
	}
	pixels, err := c.resizer.Resize(b.Pixels(), n, ch, h, w, size, size, c.alloc)
	if err != nil {
		return err
	}
	b.Replace(pixels, n, ch, size, size)
	b.Scale = size
	return nil
}

func (c *Collator) recoverMemory(st schedule.State, err error) {
	fields := []zap.Field{
		zap.Int("epoch", st.Epoch),
		zap.Bool("mixup_active", c.scheduler.WindowActive(st)),
		memory.SampleHost().Field(),
		zap.Error(err),
	}
	if p, ok := c.alloc.(interface{ Stats() memory.Stats }); ok {
		fields = append(fields, zap.Object("pool", p.Stats()))
	}
	c.logger.Error("device memory exhausted while collating batch", fields...)
	c.reclaimer.Reclaim()
}
