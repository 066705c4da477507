// Package loader - Concurrent, epoch aware batch loading.
//
// A DataLoader splits a Dataset into batches, loads and collates them on a pool
// of workers, and hands them to the caller in order. Every batch draws its
// randomness from a source derived from the seed, the epoch and the batch index,
// so the produced batches do not depend on how the workers are scheduled.
package loader

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync/atomic"

	"github.com/nvr-ai/go-detbatch/batch"
	"github.com/nvr-ai/go-detbatch/collate"
	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/config"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dataset is a random access sample source. Get must be safe for concurrent use.
type Dataset interface {
	Len() int
	Get(i int) (batch.Sample, error)
}

// EpochSetter is implemented by datasets whose samples depend on the epoch.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// Options configures a DataLoader.
type Options struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool
	// NumWorkers defaults to runtime.NumCPU.
	NumWorkers int
	Seed       uint64
	// Prefetch is the number of batches produced ahead of the consumer, twice the
	// workers by default.
	Prefetch int
	Logger   *zap.Logger
}

// OptionsFromConfig converts the loader configuration section.
func OptionsFromConfig(c config.Loader) Options {
	return Options{
		BatchSize:  c.BatchSize,
		Shuffle:    bool(c.Shuffle),
		DropLast:   c.DropLast,
		NumWorkers: c.NumWorkers,
		Seed:       c.Seed,
		Prefetch:   c.Prefetch,
	}
}

// DataLoader iterates a Dataset in collated batches.
type DataLoader struct {
	dataset Dataset
	collate collate.Func
	opts    Options
	logger  *zap.Logger

	epoch   atomic.Int64
	running atomic.Bool
}

type job struct {
	index   int
	indices []int
	epoch   int
	out     chan result
}

type result struct {
	batch *batch.Batch
	err   error
}

// New creates a DataLoader.
//
// Arguments:
//   - dataset: The sample source.
//   - fn: The collate function, a *collate.Collator for training.
//   - opts: The loader options.
//
// Returns:
//   - *DataLoader: The loader, positioned before the first epoch.
//   - error: A wrapped common.ErrInvalidConfiguration for invalid options.
func New(dataset Dataset, fn collate.Func, opts Options) (*DataLoader, error) {
	if dataset == nil || fn == nil {
		return nil, common.InvalidConfigf("data loader requires a dataset and a collate function")
	}
	if opts.BatchSize < 1 {
		return nil, common.InvalidConfigf("batch size must be at least 1, got %d", opts.BatchSize)
	}
	if opts.NumWorkers < 0 || opts.Prefetch < 0 {
		return nil, common.InvalidConfigf("negative workers %d or prefetch %d", opts.NumWorkers, opts.Prefetch)
	}
	if opts.NumWorkers == 0 {
		opts.NumWorkers = runtime.NumCPU()
	}
	if opts.Prefetch == 0 {
		opts.Prefetch = 2 * opts.NumWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &DataLoader{dataset: dataset, collate: fn, opts: opts, logger: logger}
	l.epoch.Store(-1)
	return l, nil
}

// Epoch returns the current epoch, -1 before the first SetEpoch.
func (l *DataLoader) Epoch() int {
	return int(l.epoch.Load())
}

// SetEpoch moves the loader, its collate function and its dataset to epoch. It
// fails with common.ErrEpochInFlight while an iteration is running.
func (l *DataLoader) SetEpoch(epoch int) error {
	if l.running.Load() {
		return errors.Wrapf(common.ErrEpochInFlight, "setting epoch %d", epoch)
	}
	if s, ok := l.collate.(collate.EpochSetter); ok {
		if err := s.SetEpoch(epoch); err != nil {
			return err
		}
	}
	if s, ok := l.dataset.(EpochSetter); ok {
		s.SetEpoch(epoch)
	}
	l.epoch.Store(int64(epoch))
	return nil
}

// NumBatches returns the number of batches of one epoch.
func (l *DataLoader) NumBatches() int {
	n := l.dataset.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Iterate loads one epoch and calls fn with every batch, in batch order.
//
// fn owns the batch it receives and should Release it when done. Iteration stops
// at the first error, from loading, collating or fn itself, which is returned
// unchanged. Batches produced but not delivered are released.
//
// Arguments:
//   - ctx: Cancels the iteration.
//   - fn: The batch consumer.
//
// Returns:
//   - error: The first error, or common.ErrEpochInFlight when another iteration
//     is running.
//
// @example
//
//	for epoch := 0; epoch < epochs; epoch++ {
//	    if err := dl.SetEpoch(epoch); err != nil {
//	        return err
//	    }
//	    err := dl.Iterate(ctx, func(b *batch.Batch) error {
//	        defer b.Release()
//	        return step(b)
//	    })
//	}
func (l *DataLoader) Iterate(ctx context.Context, fn func(*batch.Batch) error) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.Wrap(common.ErrEpochInFlight, "iteration already running")
	}
	defer l.running.Store(false)

	epoch := l.Epoch()
	plan := l.plan(epoch)
	l.logger.Debug("iterating epoch",
		zap.Int("epoch", epoch),
		zap.Int("batches", len(plan)),
		zap.Int("workers", l.opts.NumWorkers))
	if len(plan) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan job)
	pending := make(chan chan result, l.opts.Prefetch)

	g.Go(func() error {
		defer close(pending)
		defer close(jobs)
		for i, indices := range plan {
			out := make(chan result, 1)
			select {
			case jobs <- job{index: i, indices: indices, epoch: epoch, out: out}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case pending <- out:
			case <-gctx.Done():
				if r := <-out; r.batch != nil {
					r.batch.Release()
				}
				return gctx.Err()
			}
		}
		return nil
	})

	workers := min(l.opts.NumWorkers, len(plan))
	for w := 0; w < workers; w++ {
		// Errors reach the consumer in batch order; workers never stop the group.
		g.Go(func() error {
			for j := range jobs {
				b, err := l.load(gctx, j)
				j.out <- result{batch: b, err: err}
			}
			return nil
		})
	}

	var first error
	for out := range pending {
		r := <-out
		if first != nil {
			if r.batch != nil {
				r.batch.Release()
			}
			continue
		}
		if r.err == nil {
			r.err = fn(r.batch)
		}
		if r.err != nil {
			first = r.err
			cancel()
		}
	}

	err := g.Wait()
	if first != nil {
		return first
	}
	return err
}

// plan splits the epoch's sample order into batches.
func (l *DataLoader) plan(epoch int) [][]int {
	n := l.dataset.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewPCG(l.opts.Seed, uint64(int64(epoch))))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	size := l.opts.BatchSize
	plan := make([][]int, 0, n/size+1)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		if end-start < size && l.opts.DropLast {
			break
		}
		plan = append(plan, order[start:end])
	}
	return plan
}

// BatchRand returns the random source of batch index in epoch.
func BatchRand(seed uint64, epoch, index int) *rand.Rand {
	return rand.New(rand.NewPCG(seed^0x9e3779b97f4a7c15, uint64(uint32(epoch))<<32|uint64(uint32(index))))
}

func (l *DataLoader) load(ctx context.Context, j job) (*batch.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples := make([]batch.Sample, len(j.indices))
	for k, i := range j.indices {
		s, err := l.dataset.Get(i)
		if err != nil {
			return nil, errors.Wrapf(err, "loading sample %d", i)
		}
		samples[k] = s
	}
	return l.collate.Collate(samples, BatchRand(l.opts.Seed, j.epoch, j.index))
}

func (l *DataLoader) String() string {
	return fmt.Sprintf("DataLoader(samples=%d, batch_size=%d, shuffle=%v, drop_last=%v, workers=%d, epoch=%d)",
		l.dataset.Len(), l.opts.BatchSize, l.opts.Shuffle, l.opts.DropLast, l.opts.NumWorkers, l.Epoch())
}
