// Package memory - Budgeted pixel buffer pool standing in for accelerator memory.
//
// Batch tensors, resize outputs and mixup companion buffers are all acquired from
// an Allocator. The Pool implementation enforces a byte budget and keeps released
// buffers cached for reuse, the way a device caching allocator does. Reclaim drops
// the cache.
package memory

import (
	"runtime/debug"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/nvr-ai/go-detbatch/common"
	"github.com/pkg/errors"
)

const float32Size = 4

// Allocator hands out float32 buffers. Contents of an acquired buffer are
// unspecified; callers overwrite them completely.
type Allocator interface {
	Acquire(n int) ([]float32, error)
	Release(buf []float32)
}

// Reclaimer releases cached memory back to the system.
type Reclaimer interface {
	Reclaim()
}

// ReclaimerFunc adapts a function to the Reclaimer interface.
type ReclaimerFunc func()

// Reclaim calls f.
func (f ReclaimerFunc) Reclaim() { f() }

// Pool is a thread-safe Allocator and Reclaimer with an optional byte budget.
type Pool struct {
	mu     sync.Mutex
	budget int64
	inUse  int64
	cached int64
	peak   int64
	free   map[int][][]float32

	reclaims int64
	// release is the host-side reclaim, debug.FreeOSMemory by default.
	release func()
}

// NewPool creates a pool.
//
// Arguments:
//   - budget: Maximum number of bytes held by acquired and cached buffers. Zero
//     means unlimited.
//
// Returns:
//   - A ready to use Pool.
//
// @example
// pool := memory.NewPool(8 << 30)
// buf, err := pool.Acquire(3 * 640 * 640)
//
//	if err != nil {
//	    return err
//	}
//
// defer pool.Release(buf)
func NewPool(budget int64) *Pool {
	return &Pool{
		budget:  budget,
		free:    make(map[int][][]float32),
		release: debug.FreeOSMemory,
	}
}

// Acquire returns a buffer of n float32 values.
//
// A cached buffer of the same length is reused when available. When the budget
// would be exceeded, the cache is dropped first; if the live buffers alone exceed
// the budget the call fails with common.ErrDeviceMemoryExhausted.
//
// Arguments:
//   - n: The number of float32 elements.
//
// Returns:
//   - []float32: The buffer.
//   - error: A wrapped common.ErrDeviceMemoryExhausted when over budget.
func (p *Pool) Acquire(n int) ([]float32, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid buffer length %d", n)
	}
	size := int64(n) * float32Size

	p.mu.Lock()
	defer p.mu.Unlock()

	if bufs := p.free[n]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.free[n] = bufs[:len(bufs)-1]
		p.cached -= size
		p.track(size)
		return buf, nil
	}

	if p.budget > 0 {
		if p.inUse+size > p.budget {
			return nil, errors.Wrapf(common.ErrDeviceMemoryExhausted,
				"tried to allocate %s (%s in use, budget %s)",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(p.inUse)), humanize.IBytes(uint64(p.budget)))
		}
		if p.inUse+p.cached+size > p.budget {
			p.dropCache()
		}
	}

	p.track(size)
	return make([]float32, n), nil
}

// Release returns buf to the cache. Releasing nil is a no-op.
func (p *Pool) Release(buf []float32) {
	if buf == nil {
		return
	}
	n := len(buf)
	size := int64(n) * float32Size

	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse -= size
	if p.inUse < 0 {
		p.inUse = 0
	}
	p.free[n] = append(p.free[n], buf[:n:n])
	p.cached += size
}

// Reclaim drops every cached buffer and asks the runtime to return freed memory
// to the operating system.
func (p *Pool) Reclaim() {
	p.mu.Lock()
	p.dropCache()
	p.reclaims++
	release := p.release
	p.mu.Unlock()

	if release != nil {
		release()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Budget:   p.budget,
		InUse:    p.inUse,
		Cached:   p.cached,
		Peak:     p.peak,
		Reclaims: p.reclaims,
	}
}

func (p *Pool) track(size int64) {
	p.inUse += size
	if p.inUse > p.peak {
		p.peak = p.inUse
	}
}

func (p *Pool) dropCache() {
	p.free = make(map[int][][]float32)
	p.cached = 0
}

// Heap is an Allocator without budget or cache, backed directly by the Go heap.
type Heap struct{}

// Acquire allocates a fresh buffer.
func (Heap) Acquire(n int) ([]float32, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid buffer length %d", n)
	}
	return make([]float32, n), nil
}

// Release is a no-op; the garbage collector owns heap buffers.
func (Heap) Release([]float32) {}
