package collate

import (
	"math/rand/v2"

	"github.com/nvr-ai/go-detbatch/batch"
	"github.com/nvr-ai/go-detbatch/memory"
)

// StackOnly only stacks the batch images, without any augmentation. It is the
// collate function of evaluation loaders.
type StackOnly struct {
	// Allocator provides the batch buffers, memory.Heap when nil.
	Allocator memory.Allocator
}

// Collate stacks samples in order. The random source is unused.
func (s StackOnly) Collate(samples []batch.Sample, _ *rand.Rand) (*batch.Batch, error) {
	alloc := s.Allocator
	if alloc == nil {
		alloc = memory.Heap{}
	}
	return batch.Stack(samples, alloc)
}
