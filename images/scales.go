// Package images - Training resolutions, resize kernels and pixel conversion.
package images

import (
	"fmt"
	"math/rand/v2"
)

// ScaleStride is the granularity of every candidate training resolution.
const ScaleStride = 32

// ScaleSet is an ordered, possibly repeating sequence of square training
// resolutions. An empty set disables multi-scale training.
type ScaleSet []int

// GenerateScales derives the candidate multi-scale resolutions from a base size.
//
// The set ramps up from 0.75x the base in steps of ScaleStride, holds the base
// for repeat entries, then ramps down from 1.25x the base.
//
// Arguments:
//   - base: The nominal square resolution.
//   - repeat: How many times the base resolution appears.
//
// Returns:
//   - The ordered scale set.
//
// @example
// scales := GenerateScales(640, 4)
// // [480 512 544 576 608 640 640 640 640 800 768 736 704 672]
func GenerateScales(base, repeat int) ScaleSet {
	low := base * 3 / 4 / ScaleStride * ScaleStride
	high := base * 5 / 4 / ScaleStride * ScaleStride
	steps := (base - low) / ScaleStride
	if repeat < 0 {
		repeat = 0
	}

	scales := make(ScaleSet, 0, 2*steps+repeat)
	for i := 0; i < steps; i++ {
		scales = append(scales, low+i*ScaleStride)
	}
	for i := 0; i < repeat; i++ {
		scales = append(scales, base)
	}
	for i := 0; i < steps; i++ {
		scales = append(scales, high-i*ScaleStride)
	}
	return scales
}

// Enabled reports whether the set holds any resolution.
func (s ScaleSet) Enabled() bool {
	return len(s) > 0
}

// Pick chooses one resolution uniformly at random.
//
// Arguments:
//   - rng: The random source.
//
// Returns:
//   - The chosen resolution, or 0 for an empty set.
func (s ScaleSet) Pick(rng *rand.Rand) int {
	if len(s) == 0 {
		return 0
	}
	return s[rng.IntN(len(s))]
}

func (s ScaleSet) String() string {
	if len(s) == 0 {
		return "ScaleSet(disabled)"
	}
	return fmt.Sprintf("ScaleSet%v", []int(s))
}
