// Package common - Error kinds and annotation geometry shared by the batch pipeline.
package common

import "github.com/pkg/errors"

var (
	// ErrDeviceMemoryExhausted is a transient failure raised when a buffer cannot be
	// allocated within the device memory budget. The collator reclaims once and
	// re-raises it; retrying is the caller's decision.
	ErrDeviceMemoryExhausted = errors.New("device memory exhausted")

	// ErrUnsupportedMaskResize is raised when multi-scale resizing is requested for a
	// batch whose targets carry mask tensors. Mask resizing is not implemented.
	ErrUnsupportedMaskResize = errors.New("multi-scale resize of mask targets is not supported")

	// ErrInvalidConfiguration is raised at construction time, before any batch is
	// processed.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrEmptyBatch is raised when a batch is requested from zero samples.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrShapeMismatch is raised when samples of one batch do not share a shape.
	ErrShapeMismatch = errors.New("sample shape mismatch")

	// ErrInvalidEpoch is raised when a negative epoch is advanced to.
	ErrInvalidEpoch = errors.New("invalid epoch")

	// ErrEpochInFlight is raised when the epoch is changed while batches of the
	// current epoch are still being produced.
	ErrEpochInFlight = errors.New("epoch change while batches are in flight")
)

// InvalidConfigf wraps ErrInvalidConfiguration with a formatted reason.
//
// Arguments:
//   - format: The reason format string.
//   - args: The format arguments.
//
// Returns:
//   - error: An error for which errors.Is(err, ErrInvalidConfiguration) holds.
func InvalidConfigf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfiguration, format, args...)
}
