package vis

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/images"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// MaxSamples is the number of leading samples rendered per batch.
const MaxSamples = 2

// BoxColor is the outline color of rendered boxes.
var BoxColor = color.RGBA{R: 255, G: 255, A: 255}

// Frame is one rendered image waiting to be written. The visualizer closes Mat
// once the frame is saved or dropped.
type Frame struct {
	Name string
	Mat  gocv.Mat
}

// Visualizer renders samples with their boxes and writes them to a Sink on a
// background goroutine. It never blocks the caller: when the queue is full the
// frame is dropped.
type Visualizer struct {
	sink   Sink
	logger *zap.Logger
	queue  chan Frame

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64
}

// NewVisualizer starts a visualizer.
//
// Arguments:
//   - sink: Where rendered frames are written.
//   - queue: The number of frames buffered before dropping, at least 1.
//   - logger: The logger failures are reported to; nil disables logging.
//
// Returns:
//   - A running Visualizer. Call Close to flush it.
func NewVisualizer(sink Sink, queue int, logger *zap.Logger) *Visualizer {
	if queue < 1 {
		queue = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Visualizer{
		sink:   sink,
		logger: logger,
		queue:  make(chan Frame, queue),
	}
	v.wg.Add(1)
	go v.run()
	return v
}

func (v *Visualizer) run() {
	defer v.wg.Done()
	for f := range v.queue {
		if err := v.save(f); err != nil {
			v.failed.Add(1)
			v.logger.Warn("visualization write failed", zap.String("name", f.Name), zap.Error(err))
			continue
		}
		v.written.Add(1)
	}
}

func (v *Visualizer) save(f Frame) (err error) {
	defer f.Mat.Close()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while saving: %v", r)
		}
	}()
	return v.sink.Save(f.Name, f.Mat)
}

// Render draws the boxes of one sample onto a copy of its pixels.
//
// Arguments:
//   - plane: The sample pixels, (C, h, w), values in [0, 1].
//   - c, h, w: The sample dimensions.
//   - boxes: Normalized (cx, cy, w, h) boxes.
//
// Returns:
//   - gocv.Mat: The annotated BGR image. The caller must Close it.
//   - error: An error if the plane does not match its dimensions.
func Render(plane []float32, c, h, w int, boxes []common.Box) (gocv.Mat, error) {
	img, err := images.ToRGBA(plane, c, h, w)
	if err != nil {
		return gocv.Mat{}, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "converting image to mat")
	}
	bounds := img.Bounds()
	for _, b := range boxes {
		r := b.ToRect(w, h).Intersect(bounds)
		if r.Empty() {
			continue
		}
		// gocv.Rectangle includes both corners.
		gocv.Rectangle(&mat, image.Rect(r.Min.X, r.Min.Y, r.Max.X-1, r.Max.Y-1), BoxColor, 1)
	}
	return mat, nil
}

// FrameName is the base file name of a rendered sample: its index within the
// batch and its post-merge box count.
func FrameName(index, boxes int) string {
	return fmt.Sprintf("%d_%d_out", index, boxes)
}

// Submit renders the sample and queues it for writing. Failures are logged and
// counted, never returned; a panic in rendering is recovered.
//
// Arguments:
//   - index: The sample index within the batch.
//   - plane: The sample pixels, (C, h, w).
//   - c, h, w: The sample dimensions.
//   - boxes: The sample boxes.
func (v *Visualizer) Submit(index int, plane []float32, c, h, w int, boxes []common.Box) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warn("visualization render panicked", zap.Int("index", index), zap.Any("panic", r))
		}
	}()

	mat, err := Render(plane, c, h, w, boxes)
	if err != nil {
		v.failed.Add(1)
		v.logger.Warn("visualization render failed", zap.Int("index", index), zap.Error(err))
		return
	}
	v.logger.Debug("mix_vis", zap.Int("index", index), zap.Int("boxes", len(boxes)))

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		mat.Close()
		return
	}
	select {
	case v.queue <- Frame{Name: FrameName(index, len(boxes)), Mat: mat}:
	default:
		mat.Close()
		v.dropped.Add(1)
	}
}

// Stats returns the number of written, failed and dropped frames.
func (v *Visualizer) Stats() (written, failed, dropped int64) {
	return v.written.Load(), v.failed.Load(), v.dropped.Load()
}

// Close stops accepting frames and waits for queued frames to be written.
func (v *Visualizer) Close() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		close(v.queue)
		v.mu.Unlock()
	})
	v.wg.Wait()
}
