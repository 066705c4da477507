package collate

import (
	"github.com/nvr-ai/go-detbatch/augment"
	"github.com/nvr-ai/go-detbatch/config"
	"github.com/nvr-ai/go-detbatch/images"
	"github.com/nvr-ai/go-detbatch/memory"
	"github.com/nvr-ai/go-detbatch/profiler"
	"github.com/nvr-ai/go-detbatch/schedule"
	"github.com/nvr-ai/go-detbatch/vis"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// visualizerQueue is the number of frames buffered for the rendering goroutine.
const visualizerQueue = 16

// Pipeline is a Collator together with the resources built for it from a
// configuration.
type Pipeline struct {
	*Collator
	// Pool is the budgeted buffer pool shared by all batches.
	Pool *memory.Pool
	// Visualizer is nil when rendering is disabled.
	Visualizer *vis.Visualizer
	// Timings holds the step durations of every collated batch.
	Timings *profiler.Timings
}

// Close stops the visualizer, waiting for queued frames to be written.
func (p *Pipeline) Close() {
	if p.Visualizer != nil {
		p.Visualizer.Close()
	}
}

// FromConfig builds the collate pipeline described by cfg.
//
// Arguments:
//   - cfg: A validated configuration.
//   - logger: The logger, a no-op logger when nil.
//
// Returns:
//   - *Pipeline: The collator and its resources. Call Close when training ends.
//   - error: A wrapped common.ErrInvalidConfiguration, or a visualization setup error.
//
// @example
// cfg, err := config.Load("collate.yaml")
// pipeline, err := collate.FromConfig(cfg, logger)
// defer pipeline.Close()
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scheduler, err := schedule.New(cfg.Schedule(), schedule.WithLogger(logger.Named("schedule")))
	if err != nil {
		return nil, err
	}

	budget, err := cfg.Budget()
	if err != nil {
		return nil, err
	}
	p := &Pipeline{Pool: memory.NewPool(budget), Timings: profiler.NewTimings()}

	mixupOpts := []augment.Option{
		augment.WithAllocator(p.Pool),
		augment.WithLogger(logger.Named("mixup")),
	}
	if cfg.Visualization() {
		format, err := vis.ParseFormat(cfg.VisFormat)
		if err != nil {
			return nil, err
		}
		var sink vis.Sink
		if format == vis.FormatOpenCV {
			sink, err = vis.NewMatSink(cfg.VisSave, ".jpg")
		} else {
			sink, err = vis.NewDirSink(cfg.VisSave, format)
		}
		if err != nil {
			return nil, errors.Wrap(err, "creating visualization sink")
		}
		p.Visualizer = vis.NewVisualizer(sink, visualizerQueue, logger.Named("vis"))
		mixupOpts = append(mixupOpts, augment.WithVisualizer(p.Visualizer))
	}

	var resizer images.Resizer = images.NearestResizer{}
	if cfg.ResizeKernel == config.ResizeGocv {
		resizer = images.GocvResizer{Interpolation: gocv.InterpolationNearestNeighbor}
	}

	p.Collator, err = New(Options{
		Scheduler: scheduler,
		Scales:    cfg.Scales(),
		StopEpoch: cfg.StopEpoch,
		Mixup:     augment.NewMixup(mixupOpts...),
		Resizer:   resizer,
		Allocator: p.Pool,
		Timings:   p.Timings,
		Logger:    logger.Named("collate"),
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}
