// Package config - Configuration of the batch collation pipeline.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/images"
	"github.com/nvr-ai/go-detbatch/schedule"
	"github.com/nvr-ai/go-detbatch/vis"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ResizeKernel names the multi-scale resize implementation.
type ResizeKernel string

const (
	// ResizeNearest is the pure Go nearest neighbour kernel.
	ResizeNearest ResizeKernel = "nearest"
	// ResizeGocv is the OpenCV kernel.
	ResizeGocv ResizeKernel = "gocv"
)

// Bool is a YAML boolean that accepts only the literals true and false. Plain
// bool fields also take YAML 1.1 words such as yes and on, quoted or not.
type Bool bool

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bool) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!bool" {
		return common.InvalidConfigf("line %d: %q is not a boolean", node.Line, node.Value)
	}
	switch node.Value {
	case "true":
		*b = true
	case "false":
		*b = false
	default:
		return common.InvalidConfigf("line %d: %q is not a boolean, use true or false", node.Line, node.Value)
	}
	return nil
}

// Loader configures the data loader.
type Loader struct {
	// BatchSize is the number of samples per batch.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// Shuffle reshuffles the sample order every epoch.
	Shuffle Bool `json:"shuffle" yaml:"shuffle"`
	// DropLast drops the final incomplete batch.
	DropLast bool `json:"drop_last" yaml:"drop_last"`
	// NumWorkers is the number of collating goroutines, NumCPU when zero.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
	// Seed is the base of every random stream of the loader.
	Seed uint64 `json:"seed" yaml:"seed"`
	// Prefetch is the number of batches produced ahead, twice the workers when zero.
	Prefetch int `json:"prefetch" yaml:"prefetch"`
}

// Config is the collate function configuration. Pointer fields are optional;
// nil means the option is absent.
type Config struct {
	// StopEpoch disables multi-scale resizing at and after this epoch.
	StopEpoch *int `json:"stop_epoch" yaml:"stop_epoch"`
	// EMARestartDecay is carried for the trainer's EMA restart.
	EMARestartDecay float64 `json:"ema_restart_decay" yaml:"ema_restart_decay"`
	// BaseSize is the nominal square training resolution.
	BaseSize int `json:"base_size" yaml:"base_size"`
	// BaseSizeRepeat is how often BaseSize appears among the scales. Nil disables
	// multi-scale training.
	BaseSizeRepeat *int `json:"base_size_repeat" yaml:"base_size_repeat"`
	// MixupProb is the target mixup probability.
	MixupProb float64 `json:"mixup_prob" yaml:"mixup_prob"`
	// MixupEpochs holds the mixup window; only the first and last values count.
	MixupEpochs []int `json:"mixup_epochs" yaml:"mixup_epochs"`
	// GradualMixup ramps the probability over MixupWarmupEpochs.
	GradualMixup bool `json:"gradual_mixup" yaml:"gradual_mixup"`
	// MixupWarmupEpochs is the ramp length.
	MixupWarmupEpochs int `json:"mixup_warmup_epochs" yaml:"mixup_warmup_epochs"`
	// DataVis enables diagnostic rendering of mixed samples.
	DataVis bool `json:"data_vis" yaml:"data_vis"`
	// VisSave is the directory rendered samples are written to.
	VisSave string `json:"vis_save" yaml:"vis_save"`
	// VisFormat is the encoding of rendered samples.
	VisFormat string `json:"vis_format" yaml:"vis_format"`
	// MemoryBudget bounds the buffer pool, e.g. "8GiB". Empty means unlimited.
	MemoryBudget string `json:"memory_budget" yaml:"memory_budget"`
	// ResizeKernel selects the multi-scale resize implementation.
	ResizeKernel ResizeKernel `json:"resize_kernel" yaml:"resize_kernel"`
	// Loader configures the data loader.
	Loader Loader `json:"loader" yaml:"loader"`
}

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		EMARestartDecay:   0.9999,
		BaseSize:          640,
		MixupProb:         0,
		MixupEpochs:       []int{0, 0},
		GradualMixup:      true,
		MixupWarmupEpochs: 3,
		VisSave:           "./vis_dataset/",
		VisFormat:         string(vis.FormatJPEG),
		ResizeKernel:      ResizeNearest,
		Loader: Loader{
			BatchSize: 4,
			Shuffle:   true,
		},
	}
}

// Load reads, decodes and validates a YAML configuration file.
//
// Arguments:
//   - path: The YAML file.
//
// Returns:
//   - *Config: The configuration with defaults for absent keys.
//   - error: A read error, or a wrapped common.ErrInvalidConfiguration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration. Unknown keys and values of
// the wrong type, such as a non-boolean shuffle flag, are rejected.
//
// Arguments:
//   - data: The YAML document.
//
// Returns:
//   - *Config: The configuration with defaults for absent keys.
//   - error: A wrapped common.ErrInvalidConfiguration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(common.ErrInvalidConfiguration, "decoding config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration.
//
// Returns:
//   - error: A wrapped common.ErrInvalidConfiguration naming the first problem.
func (c *Config) Validate() error {
	if c.BaseSize <= 0 {
		return common.InvalidConfigf("base_size must be positive, got %d", c.BaseSize)
	}
	if c.BaseSizeRepeat != nil {
		if *c.BaseSizeRepeat < 0 {
			return common.InvalidConfigf("base_size_repeat must not be negative, got %d", *c.BaseSizeRepeat)
		}
		if c.BaseSize%images.ScaleStride != 0 {
			return common.InvalidConfigf("base_size %d must be a multiple of %d for multi-scale training", c.BaseSize, images.ScaleStride)
		}
	}
	if c.StopEpoch != nil && *c.StopEpoch < 0 {
		return common.InvalidConfigf("stop_epoch must not be negative, got %d", *c.StopEpoch)
	}
	if c.MixupProb < 0 || c.MixupProb > 1 {
		return common.InvalidConfigf("mixup_prob must be in [0, 1], got %v", c.MixupProb)
	}
	if w := schedule.WindowFromEpochs(c.MixupEpochs); w != nil {
		if w.Start < 0 || w.End < w.Start {
			return common.InvalidConfigf("mixup_epochs %v do not form a window", c.MixupEpochs)
		}
	}
	if c.MixupWarmupEpochs < 0 {
		return common.InvalidConfigf("mixup_warmup_epochs must not be negative, got %d", c.MixupWarmupEpochs)
	}
	if _, err := vis.ParseFormat(c.VisFormat); err != nil {
		return errors.Wrap(common.ErrInvalidConfiguration, err.Error())
	}
	if c.DataVis && c.VisSave == "" {
		return common.InvalidConfigf("data_vis requires vis_save")
	}
	if _, err := c.Budget(); err != nil {
		return err
	}
	switch c.ResizeKernel {
	case "", ResizeNearest, ResizeGocv:
	default:
		return common.InvalidConfigf("unknown resize_kernel %q", c.ResizeKernel)
	}
	return c.Loader.Validate()
}

// Validate checks the loader configuration.
func (l Loader) Validate() error {
	if l.BatchSize < 1 {
		return common.InvalidConfigf("loader.batch_size must be at least 1, got %d", l.BatchSize)
	}
	if l.NumWorkers < 0 {
		return common.InvalidConfigf("loader.num_workers must not be negative, got %d", l.NumWorkers)
	}
	if l.Prefetch < 0 {
		return common.InvalidConfigf("loader.prefetch must not be negative, got %d", l.Prefetch)
	}
	return nil
}

// Scales returns the multi-scale candidates, empty when base_size_repeat is absent.
func (c *Config) Scales() images.ScaleSet {
	if c.BaseSizeRepeat == nil {
		return nil
	}
	return images.GenerateScales(c.BaseSize, *c.BaseSizeRepeat)
}

// Schedule returns the mixup scheduler configuration.
func (c *Config) Schedule() schedule.Config {
	return schedule.Config{
		Window:      schedule.WindowFromEpochs(c.MixupEpochs),
		Warmup:      c.MixupWarmupEpochs,
		Probability: c.MixupProb,
		Gradual:     c.GradualMixup,
	}
}

// Budget parses MemoryBudget into bytes, 0 when unlimited.
func (c *Config) Budget() (int64, error) {
	if c.MemoryBudget == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MemoryBudget)
	if err != nil {
		return 0, common.InvalidConfigf("memory_budget %q: %v", c.MemoryBudget, err)
	}
	return int64(n), nil
}

// Visualization reports whether diagnostic rendering is enabled. Rendering only
// happens when mixup can be applied at all.
func (c *Config) Visualization() bool {
	return c.DataVis && c.MixupProb > 0
}
