package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/schedule"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.Nil(t, cfg.StopEpoch)
	assert.False(t, cfg.Scales().Enabled())

	s, err := schedule.New(cfg.Schedule())
	require.NoError(t, err)
	st, err := s.Advance(0)
	require.NoError(t, err)
	assert.False(t, st.Active(), "an empty window never activates mixup")
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
stop_epoch: 71
base_size: 640
base_size_repeat: 4
mixup_prob: 0.5
mixup_epochs: [4, 29]
gradual_mixup: true
mixup_warmup_epochs: 3
data_vis: false
memory_budget: 8GiB
resize_kernel: gocv
loader:
  batch_size: 16
  shuffle: false
  num_workers: 4
  seed: 7
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.StopEpoch)
	assert.Equal(t, 71, *cfg.StopEpoch)
	assert.Len(t, cfg.Scales(), 14)
	assert.Equal(t, schedule.Config{
		Window:      &schedule.Window{Start: 4, End: 29},
		Warmup:      3,
		Probability: 0.5,
		Gradual:     true,
	}, cfg.Schedule())
	budget, err := cfg.Budget()
	require.NoError(t, err)
	assert.Equal(t, int64(8<<30), budget)
	assert.Equal(t, ResizeGocv, cfg.ResizeKernel)
	assert.Equal(t, Loader{BatchSize: 16, NumWorkers: 4, Seed: 7}, cfg.Loader)
	assert.Equal(t, 0.9999, cfg.EMARestartDecay)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "non boolean shuffle", yaml: "loader:\n  shuffle: \"yes\"\n"},
		{name: "yaml 1.1 yes shuffle", yaml: "loader:\n  shuffle: yes\n"},
		{name: "yaml 1.1 on shuffle", yaml: "loader:\n  shuffle: on\n"},
		{name: "quoted on shuffle", yaml: "loader:\n  shuffle: \"on\"\n"},
		{name: "quoted true shuffle", yaml: "loader:\n  shuffle: \"true\"\n"},
		{name: "numeric shuffle", yaml: "loader:\n  shuffle: 1\n"},
		{name: "list shuffle", yaml: "loader:\n  shuffle: [true]\n"},
		{name: "unknown key", yaml: "mixup_probability: 0.5\n"},
		{name: "probability above one", yaml: "mixup_prob: 1.5\n"},
		{name: "reversed window", yaml: "mixup_epochs: [10, 2]\n"},
		{name: "negative warmup", yaml: "mixup_warmup_epochs: -1\n"},
		{name: "base size not a stride multiple", yaml: "base_size: 100\nbase_size_repeat: 2\n"},
		{name: "negative stop epoch", yaml: "stop_epoch: -3\n"},
		{name: "bad budget", yaml: "memory_budget: lots\n"},
		{name: "bad format", yaml: "vis_format: gif\n"},
		{name: "bad kernel", yaml: "resize_kernel: lanczos\n"},
		{name: "zero batch size", yaml: "loader:\n  batch_size: 0\n"},
		{name: "vis without directory", yaml: "data_vis: true\nvis_save: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrInvalidConfiguration), "got %v", err)
		})
	}
}

func TestParseShuffle(t *testing.T) {
	for value, want := range map[string]Bool{"true": true, "false": false} {
		cfg, err := Parse([]byte("loader:\n  shuffle: " + value + "\n"))
		require.NoError(t, err, value)
		assert.Equal(t, want, cfg.Loader.Shuffle, value)
	}

	cfg, err := Parse([]byte("loader:\n  batch_size: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, Bool(true), cfg.Loader.Shuffle, "absent shuffle keeps the default")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_size: 320\nbase_size_repeat: 1\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{224, 256, 288, 320, 384, 352, 320}, []int(cfg.Scales()))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestVisualization(t *testing.T) {
	cfg := Default()
	cfg.DataVis = true
	assert.False(t, cfg.Visualization(), "nothing is rendered without mixup")
	cfg.MixupProb = 0.2
	assert.True(t, cfg.Visualization())
}
