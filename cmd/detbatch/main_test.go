package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvr-ai/go-detbatch/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestScalesCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := scalesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--base-size", "320", "--repeat", "1"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "ScaleSet[224 256 288 320 384 352 320]\n", out.String())

	cmd = scalesCmd()
	cmd.SetArgs([]string{"--base-size", "100"})
	assert.Error(t, cmd.Execute())
}

func TestScheduleCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mixup_prob: 0.6\nmixup_epochs: [2, 6]\nmixup_warmup_epochs: 2\n"), 0o600))

	var out bytes.Buffer
	cmd := scheduleCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "--epochs", "7"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 7)
	assert.Contains(t, lines[1], "inactive")
	assert.Contains(t, lines[2], "warming-up")
	assert.Contains(t, lines[2], "0.3000")
	assert.Contains(t, lines[4], "fully-active")
	assert.Contains(t, lines[6], "inactive")
}

func TestPreview(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1.png", "2.png", "3.png"} {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 16, 16))))
		require.NoError(t, f.Close())
	}

	repeat := 1
	cfg := config.Default()
	cfg.BaseSize = 64
	cfg.BaseSizeRepeat = &repeat
	cfg.MixupProb = 1
	cfg.MixupEpochs = []int{0, 2}
	cfg.Loader.BatchSize = 2

	require.NoError(t, preview(context.Background(), &cfg, dir, 0, 2, zaptest.NewLogger(t)))
}
