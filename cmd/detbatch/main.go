// Command detbatch inspects the batch collation pipeline: the multi-scale
// resolutions, the mixup schedule, and the batches a folder dataset produces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nvr-ai/go-detbatch/batch"
	"github.com/nvr-ai/go-detbatch/collate"
	"github.com/nvr-ai/go-detbatch/config"
	"github.com/nvr-ai/go-detbatch/images"
	"github.com/nvr-ai/go-detbatch/loader"
	"github.com/nvr-ai/go-detbatch/schedule"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	root := &cobra.Command{
		Use:           "detbatch",
		Short:         "inspect epoch aware detection batch collation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(scalesCmd(), scheduleCmd(), previewCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}

func scalesCmd() *cobra.Command {
	var base, repeat int
	cmd := &cobra.Command{
		Use:   "scales",
		Short: "print the multi-scale training resolutions of a base size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if base <= 0 || base%images.ScaleStride != 0 {
				return fmt.Errorf("base size must be a positive multiple of %d", images.ScaleStride)
			}
			fmt.Fprintln(cmd.OutOrStdout(), images.GenerateScales(base, repeat))
			return nil
		},
	}
	cmd.Flags().IntVar(&base, "base-size", 640, "nominal square resolution")
	cmd.Flags().IntVar(&repeat, "repeat", 4, "how often the base size appears")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var configPath string
	var epochs int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "print the mixup phase and probability of every epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			s, err := schedule.New(cfg.Schedule())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for epoch := 0; epoch < epochs; epoch++ {
				st, err := s.Advance(epoch)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%4d  %-12s %.4f\n", epoch, st.Phase, st.Probability)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().IntVar(&epochs, "epochs", 30, "number of epochs to print")
	return cmd
}

// epochReport summarizes the batches of one epoch.
type epochReport struct {
	batches int
	samples int
	mixed   int
	scales  map[int]int
}

func (r epochReport) scaleSummary() string {
	keys := make([]int, 0, len(r.scales))
	for k := range r.scales {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d:%d", k, r.scales[k]))
	}
	return strings.Join(parts, " ")
}

func previewCmd() *cobra.Command {
	var configPath string
	var epochs, start int
	var verbose bool
	cmd := &cobra.Command{
		Use:   "preview DATASET_DIR",
		Short: "collate a folder dataset for a few epochs and report the batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return preview(ctx, cfg, args[0], start, epochs, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().IntVar(&start, "start-epoch", 0, "first epoch")
	cmd.Flags().IntVar(&epochs, "epochs", 1, "number of epochs")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func preview(ctx context.Context, cfg *config.Config, dir string, start, epochs int, logger *zap.Logger) error {
	pipeline, err := collate.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	ds, err := loader.NewFolderDataset(dir, cfg.BaseSize, logger.Named("dataset"))
	if err != nil {
		return err
	}
	opts := loader.OptionsFromConfig(cfg.Loader)
	opts.Logger = logger.Named("loader")
	dl, err := loader.New(ds, pipeline, opts)
	if err != nil {
		return err
	}
	logger.Info("data loader", zap.Stringer("loader", dl))

	for epoch := start; epoch < start+epochs; epoch++ {
		if err := dl.SetEpoch(epoch); err != nil {
			return err
		}

		bar := progressbar.NewOptions(dl.NumBatches(),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish(),
		)
		report := epochReport{scales: map[int]int{}}
		err := dl.Iterate(ctx, func(b *batch.Batch) error {
			defer b.Release()
			report.batches++
			report.samples += b.Len()
			if b.Mixed {
				report.mixed++
			}
			_, _, h, _ := b.Dims()
			report.scales[h]++
			return bar.Add(1)
		})
		_ = bar.Finish()
		if err != nil {
			return err
		}

		st := pipeline.Scheduler().Snapshot()
		stats := pipeline.Pool.Stats()
		logger.Debug("collate timings", pipeline.Timings.Fields()...)
		pipeline.Timings.Reset()
		logger.Info("epoch collated",
			zap.Int("epoch", epoch),
			zap.Int("batches", report.batches),
			zap.Int("samples", report.samples),
			zap.Int("mixed", report.mixed),
			zap.String("resolutions", report.scaleSummary()),
			zap.Stringer("phase", st.Phase),
			zap.Float64("mixup_probability", st.Probability),
			zap.String("peak_memory", humanize.IBytes(uint64(stats.Peak))))
	}
	if pipeline.Visualizer != nil {
		pipeline.Close()
		written, failed, dropped := pipeline.Visualizer.Stats()
		logger.Info("visualization",
			zap.String("dir", cfg.VisSave),
			zap.Int64("written", written),
			zap.Int64("failed", failed),
			zap.Int64("dropped", dropped))
	}
	return nil
}
