package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/born-ml/saliency/internal/config"
	"github.com/born-ml/saliency/internal/pipeline"
	"github.com/born-ml/saliency/internal/watch"
)

var watchFlags struct {
	dir string
}

var watchCmd = &cobra.Command{
	Use:   "watch <manifest>",
	Short: "Explain images as they are dropped into a directory",
	Long: `Watches a directory and explains every image written to it with one model,
in batches that settle for the configured debounce period. The tracker table
is logged when the command is interrupted.

Example:
  saliency watch models/densenet201.yaml --dir incoming`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchFlags.dir, "dir", "", "directory to watch (required)")
	_ = watchCmd.MarkFlagRequired("dir")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lm, err := loadModel(config.Model{Manifest: args[0]})
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	in := lm.manifest.Input
	w := watch.New(watchFlags.dir, cfg.Watch.Debounce, watchFilter(cfg.Publish.Dir), logger)
	err = w.Run(ctx, func(ctx context.Context, paths []string) {
		var samples []pipeline.Sample
		ids := pipeline.SampleIDs(paths)
		for i, p := range paths {
			img, err := pipeline.LoadImage(p, in[0], in[1], a.kernel)
			if err != nil {
				logger.Warn("skipping image", zap.String("path", p), zap.Error(err))
				continue
			}
			samples = append(samples, pipeline.Sample{ID: ids[i], Image: img})
		}
		if len(samples) == 0 {
			return
		}
		rep, err := a.runner.Run(ctx, a.job(lm, samples))
		if err != nil {
			logger.Error("batch failed", zap.Error(err))
		}
		if rep != nil {
			_ = writeReports(cmd.OutOrStdout(), []*pipeline.Report{rep})
		}
	})
	if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// watchFilter accepts images outside publishDir. Overlays written under it
// would otherwise be explained again when publishDir is the watched
// directory.
func watchFilter(publishDir string) func(string) bool {
	out, err := filepath.Abs(publishDir)
	return func(path string) bool {
		if !pipeline.IsImage(path) {
			return false
		}
		if err != nil {
			return true
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return true
		}
		rel, err := filepath.Rel(out, abs)
		return err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
	}
}
