package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/born-ml/saliency/internal/config"
	"github.com/born-ml/saliency/internal/pipeline"
)

var explainFlags struct {
	samplesDir string
	variant    string
	out        string
	samples    int
	seed       int64
	class      int
	alpha      float64
	workers    int
	serialize  bool
	track      bool
}

var explainCmd = &cobra.Command{
	Use:   "explain [manifest...]",
	Short: "Explain sample images with every configured model",
	Long: `Explains a random selection of sample images with each model and writes
one overlay per image to a directory per model, <out>/<model>/img_<id>.jpg.

Models come from the configuration file, or from manifest arguments together
with --samples-dir. A report of succeeded and failed samples per model is
printed as YAML.

Example:
  saliency explain models/vgg16.yaml --samples-dir data/test --samples 5`,
	RunE: runExplain,
}

func init() {
	f := explainCmd.Flags()
	f.StringVar(&explainFlags.samplesDir, "samples-dir", "", "directory of sample images for manifest arguments")
	f.StringVar(&explainFlags.variant, "variant", "", "architecture variant, overriding the manifests")
	f.StringVarP(&explainFlags.out, "out", "o", "", "output directory")
	f.IntVarP(&explainFlags.samples, "samples", "n", 0, "images per model")
	f.Int64Var(&explainFlags.seed, "seed", 0, "sample selection seed")
	f.IntVar(&explainFlags.class, "class", 0, "class to explain; -1 for the predicted class")
	f.Float64Var(&explainFlags.alpha, "alpha", 0, "heatmap intensity in [0, 1]")
	f.IntVar(&explainFlags.workers, "workers", 0, "parallel samples; 0 for one per CPU")
	f.BoolVar(&explainFlags.serialize, "serialize-inference", false, "one forward/backward pass at a time")
	f.BoolVar(&explainFlags.track, "track", false, "log the visualization table to the tracker")
}

// applyRunFlags overrides configuration values with explicitly set flags.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("out") {
		cfg.Publish.Dir = explainFlags.out
	}
	if f.Changed("samples") {
		cfg.Run.Samples = explainFlags.samples
	}
	if f.Changed("seed") {
		cfg.Run.Seed = explainFlags.seed
	}
	if f.Changed("class") {
		cfg.Run.Class = explainFlags.class
	}
	if f.Changed("alpha") {
		cfg.Run.Alpha = explainFlags.alpha
	}
	if f.Changed("workers") {
		cfg.Run.Workers = explainFlags.workers
	}
	if f.Changed("serialize-inference") {
		cfg.Run.SerializeInference = explainFlags.serialize
	}
	if f.Changed("track") {
		cfg.Tracking.Enabled = explainFlags.track
	}
	return cfg.Validate()
}

func runExplain(cmd *cobra.Command, args []string) error {
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	models := cfg.Models
	if len(args) > 0 {
		if explainFlags.samplesDir == "" {
			return fmt.Errorf("--samples-dir is required with manifest arguments")
		}
		models = nil
		for _, m := range args {
			models = append(models, config.Model{Manifest: m, SamplesDir: explainFlags.samplesDir})
		}
	}
	if len(models) == 0 {
		return fmt.Errorf("no models to explain: pass manifests or configure models")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var reports []*pipeline.Report
	names := map[string]bool{}
	failed := 0
	for _, mc := range models {
		if ctx.Err() != nil {
			break
		}
		if explainFlags.variant != "" {
			mc.Variant = explainFlags.variant
		}
		rep, err := explainModel(ctx, a, mc, names)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			failed++
			logger.Error("model failed", zap.String("manifest", mc.Manifest), zap.Error(err))
		}
	}

	// The table is logged even after a cancelled run.
	if err := a.close(context.WithoutCancel(ctx)); err != nil {
		logger.Error("publishing tracker table", zap.Error(err))
		failed++
	}
	if err := writeReports(cmd.OutOrStdout(), reports); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d models failed", failed, len(models))
	}
	return nil
}

// explainModel explains the samples of one model. names holds the models
// explained so far; artifacts live in a directory per model name, so a name
// may only be used once per run.
func explainModel(ctx context.Context, a *app, mc config.Model, names map[string]bool) (*pipeline.Report, error) {
	lm, err := loadModel(mc)
	if err != nil {
		return nil, err
	}
	if names[lm.name] {
		return nil, fmt.Errorf("model name %q is used by more than one model", lm.name)
	}
	names[lm.name] = true
	if mc.SamplesDir == "" {
		return nil, fmt.Errorf("model %s: no samples directory", lm.name)
	}
	return a.explainDir(ctx, lm, mc.SamplesDir)
}
