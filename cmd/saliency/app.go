package main

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/saliency/internal/config"
	"github.com/born-ml/saliency/internal/loader"
	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/pipeline"
	"github.com/born-ml/saliency/internal/publish"
	"github.com/born-ml/saliency/internal/render"
)

// app wires the configured components for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	kernel    draw.Interpolator
	publisher *publish.Publisher
	tracker   *publish.SQLiteTracker
	runner    *pipeline.Runner
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	registry, err := cfg.NewRegistry()
	if err != nil {
		return nil, err
	}
	kernel, err := render.ParseInterpolator(cfg.Run.Interpolation)
	if err != nil {
		return nil, err
	}
	renderer, err := render.New(cfg.Run.Alpha, render.WithInterpolator(kernel))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, kernel: kernel}
	var tracker publish.Tracker
	if cfg.Tracking.Enabled {
		a.tracker, err = publish.OpenSQLiteTracker(ctx, cfg.Tracking.Database, cfg.Tracking.Project)
		if err != nil {
			return nil, err
		}
		tracker = a.tracker
		logger.Info("tracking run", zap.String("run", a.tracker.RunID()), zap.String("database", a.tracker.Path()))
	}
	a.publisher, err = publish.New(cfg.PublishOptions(), tracker, logger)
	if err != nil {
		a.closeTracker()
		return nil, err
	}
	a.runner = pipeline.NewRunner(registry, renderer, a.publisher, logger, pipeline.Options{
		Workers:            cfg.Run.Workers,
		SerializeInference: cfg.Run.SerializeInference,
	})
	return a, nil
}

// close logs the tracker table and releases the tracker.
func (a *app) close(ctx context.Context) error {
	err := a.publisher.Close(ctx)
	a.closeTracker()
	return err
}

func (a *app) closeTracker() {
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.logger.Warn("closing tracker", zap.Error(err))
		}
	}
}

// loadedModel is a manifest-built model ready to explain.
type loadedModel struct {
	name     string
	variant  string
	model    *nn.Model
	manifest *loader.Manifest
}

func loadModel(mc config.Model) (*loadedModel, error) {
	model, m, err := loader.Load(mc.Manifest)
	if err != nil {
		return nil, err
	}
	lm := &loadedModel{name: mc.Name, variant: mc.Variant, model: model, manifest: m}
	if lm.name == "" {
		lm.name = m.Name
	}
	if lm.variant == "" {
		lm.variant = m.Architecture
	}
	return lm, nil
}

// job builds the pipeline job explaining samples with lm.
func (a *app) job(lm *loadedModel, samples []pipeline.Sample) pipeline.Job {
	for i := range samples {
		samples[i].Class = a.cfg.Run.Class
	}
	return pipeline.Job{
		Name:    lm.name,
		Variant: lm.variant,
		Model:   lm.model,
		Stats:   lm.manifest.Stats,
		Samples: samples,
	}
}

// explainDir explains cfg.Run.Samples images of dir with one model.
func (a *app) explainDir(ctx context.Context, lm *loadedModel, dir string) (*pipeline.Report, error) {
	in := lm.manifest.Input
	samples, err := pipeline.LoadDir(dir, a.cfg.Run.Samples, a.cfg.Run.Seed, in[0], in[1], a.kernel)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", lm.name)
	}
	return a.runner.Run(ctx, a.job(lm, samples))
}

func writeReports(w io.Writer, reports []*pipeline.Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		return errors.Wrap(err, "encode report")
	}
	return enc.Close()
}
