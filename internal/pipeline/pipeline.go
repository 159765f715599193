// Package pipeline drives batch explanation: it resolves a model's target
// layer once, explains each sample on a bounded worker pool, renders and
// publishes the result, and reports per-sample failures without aborting
// the batch.
package pipeline

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/born-ml/saliency/internal/gradcam"
	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/preprocess"
	"github.com/born-ml/saliency/internal/publish"
	"github.com/born-ml/saliency/internal/render"
	"github.com/born-ml/saliency/internal/tensor"
)

// ErrDuplicateSample is returned for a job whose samples share an id, which
// would make their artifacts overwrite each other.
var ErrDuplicateSample = errors.New("duplicate sample id")

// Publisher receives explanation records.
type Publisher interface {
	Publish(ctx context.Context, rec *publish.Record) error
}

// Sample is one image to explain.
type Sample struct {
	ID    string
	Image *tensor.Tensor // [H, W, 3] in [0, 255]
	Class int            // gradcam.TopPrediction for the predicted class
}

// Job is one model and the samples to explain with it.
type Job struct {
	Name    string
	Variant string
	Model   nn.Differentiable
	Stats   preprocess.Stats
	Samples []Sample
}

// Options configures a Runner.
type Options struct {
	// Workers bounds the samples in flight. Zero means runtime.NumCPU().
	Workers int
	// SerializeInference allows a single forward/backward pass at a time,
	// for backends that are not safe for concurrent inference. Rendering and
	// publishing stay parallel.
	SerializeInference bool
}

// Runner explains batches of samples.
type Runner struct {
	registry  *gradcam.Registry
	renderer  *render.Renderer
	publisher Publisher
	logger    *zap.Logger
	workers   int
	inference *semaphore.Weighted
}

// NewRunner creates a runner. publisher may be nil to skip publication.
func NewRunner(registry *gradcam.Registry, renderer *render.Renderer, publisher Publisher, logger *zap.Logger, opts Options) *Runner {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	guard := int64(workers)
	if opts.SerializeInference {
		guard = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry:  registry,
		renderer:  renderer,
		publisher: publisher,
		logger:    logger,
		workers:   workers,
		inference: semaphore.NewWeighted(guard),
	}
}

// Workers returns the worker pool size.
func (r *Runner) Workers() int {
	return r.workers
}

// Run explains every sample of job.
//
// A failure to resolve the architecture or target layer, or samples sharing
// an id, abort the job: the returned report carries it as a model failure
// and the error is returned.
// Per-sample failures are only recorded in the report. When ctx is done no
// new samples are started; samples in flight complete and the rest are
// counted as skipped.
func (r *Runner) Run(ctx context.Context, job Job) (*Report, error) {
	start := time.Now()
	rep := &Report{Model: job.Name, Variant: job.Variant, Requested: len(job.Samples)}
	log := r.logger.With(zap.String("model", job.Name), zap.String("variant", job.Variant))

	g, err := r.build(job)
	if err == nil {
		err = uniqueIDs(job.Samples)
	}
	if err != nil {
		rep.Failures = append(rep.Failures, failure("", err))
		rep.Skipped = len(job.Samples)
		log.Error("cannot explain model", zap.Error(err))
		return rep, err
	}
	rep.Target = g.Target()
	log.Info("explaining samples", zap.String("target", rep.Target), zap.Int("samples", len(job.Samples)))

	var mu sync.Mutex
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			rep.Succeeded++
			return
		}
		rep.Failures = append(rep.Failures, failure(id, err))
	}

	var eg errgroup.Group
	eg.SetLimit(r.workers)
	submitted := 0
	for _, s := range job.Samples {
		if ctx.Err() != nil {
			break
		}
		submitted++
		s := s
		eg.Go(func() error {
			err := r.explain(ctx, g, job.Name, s)
			if err != nil {
				log.Warn("sample failed", zap.String("sample", s.ID),
					zap.String("kind", string(gradcam.KindOf(err))), zap.Error(err))
			}
			record(s.ID, err)
			return nil
		})
	}
	_ = eg.Wait() // workers never fail the group

	rep.Skipped = len(job.Samples) - submitted
	sort.Slice(rep.Failures, func(i, j int) bool { return rep.Failures[i].SampleID < rep.Failures[j].SampleID })
	log.Info("explained samples",
		zap.Int("succeeded", rep.Succeeded), zap.Int("failed", len(rep.Failures)),
		zap.Int("skipped", rep.Skipped), zap.Duration("elapsed", time.Since(start)))
	if rep.Skipped > 0 {
		return rep, errors.Wrapf(ctx.Err(), "model %s: %d samples skipped", job.Name, rep.Skipped)
	}
	return rep, nil
}

func uniqueIDs(samples []Sample) error {
	seen := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		if _, dup := seen[s.ID]; dup {
			return errors.Wrapf(ErrDuplicateSample, "%q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

func (r *Runner) build(job Job) (*gradcam.Graph, error) {
	spec, err := r.registry.Resolve(job.Variant)
	if err != nil {
		return nil, err
	}
	return gradcam.Build(job.Model, spec, job.Stats)
}

// explain runs one sample end to end. Inference holds the guard; render and
// publish do not. The sample runs to completion even if ctx is cancelled
// meanwhile.
func (r *Runner) explain(ctx context.Context, g *gradcam.Graph, model string, s Sample) error {
	ctx = context.WithoutCancel(ctx)

	if err := r.inference.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "acquire inference slot")
	}
	h, err := gradcam.Compute(g, s.Image, s.Class)
	r.inference.Release(1)
	if err != nil {
		return err
	}

	overlay, err := r.renderer.Render(h, s.Image)
	if err != nil {
		return errors.Wrap(err, "render")
	}
	if r.publisher == nil {
		return nil
	}
	return r.publisher.Publish(ctx, &publish.Record{
		Model:    model,
		SampleID: s.ID,
		Original: s.Image,
		Heatmap:  h,
		Overlay:  overlay,
	})
}
