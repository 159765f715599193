// Package publish persists explanation artifacts: one overlay image per
// model and sample on disk and, when a tracker session is active, a table row per
// sample logged once when the publisher is closed.
package publish

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/saliency/internal/gradcam"
	"github.com/born-ml/saliency/internal/render"
	"github.com/born-ml/saliency/internal/tensor"
)

// Table is the tracker table explanation rows are logged to.
const Table = "gradcam_visualization"

// Columns are the tracker table columns, in order.
var Columns = []string{"image", "heat_map", "img + gradcam"}

// Format is an image file format.
type Format string

// Supported formats.
const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
)

// Ext returns the file extension of the format, without the dot.
func (f Format) Ext() string {
	if f == PNG {
		return "png"
	}
	return "jpg"
}

// Defaults.
const (
	DefaultQuality = 90
	DefaultRetries = 2
	DefaultBackoff = 100 * time.Millisecond
)

// Record is the explanation of one sample by one model.
type Record struct {
	// Model names the per-model subdirectory of the output directory. It may
	// be empty when a publisher serves a single model.
	Model    string
	SampleID string
	Original *tensor.Tensor // [H, W, 3] in [0, 255]
	Heatmap  *gradcam.Heatmap
	Overlay  *tensor.Tensor // [H, W, 3] in [0, 255]
}

// Row is one tracker table row; cells follow Columns.
type Row struct {
	Model    string
	SampleID string
	Cells    []image.Image
}

// Tracker is an experiment-tracking session that can log tables.
type Tracker interface {
	// LogTable logs a complete table in a single commit.
	LogTable(ctx context.Context, table string, columns []string, rows []Row) error
}

// Options configures a Publisher.
type Options struct {
	Dir     string
	Format  Format
	Quality int // JPEG quality, 1..100
	Retries int // extra attempts after a failed write
	Backoff time.Duration
}

// Publisher writes overlays to Options.Dir and collects tracker rows.
// Publish is safe for concurrent use.
type Publisher struct {
	opts    Options
	tracker Tracker
	logger  *zap.Logger

	mu     sync.Mutex
	rows   []Row
	closed bool
}

// New creates the output directory and a publisher writing to it. tracker
// may be nil when tracking is disabled.
func New(opts Options, tracker Tracker, logger *zap.Logger) (*Publisher, error) {
	if opts.Dir == "" {
		return nil, errors.New("publish: empty output directory")
	}
	switch opts.Format {
	case "":
		opts.Format = JPEG
	case JPEG, PNG:
	default:
		return nil, errors.Errorf("publish: unknown format %q", opts.Format)
	}
	if opts.Quality == 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return nil, errors.Errorf("publish: jpeg quality %d out of range [1, 100]", opts.Quality)
	}
	if opts.Retries < 0 {
		return nil, errors.Errorf("publish: negative retries %d", opts.Retries)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "publish: create output directory")
	}
	return &Publisher{opts: opts, tracker: tracker, logger: logger}, nil
}

// Path returns the file the overlay of sampleID by model is written to:
// <dir>/<model>/img_<id>.<ext>.
func (p *Publisher) Path(model, sampleID string) string {
	return filepath.Join(p.opts.Dir, model, "img_"+sampleID+"."+p.opts.Format.Ext())
}

// Publish writes the overlay of rec and queues its tracker row.
// Errors are *PublicationError.
func (p *Publisher) Publish(ctx context.Context, rec *Record) error {
	fail := func(stage string, err error) error {
		return &PublicationError{SampleID: rec.SampleID, Stage: stage, Err: err}
	}

	if err := validateID(rec.SampleID); err != nil {
		return fail(StageValidate, err)
	}
	if rec.Model != "" {
		if err := validateID(rec.Model); err != nil {
			return fail(StageValidate, errors.Wrap(err, "model"))
		}
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fail(StageValidate, ErrClosed)
	}

	if rec.Overlay == nil {
		return fail(StageEncode, errors.New("record has no overlay"))
	}
	overlay, err := render.ToImage(rec.Overlay)
	if err != nil {
		return fail(StageEncode, err)
	}
	data, err := p.encode(overlay)
	if err != nil {
		return fail(StageEncode, err)
	}

	path := p.Path(rec.Model, rec.SampleID)
	if err := p.writeWithRetry(ctx, path, data); err != nil {
		return fail(StageWrite, err)
	}
	p.logger.Debug("published overlay",
		zap.String("model", rec.Model), zap.String("sample", rec.SampleID), zap.String("path", path))

	if p.tracker == nil {
		return nil
	}
	if rec.Original == nil || rec.Heatmap == nil {
		return fail(StageTrack, errors.New("record has no original image or heatmap"))
	}
	original, err := render.ToImage(rec.Original)
	if err != nil {
		return fail(StageTrack, err)
	}
	row := Row{
		Model:    rec.Model,
		SampleID: rec.SampleID,
		Cells:    []image.Image{original, render.HeatmapImage(rec.Heatmap), overlay},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fail(StageTrack, ErrClosed)
	}
	p.rows = append(p.rows, row)
	return nil
}

// Rows returns the number of queued tracker rows.
func (p *Publisher) Rows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}

// Close logs the queued rows, ordered by model and sample id, to the tracker. It is a
// no-op without a tracker or rows, and idempotent.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	rows := p.rows
	p.rows = nil
	p.mu.Unlock()

	if p.tracker == nil || len(rows) == 0 {
		return nil
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Model != rows[j].Model {
			return rows[i].Model < rows[j].Model
		}
		return rows[i].SampleID < rows[j].SampleID
	})
	if err := p.tracker.LogTable(ctx, Table, Columns, rows); err != nil {
		return &PublicationError{Stage: StageLogTable, Err: err}
	}
	p.logger.Info("logged tracker table", zap.String("table", Table), zap.Int("rows", len(rows)))
	return nil
}

func (p *Publisher) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if p.opts.Format == PNG {
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.opts.Quality})
	}
	return buf.Bytes(), err
}

func (p *Publisher) writeWithRetry(ctx context.Context, path string, data []byte) error {
	var err error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying overlay write",
				zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "after failed write: %v", err)
			case <-time.After(time.Duration(attempt) * p.opts.Backoff):
			}
		}
		if err = writeAtomic(path, data); err == nil {
			return nil
		}
	}
	return err
}

// writeAtomic writes data to a temporary file beside path and renames it
// into place, so readers never observe a partial image.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create model directory")
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temporary file")
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "write temporary file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close temporary file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename into place")
	}
	return nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.Wrapf(ErrInvalidName, "%q", id)
	}
	return nil
}
