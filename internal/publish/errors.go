package publish

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/gradcam"
)

// Publication stages.
const (
	StageValidate = "validate"
	StageEncode   = "encode"
	StageWrite    = "write"
	StageTrack    = "track"
	StageLogTable = "log_table"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("publisher is closed")

	// ErrInvalidName is returned for sample ids and model names that cannot
	// name a file or directory.
	ErrInvalidName = errors.New("invalid file name")
)

// PublicationError reports a failed write or tracker append for one sample.
// It never aborts a batch.
type PublicationError struct {
	SampleID string
	Stage    string
	Err      error
}

func (e *PublicationError) Error() string {
	if e.SampleID == "" {
		return fmt.Sprintf("publish %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("publish sample %s: %s: %v", e.SampleID, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *PublicationError) Unwrap() error { return e.Err }

// Kind implements gradcam.Kinded.
func (e *PublicationError) Kind() gradcam.Kind { return gradcam.KindPublication }
