package pipeline

import (
	"github.com/born-ml/saliency/internal/gradcam"
)

// Report summarizes the explanation of one model.
type Report struct {
	Model     string    `json:"model" yaml:"model"`
	Variant   string    `json:"variant" yaml:"variant"`
	Target    string    `json:"target,omitempty" yaml:"target,omitempty"`
	Requested int       `json:"requested" yaml:"requested"`
	Succeeded int       `json:"succeeded" yaml:"succeeded"`
	Skipped   int       `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failures  []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Failure is one failed sample. An empty SampleID marks a failure of the
// whole model.
type Failure struct {
	SampleID string       `json:"sample_id" yaml:"sample_id"`
	Kind     gradcam.Kind `json:"kind" yaml:"kind"`
	Error    string       `json:"error" yaml:"error"`
}

func failure(id string, err error) Failure {
	return Failure{SampleID: id, Kind: gradcam.KindOf(err), Error: err.Error()}
}

// Failed returns the number of failed samples, or Requested when the whole
// model failed.
func (r *Report) Failed() int {
	for _, f := range r.Failures {
		if f.SampleID == "" {
			return r.Requested
		}
	}
	return len(r.Failures)
}

// OK reports whether every requested sample succeeded.
func (r *Report) OK() bool {
	return r.Succeeded == r.Requested
}
