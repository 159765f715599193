package gradcam

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies explanation failures for reporting.
type Kind string

// Failure kinds.
const (
	KindUnknownArchitecture Kind = "unknown_architecture"
	KindLayerResolution     Kind = "layer_resolution"
	KindIndexOutOfRange     Kind = "index_out_of_range"
	KindDegenerateHeatmap   Kind = "degenerate_heatmap"
	KindPublication         Kind = "publication"
	KindInternal            Kind = "internal"
)

// Kinded is implemented by errors that carry a failure Kind.
type Kinded interface {
	error
	Kind() Kind
}

// KindOf returns the Kind of the first Kinded error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// PerModel reports whether a failure of this kind invalidates the whole model
// rather than a single sample.
func (k Kind) PerModel() bool {
	return k == KindUnknownArchitecture || k == KindLayerResolution
}

// UnknownArchitectureError is returned when a variant identifier has no
// registry entry and no fallback layer is configured.
type UnknownArchitectureError struct {
	Variant string
	Known   []Variant
}

func (e *UnknownArchitectureError) Error() string {
	known := make([]string, len(e.Known))
	for i, v := range e.Known {
		known[i] = string(v)
	}
	return fmt.Sprintf("unknown architecture %q (registered: %s)", e.Variant, strings.Join(known, ", "))
}

// Kind implements Kinded.
func (e *UnknownArchitectureError) Kind() Kind { return KindUnknownArchitecture }

// LayerResolutionError is returned when the target layer identifier matches
// no node, or more than one node, of the model.
type LayerResolutionError struct {
	Model   string
	Layer   string
	Matches []string // paths of every match; empty when absent
	// Candidates lists the last nodes of the model when nothing matched.
	Candidates []string
}

func (e *LayerResolutionError) Error() string {
	if len(e.Matches) > 1 {
		return fmt.Sprintf("layer %q is ambiguous in model %s: matches %s",
			e.Layer, e.Model, strings.Join(e.Matches, ", "))
	}
	return fmt.Sprintf("layer %q not found in model %s (last nodes: %s)",
		e.Layer, e.Model, strings.Join(e.Candidates, ", "))
}

// Kind implements Kinded.
func (e *LayerResolutionError) Kind() Kind { return KindLayerResolution }

// IndexOutOfRangeError is returned for a target class outside [0, Classes).
type IndexOutOfRangeError struct {
	Index   int
	Classes int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("target class %d out of range: model has %d classes", e.Index, e.Classes)
}

// Kind implements Kinded.
func (e *IndexOutOfRangeError) Kind() Kind { return KindIndexOutOfRange }

// DegenerateHeatmapError is returned when the rectified weighted activation
// sum has no positive finite maximum, so it cannot be normalized.
type DegenerateHeatmapError struct {
	Class int
	Max   float64
}

func (e *DegenerateHeatmapError) Error() string {
	return fmt.Sprintf("degenerate heatmap for class %d: maximum is %v", e.Class, e.Max)
}

// Kind implements Kinded.
func (e *DegenerateHeatmapError) Kind() Kind { return KindDegenerateHeatmap }
