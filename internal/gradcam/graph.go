package gradcam

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/preprocess"
	"github.com/born-ml/saliency/internal/tensor"
)

// maxCandidates bounds the node list reported for an unresolved layer.
const maxCandidates = 8

// Graph is a model wired for explanation: preprocessing, the forward pass,
// and a tap on the resolved target tensor.
//
// A Graph holds no per-pass state and may be run from several goroutines
// provided the model itself is safe for concurrent inference.
type Graph struct {
	model      nn.Differentiable
	target     string
	spec       TargetLayerSpec
	preprocess preprocess.Func
}

// Build resolves spec.Layer against the model's layer tree and composes the
// preprocessing selected by spec.Preprocessing in front of it.
//
// Resolution fails with a *LayerResolutionError when the identifier matches
// no node or several nodes. The model is not modified.
func Build(model nn.Differentiable, spec TargetLayerSpec, stats preprocess.Stats) (*Graph, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	target, err := resolve(model, spec.Layer)
	if err != nil {
		return nil, err
	}

	var pre preprocess.Func
	if spec.Preprocessing == preprocess.Native {
		pre = model.Preprocess
	} else {
		needsStats := spec.Preprocessing == preprocess.Centering || spec.Preprocessing == preprocess.ScaleStd
		if needsStats && stats.Empty() {
			return nil, errors.Wrapf(preprocess.ErrMissingStats, "model %s: %s", model.Name(), spec.Preprocessing)
		}
		if pre, err = preprocess.For(spec.Preprocessing, stats); err != nil {
			return nil, errors.Wrapf(err, "model %s", model.Name())
		}
	}

	return &Graph{model: model, target: target, spec: spec, preprocess: pre}, nil
}

// Target returns the resolved path of the tapped tensor.
func (g *Graph) Target() string {
	return g.target
}

// Spec returns the spec the graph was built from.
func (g *Graph) Spec() TargetLayerSpec {
	return g.spec
}

// Model returns the explained model.
func (g *Graph) Model() nn.Differentiable {
	return g.model
}

// Run preprocesses a batch of raw [0, 255] pixels and traces it, returning
// the tapped activation and class scores.
func (g *Graph) Run(x *tensor.Tensor) (nn.Pass, error) {
	px, err := g.preprocess(x)
	if err != nil {
		return nil, errors.Wrap(err, "preprocess")
	}
	p, err := g.model.Trace(px, g.target)
	if err != nil {
		return nil, errors.Wrapf(err, "trace %s", g.target)
	}
	return p, nil
}

// resolve finds the single node path matching identifier.
//
// A bare name matches nodes of that name at any depth; a name containing the
// path separator must equal a full path. A ":output" suffix selects a named
// output and only matches MultiOutput nodes that emit it.
func resolve(model nn.Differentiable, identifier string) (string, error) {
	name, output, _ := strings.Cut(identifier, nn.OutputSeparator)
	byPath := strings.Contains(name, nn.PathSeparator)

	var matches, visited []string
	err := nn.Walk(model, func(path string, n nn.Node) error {
		visited = append(visited, path)

		if byPath && path != name || !byPath && n.Name() != name {
			return nil
		}
		if output == "" {
			matches = append(matches, path)
			return nil
		}
		if mo, ok := n.(nn.MultiOutput); ok && hasOutput(mo, output) {
			matches = append(matches, path+nn.OutputSeparator+output)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "walk layer tree")
	}

	if len(matches) == 1 {
		return matches[0], nil
	}
	rerr := &LayerResolutionError{Model: model.Name(), Layer: identifier, Matches: matches}
	if len(matches) == 0 {
		if len(visited) > maxCandidates {
			visited = visited[len(visited)-maxCandidates:]
		}
		rerr.Candidates = visited
	}
	return "", rerr
}

func hasOutput(n nn.MultiOutput, output string) bool {
	for _, o := range n.Outputs() {
		if o == output {
			return true
		}
	}
	return false
}
