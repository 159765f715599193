package nn

import (
	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/preprocess"
	"github.com/born-ml/saliency/internal/tensor"
)

// Model is a named, nestable network with declared preprocessing.
//
// Transfer-learning classifiers nest the pretrained backbone as a child
// Model inside a wrapper that adds the classification head:
//
//	backbone := nn.NewModel("densenet201", preprocess.Torch, preprocess.Stats{}, convs...)
//	model := nn.NewModel("transfer", preprocess.Native, preprocess.Stats{},
//	    backbone, nn.NewGlobalAvgPool2D("avg_pool"), nn.NewDropout("dropout"), head)
//
// Paths of nodes inside a nested model start with the nested model's name;
// the root model's own name is not part of any path.
type Model struct {
	name   string
	mode   preprocess.Mode
	stats  preprocess.Stats
	layers []Layer
}

// NewModel creates a model. mode is the preprocessing the model declares for
// itself; preprocess.Native defers to the first nested model that declares
// one.
func NewModel(name string, mode preprocess.Mode, stats preprocess.Stats, layers ...Layer) *Model {
	return &Model{name: name, mode: mode, stats: stats, layers: layers}
}

// Name implements Node.
func (m *Model) Name() string { return m.name }

// Mode returns the declared preprocessing mode.
func (m *Model) Mode() preprocess.Mode { return m.mode }

// Children implements Container.
func (m *Model) Children() []Node { return nodes(m.layers) }

// Forward implements Layer. Nested models do not re-apply their
// preprocessing: it runs once, in front of the root.
func (m *Model) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	return chain(s, m.layers, x)
}

// Preprocess implements Differentiable.
func (m *Model) Preprocess(x *tensor.Tensor) (*tensor.Tensor, error) {
	mode, stats := m.declared()
	if mode == preprocess.Native {
		return preprocess.Identity(x)
	}
	f, err := preprocess.For(mode, stats)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", m.name)
	}
	return f(x)
}

func (m *Model) declared() (preprocess.Mode, preprocess.Stats) {
	if m.mode != preprocess.Native {
		return m.mode, m.stats
	}
	for _, l := range m.layers {
		if sub, ok := l.(*Model); ok {
			if mode, stats := sub.declared(); mode != preprocess.Native {
				return mode, stats
			}
		}
	}
	return preprocess.Native, preprocess.Stats{}
}

// Predict runs plain inference over a preprocessed batch and returns the
// model output (probabilities when the head ends in a softmax).
func (m *Model) Predict(x *tensor.Tensor) (*tensor.Tensor, error) {
	return m.Forward(NewSession(""), x)
}

// Trace implements Differentiable. The returned Pass carries class scores
// taken before any output softmax.
func (m *Model) Trace(x *tensor.Tensor, target string) (Pass, error) {
	if target == "" {
		return nil, errors.New("trace: empty target")
	}
	s := NewSession(target)
	s.logits = true

	scores, err := m.Forward(s, x)
	if err != nil {
		return nil, err
	}
	if s.Captured() == nil {
		return nil, errors.Wrapf(ErrTargetNotReached, "%q", target)
	}
	if len(scores.Shape()) != 2 {
		return nil, errors.Errorf("model %s: output %v is not [N, K] class scores", m.name, scores.Shape())
	}
	return &pass{activation: s.Captured(), scores: scores, tape: s.Tape()}, nil
}
