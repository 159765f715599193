package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

// Dense implements a fully connected layer.
//
// Performs the transformation: y = act(x @ W + b)
// where:
//   - x is the input tensor with shape [batch_size, in_features]
//   - W is the weight matrix with shape [in_features, units]
//   - b is the bias vector with shape [units]
//
// A softmax activation is skipped in a Session that asks for logits, which
// is how class scores are read off a classification head.
type Dense struct {
	name       string
	activation Activation
	weight     *tensor.Tensor
	bias       *tensor.Tensor
}

// NewDense creates a Dense layer with Xavier initialized weights and zero
// biases.
func NewDense(name string, inFeatures, units int, act Activation, rng *rand.Rand) (*Dense, error) {
	if inFeatures <= 0 || units <= 0 {
		return nil, errors.Errorf("dense %s: invalid features in=%d, units=%d", name, inFeatures, units)
	}
	return &Dense{
		name:       name,
		activation: act,
		weight:     Xavier(rng, inFeatures, units, tensor.Shape{inFeatures, units}),
		bias:       tensor.Zeros(tensor.Shape{units}),
	}, nil
}

// Name implements Node.
func (d *Dense) Name() string { return d.name }

// Units returns the number of output features.
func (d *Dense) Units() int { return d.weight.Shape()[1] }

// Params implements Parameterized.
func (d *Dense) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"kernel": d.weight, "bias": d.bias}
}

// Forward implements Layer.
func (d *Dense) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := autodiff.Dense(s.Tape(), x, d.weight, d.bias)
	if err != nil {
		return nil, err
	}
	switch d.activation {
	case ReLUAct:
		return autodiff.ReLU(s.Tape(), y), nil
	case Softmax:
		if s.Logits() {
			return y, nil
		}
		return autodiff.Softmax(s.Tape(), y)
	default:
		return y, nil
	}
}
