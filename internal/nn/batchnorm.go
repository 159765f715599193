package nn

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

// DefaultBatchNormEpsilon matches the Keras default.
const DefaultBatchNormEpsilon = 1e-3

// BatchNorm is an inference-mode batch normalization over the channel axis:
//
//	y = gamma * (x - moving_mean) / sqrt(moving_variance + eps) + beta
//
// It is evaluated as a per-channel affine map folded from the frozen
// statistics on every call, so loading new statistics needs no refresh step.
type BatchNorm struct {
	name     string
	epsilon  float32
	gamma    *tensor.Tensor
	beta     *tensor.Tensor
	mean     *tensor.Tensor
	variance *tensor.Tensor
}

// NewBatchNorm creates an identity-initialized batch normalization over
// channels features.
func NewBatchNorm(name string, channels int, epsilon float32) (*BatchNorm, error) {
	if channels <= 0 {
		return nil, errors.Errorf("batchnorm %s: invalid channels %d", name, channels)
	}
	if epsilon <= 0 {
		epsilon = DefaultBatchNormEpsilon
	}
	shape := tensor.Shape{channels}
	return &BatchNorm{
		name:     name,
		epsilon:  epsilon,
		gamma:    Ones(shape),
		beta:     tensor.Zeros(shape),
		mean:     tensor.Zeros(shape),
		variance: Ones(shape),
	}, nil
}

// Name implements Node.
func (b *BatchNorm) Name() string { return b.name }

// Params implements Parameterized.
func (b *BatchNorm) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		"gamma":           b.gamma,
		"beta":            b.beta,
		"moving_mean":     b.mean,
		"moving_variance": b.variance,
	}
}

// Forward implements Layer.
func (b *BatchNorm) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	c := b.gamma.NumElements()
	scale := tensor.Zeros(tensor.Shape{c})
	shift := tensor.Zeros(tensor.Shape{c})
	sd, hd := scale.Data(), shift.Data()
	g, be, m, v := b.gamma.Data(), b.beta.Data(), b.mean.Data(), b.variance.Data()
	for i := 0; i < c; i++ {
		sd[i] = g[i] / float32(math.Sqrt(float64(v[i]+b.epsilon)))
		hd[i] = be[i] - m[i]*sd[i]
	}
	return autodiff.Affine(s.Tape(), x, scale, shift)
}
