package nn

import (
	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

// ReLU is a standalone Rectified Linear Unit activation layer.
//
// Applies the element-wise function: f(x) = max(0, x)
//
// Inception-ResNet style models name their post-activation tensors
// (e.g. "conv_7b_ac") with a separate activation layer.
type ReLU struct {
	name string
}

// NewReLU creates a new ReLU activation layer.
func NewReLU(name string) *ReLU {
	return &ReLU{name: name}
}

// Name implements Node.
func (r *ReLU) Name() string { return r.name }

// Forward applies ReLU activation: f(x) = max(0, x).
func (r *ReLU) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	return autodiff.ReLU(s.Tape(), x), nil
}

// Dropout is the identity at inference time. It exists so transfer-learning
// heads keep their layer names.
type Dropout struct {
	name string
}

// NewDropout creates a Dropout layer.
func NewDropout(name string) *Dropout {
	return &Dropout{name: name}
}

// Name implements Node.
func (d *Dropout) Name() string { return d.name }

// Forward returns x unchanged.
func (d *Dropout) Forward(_ *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	return x, nil
}

// Flatten reshapes [N, ...] to [N, features].
type Flatten struct {
	name string
}

// NewFlatten creates a Flatten layer.
func NewFlatten(name string) *Flatten {
	return &Flatten{name: name}
}

// Name implements Node.
func (f *Flatten) Name() string { return f.name }

// Forward implements Layer.
func (f *Flatten) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	n := x.Shape()[0]
	return autodiff.Reshape(s.Tape(), x, tensor.Shape{n, x.NumElements() / n})
}
