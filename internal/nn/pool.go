package nn

import (
	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

// MaxPool2D is a 2D max pooling layer over NHWC inputs.
//
// Example:
//
//	pool := nn.NewMaxPool2D("block1_pool", 2, 2, autodiff.Valid)
//	output := s.Apply(pool, input) // [N, 32, 32, C] -> [N, 16, 16, C]
type MaxPool2D struct {
	name    string
	size    int
	stride  int
	padding autodiff.Padding
}

// NewMaxPool2D creates a max pooling layer. A zero stride defaults to the
// pool size.
func NewMaxPool2D(name string, size, stride int, padding autodiff.Padding) (*MaxPool2D, error) {
	if stride == 0 {
		stride = size
	}
	if size <= 0 || stride <= 0 {
		return nil, errors.Errorf("maxpool2d %s: invalid size %d / stride %d", name, size, stride)
	}
	return &MaxPool2D{name: name, size: size, stride: stride, padding: padding}, nil
}

// Name implements Node.
func (m *MaxPool2D) Name() string { return m.name }

// Forward implements Layer.
func (m *MaxPool2D) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	return autodiff.MaxPool2D(s.Tape(), x, m.size, m.stride, m.padding)
}

// GlobalAvgPool2D averages over the spatial axes: [N,H,W,C] -> [N,C].
type GlobalAvgPool2D struct {
	name string
}

// NewGlobalAvgPool2D creates a global average pooling layer.
func NewGlobalAvgPool2D(name string) *GlobalAvgPool2D {
	return &GlobalAvgPool2D{name: name}
}

// Name implements Node.
func (g *GlobalAvgPool2D) Name() string { return g.name }

// Forward implements Layer.
func (g *GlobalAvgPool2D) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	return autodiff.GlobalAvgPool2D(s.Tape(), x)
}
