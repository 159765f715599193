package nn

import (
	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

// Sequential is a container layer that chains its layers.
//
// Each layer's output becomes the next layer's input. A Sequential with no
// layers is the identity, which is how pass-through branches are written.
//
// Example:
//
//	block := nn.NewSequential("block1", conv1, conv2, pool)
//	output, err := s.Apply(block, input)
type Sequential struct {
	name   string
	layers []Layer
}

// NewSequential creates a new Sequential container.
func NewSequential(name string, layers ...Layer) *Sequential {
	return &Sequential{name: name, layers: layers}
}

// Name implements Node.
func (q *Sequential) Name() string { return q.name }

// Add appends a layer to the sequence.
func (q *Sequential) Add(l Layer) {
	q.layers = append(q.layers, l)
}

// Len returns the number of layers in the sequence.
func (q *Sequential) Len() int {
	return len(q.layers)
}

// Layers returns the layers in forward order.
func (q *Sequential) Layers() []Layer {
	return q.layers
}

// Children implements Container.
func (q *Sequential) Children() []Node {
	return nodes(q.layers)
}

// Forward applies all layers in sequence.
func (q *Sequential) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	return chain(s, q.layers, x)
}

func chain(s *Session, layers []Layer, x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	for _, l := range layers {
		var err error
		if out, err = s.Apply(l, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nodes(layers []Layer) []Node {
	out := make([]Node, len(layers))
	for i, l := range layers {
		out[i] = l
	}
	return out
}

// Residual adds a body path to a shortcut path: y = body(x) + shortcut(x).
//
// A nil shortcut is the identity. An optional post activation is applied to
// the sum, as in the original ResNet blocks; pre-activation (v2) blocks
// leave it empty.
type Residual struct {
	name     string
	body     *Sequential
	shortcut *Sequential
	post     Activation
}

// NewResidual creates a residual block. shortcut may be nil.
func NewResidual(name string, body, shortcut *Sequential, post Activation) (*Residual, error) {
	if body == nil {
		return nil, errors.Errorf("residual %s: missing body", name)
	}
	if post == Softmax {
		return nil, errors.Errorf("residual %s: softmax is not a block activation", name)
	}
	return &Residual{name: name, body: body, shortcut: shortcut, post: post}, nil
}

// Name implements Node.
func (r *Residual) Name() string { return r.name }

// Children implements Container.
func (r *Residual) Children() []Node {
	if r.shortcut == nil {
		return []Node{r.body}
	}
	return []Node{r.body, r.shortcut}
}

// Forward implements Layer.
func (r *Residual) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := s.Apply(r.body, x)
	if err != nil {
		return nil, err
	}
	short := x
	if r.shortcut != nil {
		if short, err = s.Apply(r.shortcut, x); err != nil {
			return nil, err
		}
	}
	sum, err := autodiff.Add(s.Tape(), y, short)
	if err != nil {
		return nil, err
	}
	if r.post == ReLUAct {
		sum = autodiff.ReLU(s.Tape(), sum)
	}
	return sum, nil
}

// Concat runs parallel branches on the same input and concatenates their
// outputs along the channel axis, as inception mixed blocks and dense blocks
// do. An empty branch passes its input through.
type Concat struct {
	name     string
	branches []*Sequential
}

// NewConcat creates a branch block.
func NewConcat(name string, branches ...*Sequential) (*Concat, error) {
	if len(branches) == 0 {
		return nil, errors.Errorf("concat %s: no branches", name)
	}
	return &Concat{name: name, branches: branches}, nil
}

// Name implements Node.
func (c *Concat) Name() string { return c.name }

// Children implements Container.
func (c *Concat) Children() []Node {
	out := make([]Node, len(c.branches))
	for i, b := range c.branches {
		out[i] = b
	}
	return out
}

// Forward implements Layer.
func (c *Concat) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	outs := make([]*tensor.Tensor, len(c.branches))
	for i, b := range c.branches {
		y, err := s.Apply(b, x)
		if err != nil {
			return nil, err
		}
		outs[i] = y
	}
	return autodiff.Concat(s.Tape(), outs...)
}
