// Package nn implements the frozen layer tree of the reference classifier
// backend.
//
// A model is a tree of named nodes:
//   - Node: anything with a name
//   - Container: a node with children (nested models, residual and branch blocks)
//   - MultiOutput: a node exposing several named tensors (attention encoders)
//   - Layer: a node that computes its output inside a Session
//
// Every forward pass runs inside a Session, the per-explanation inference
// context. A Session knows which tensor to tap and starts its own gradient
// tape at that point, so a Pass can differentiate any class score with
// respect to the tapped tensor.
//
// Tensors are NHWC float32. Layers are frozen: parameters are initialized
// deterministically or loaded, never trained.
package nn

import (
	"github.com/born-ml/saliency/internal/tensor"
)

// Node is an element of a model's layer tree.
type Node interface {
	// Name identifies the node among its siblings.
	Name() string
}

// Container is a node with child nodes.
type Container interface {
	Node

	// Children returns the child nodes in forward order.
	Children() []Node
}

// MultiOutput is a node that exposes named intermediate tensors in addition
// to its main output.
//
// A node named "vit" exposing "last_hidden_state" is addressed as
// "vit:last_hidden_state".
type MultiOutput interface {
	Node

	// Outputs returns the names the node emits during Forward.
	Outputs() []string
}

// Layer is a node that computes.
//
// Forward must run sub-layers through s.Apply and take its tape from
// s.Tape() at the time each operation is issued.
type Layer interface {
	Node
	Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error)
}

// Parameterized is a layer with frozen parameter tensors.
type Parameterized interface {
	Node

	// Params returns the parameter tensors keyed by parameter name
	// (e.g. "kernel", "bias").
	Params() map[string]*tensor.Tensor
}

// Pass is the result of a traced forward pass.
type Pass interface {
	// Activation returns the tapped tensor.
	Activation() *tensor.Tensor

	// Scores returns the final class scores, shape [N, K].
	Scores() *tensor.Tensor

	// Gradient returns ∂scores[:, class] / ∂activation.
	// It may be called several times with different classes.
	Gradient(class int) (*tensor.Tensor, error)
}

// Differentiable is a model that can be explained: a layer tree that
// declares its own preprocessing and can trace a forward pass tapping any
// node path.
type Differentiable interface {
	Container

	// Preprocess applies the model's own declared pixel preprocessing.
	Preprocess(x *tensor.Tensor) (*tensor.Tensor, error)

	// Trace runs a forward pass over the already preprocessed batch x,
	// tapping the tensor emitted at target.
	Trace(x *tensor.Tensor, target string) (Pass, error)
}
