// Package autodiff implements tape-based reverse-mode differentiation over
// NHWC float32 tensors.
//
// Each op function computes its forward result eagerly and, when the tape is
// recording, appends an Operation that knows how to map the output gradient
// back to its data inputs. Layer weights are attributes of the operation, not
// inputs: the engine explains frozen models, so gradients only ever flow
// towards activations.
//
// Supported operations:
//   - Conv2D: NHWC convolution with HWIO kernels, valid/same padding
//   - Dense: x @ W + b with frozen W
//   - MatMul, Transpose, Softmax: attention building blocks
//   - ReLU, Affine, Scale, Add, Concat, Reshape
//   - MaxPool2D, GlobalAvgPool2D
package autodiff

import "github.com/born-ml/saliency/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
// Each operation records its inputs and output during the forward pass,
// and computes input gradients during the backward pass.
type Operation interface {
	// Name identifies the operation kind in error messages.
	Name() string

	// Backward computes gradients for inputs given the output gradient.
	// Returns a slice of gradients corresponding to each input tensor.
	Backward(outputGrad *tensor.Tensor) []*tensor.Tensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.Tensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.Tensor
}

// unary is the shared bookkeeping of single-input operations.
type unary struct {
	input  *tensor.Tensor
	output *tensor.Tensor
}

func (u unary) Inputs() []*tensor.Tensor { return []*tensor.Tensor{u.input} }

func (u unary) Output() *tensor.Tensor { return u.output }
