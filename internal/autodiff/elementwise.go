package autodiff

import (
	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/tensor"
)

// ReLUOp represents a ReLU (Rectified Linear Unit) activation: output = max(0, x).
//
// Backward pass:
//   - d(ReLU(x))/dx = 1 if x > 0, else 0
type ReLUOp struct {
	unary
}

// Name implements Operation.
func (op *ReLUOp) Name() string { return "relu" }

// ReLU applies max(0, x) element-wise.
func ReLU(tape *Tape, x *tensor.Tensor) *tensor.Tensor {
	out := tensor.ZerosLike(x)
	od := out.Data()
	for i, v := range x.Data() {
		if v > 0 {
			od[i] = v
		}
	}
	tape.Record(&ReLUOp{unary{input: x, output: out}})
	return out
}

// Backward implements Operation.
func (op *ReLUOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	dx := tensor.ZerosLike(op.input)
	dd, gd := dx.Data(), outputGrad.Data()
	for i, v := range op.input.Data() {
		if v > 0 {
			dd[i] = gd[i]
		}
	}
	return []*tensor.Tensor{dx}
}

// ScaleOp records multiplication by a constant.
type ScaleOp struct {
	unary
	factor float32
}

// Name implements Operation.
func (op *ScaleOp) Name() string { return "scale" }

// Scale multiplies every element of x by factor.
func Scale(tape *Tape, x *tensor.Tensor, factor float32) *tensor.Tensor {
	out := tensor.ZerosLike(x)
	od := out.Data()
	for i, v := range x.Data() {
		od[i] = v * factor
	}
	tape.Record(&ScaleOp{unary: unary{input: x, output: out}, factor: factor})
	return out
}

// Backward implements Operation.
func (op *ScaleOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	dx := tensor.ZerosLike(op.input)
	dd := dx.Data()
	for i, g := range outputGrad.Data() {
		dd[i] = g * op.factor
	}
	return []*tensor.Tensor{dx}
}

// AffineOp records a per-channel scale and shift over the last axis,
// which is how an inference-mode batch normalization is evaluated.
type AffineOp struct {
	unary
	scale []float32
}

// Name implements Operation.
func (op *AffineOp) Name() string { return "affine" }

// Affine computes x[..., c]*scale[c] + shift[c].
func Affine(tape *Tape, x, scale, shift *tensor.Tensor) (*tensor.Tensor, error) {
	s := x.Shape()
	if len(s) == 0 {
		return nil, errors.New("affine: scalar input")
	}
	c := s[len(s)-1]
	if scale.NumElements() != c || shift.NumElements() != c {
		return nil, errors.Errorf("affine: expected %d channels, got scale %v shift %v", c, scale.Shape(), shift.Shape())
	}
	out := tensor.ZerosLike(x)
	xd, od, sd, bd := x.Data(), out.Data(), scale.Data(), shift.Data()
	for i, v := range xd {
		ch := i % c
		od[i] = v*sd[ch] + bd[ch]
	}
	tape.Record(&AffineOp{unary: unary{input: x, output: out}, scale: sd})
	return out, nil
}

// Backward implements Operation.
func (op *AffineOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	c := len(op.scale)
	dx := tensor.ZerosLike(op.input)
	dd := dx.Data()
	for i, g := range outputGrad.Data() {
		dd[i] = g * op.scale[i%c]
	}
	return []*tensor.Tensor{dx}
}

// AddOp represents element-wise addition of two equally shaped tensors.
// The gradient flows unchanged to both inputs.
type AddOp struct {
	inputs []*tensor.Tensor
	output *tensor.Tensor
}

// Name implements Operation.
func (op *AddOp) Name() string { return "add" }

// Add returns a + b.
func Add(tape *Tape, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, errors.Errorf("add: shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	out := tensor.ZerosLike(a)
	od, bd := out.Data(), b.Data()
	for i, v := range a.Data() {
		od[i] = v + bd[i]
	}
	tape.Record(&AddOp{inputs: []*tensor.Tensor{a, b}, output: out})
	return out, nil
}

// Backward implements Operation.
func (op *AddOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{outputGrad, outputGrad}
}

// Inputs implements Operation.
func (op *AddOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output implements Operation.
func (op *AddOp) Output() *tensor.Tensor { return op.output }

// ConcatOp records a concatenation along the last axis.
type ConcatOp struct {
	inputs []*tensor.Tensor
	output *tensor.Tensor
}

// Name implements Operation.
func (op *ConcatOp) Name() string { return "concat" }

// Concat joins tensors along their last axis; all other axes must agree.
func Concat(tape *Tape, xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(xs) == 0 {
		return nil, errors.New("concat: no inputs")
	}
	lead := xs[0].Shape()
	rank := len(lead)
	if rank == 0 {
		return nil, errors.New("concat: scalar input")
	}
	total := 0
	for _, x := range xs {
		s := x.Shape()
		if len(s) != rank || !s[:rank-1].Equal(lead[:rank-1]) {
			return nil, errors.Errorf("concat: shape %v incompatible with %v", s, lead)
		}
		total += s[rank-1]
	}

	shape := lead.Clone()
	shape[rank-1] = total
	out := tensor.Zeros(shape)
	od := out.Data()
	rows := out.NumElements() / total
	offset := 0
	for _, x := range xs {
		c := x.Shape()[rank-1]
		xd := x.Data()
		for r := 0; r < rows; r++ {
			copy(od[r*total+offset:r*total+offset+c], xd[r*c:(r+1)*c])
		}
		offset += c
	}

	tape.Record(&ConcatOp{inputs: xs, output: out})
	return out, nil
}

// Backward splits the output gradient back into per-input slices.
func (op *ConcatOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	s := op.output.Shape()
	total := s[len(s)-1]
	rows := op.output.NumElements() / total
	gd := outputGrad.Data()

	grads := make([]*tensor.Tensor, len(op.inputs))
	offset := 0
	for i, x := range op.inputs {
		c := x.Shape()[len(s)-1]
		g := tensor.ZerosLike(x)
		dd := g.Data()
		for r := 0; r < rows; r++ {
			copy(dd[r*c:(r+1)*c], gd[r*total+offset:r*total+offset+c])
		}
		grads[i] = g
		offset += c
	}
	return grads
}

// Inputs implements Operation.
func (op *ConcatOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output implements Operation.
func (op *ConcatOp) Output() *tensor.Tensor { return op.output }

// ReshapeOp records a reshape.
//
// The result shares storage with its input but is a distinct tensor, so the
// operation must be taped for gradients to reach the original.
type ReshapeOp struct {
	unary
}

// Name implements Operation.
func (op *ReshapeOp) Name() string { return "reshape" }

// Reshape returns x viewed with a new shape.
func Reshape(tape *Tape, x *tensor.Tensor, shape tensor.Shape) (*tensor.Tensor, error) {
	out, err := x.Reshape(shape)
	if err != nil {
		return nil, err
	}
	tape.Record(&ReshapeOp{unary{input: x, output: out}})
	return out, nil
}

// Backward implements Operation.
func (op *ReshapeOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	g, err := outputGrad.Reshape(op.input.Shape())
	if err != nil {
		return nil
	}
	return []*tensor.Tensor{g}
}
