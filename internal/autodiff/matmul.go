package autodiff

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/tensor"
)

// matmul computes a [m,k] @ b [k,n] into a new [m,n] tensor.
func matmul(a, b []float32, m, k, n int) *tensor.Tensor {
	out := tensor.Zeros(tensor.Shape{m, n})
	od := out.Data()
	for i := 0; i < m; i++ {
		row := od[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			br := b[p*n : (p+1)*n]
			for j, bv := range br {
				row[j] += av * bv
			}
		}
	}
	return out
}

// transpose returns the [n,m] transpose of a row-major [m,n] slice.
func transpose(a []float32, m, n int) []float32 {
	t := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			t[j*m+i] = a[i*n+j]
		}
	}
	return t
}

func matrixDims(t *tensor.Tensor, what string) (int, int, error) {
	s := t.Shape()
	if len(s) != 2 {
		return 0, 0, errors.Errorf("%s: expected 2D tensor, got %v", what, s)
	}
	return s[0], s[1], nil
}

// DenseOp records x @ W + b with a frozen weight matrix.
//
// Backward: ∂L/∂x = ∂L/∂out @ Wᵀ.
type DenseOp struct {
	unary
	weight *tensor.Tensor
}

// Name implements Operation.
func (op *DenseOp) Name() string { return "dense" }

// Dense computes x [N,In] @ weight [In,Out] + bias [Out].
func Dense(tape *Tape, x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	n, in, err := matrixDims(x, "dense input")
	if err != nil {
		return nil, err
	}
	win, out, err := matrixDims(weight, "dense weight")
	if err != nil {
		return nil, err
	}
	if win != in {
		return nil, errors.Errorf("dense: weight %v incompatible with input %v", weight.Shape(), x.Shape())
	}
	if bias != nil && !bias.Shape().Equal(tensor.Shape{out}) {
		return nil, errors.Errorf("dense: bias %v does not match %d units", bias.Shape(), out)
	}

	y := matmul(x.Data(), weight.Data(), n, in, out)
	if bias != nil {
		yd, bd := y.Data(), bias.Data()
		for i := 0; i < n; i++ {
			for j := 0; j < out; j++ {
				yd[i*out+j] += bd[j]
			}
		}
	}

	tape.Record(&DenseOp{unary: unary{input: x, output: y}, weight: weight})
	return y, nil
}

// Backward implements Operation.
func (op *DenseOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	ws := op.weight.Shape()
	n := op.input.Shape()[0]
	wT := transpose(op.weight.Data(), ws[0], ws[1])
	return []*tensor.Tensor{matmul(outputGrad.Data(), wT, n, ws[1], ws[0])}
}

// MatMulOp represents a matrix multiplication operation: output = a @ b.
//
// Backward pass:
//   - d(A@B)/dA = outputGrad @ B^T
//   - d(A@B)/dB = A^T @ outputGrad
type MatMulOp struct {
	inputs []*tensor.Tensor // [a, b]
	output *tensor.Tensor   // a @ b
}

// Name implements Operation.
func (op *MatMulOp) Name() string { return "matmul" }

// MatMul multiplies two activation matrices a [M,K] and b [K,N].
func MatMul(tape *Tape, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	m, k, err := matrixDims(a, "matmul lhs")
	if err != nil {
		return nil, err
	}
	k2, n, err := matrixDims(b, "matmul rhs")
	if err != nil {
		return nil, err
	}
	if k != k2 {
		return nil, errors.Errorf("matmul: inner dimensions differ: %v @ %v", a.Shape(), b.Shape())
	}
	out := matmul(a.Data(), b.Data(), m, k, n)
	tape.Record(&MatMulOp{inputs: []*tensor.Tensor{a, b}, output: out})
	return out, nil
}

// Backward implements Operation.
func (op *MatMulOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	a, b := op.inputs[0], op.inputs[1]
	m, k := a.Shape()[0], a.Shape()[1]
	n := b.Shape()[1]

	// grad_a = outputGrad @ b^T
	gradA := matmul(outputGrad.Data(), transpose(b.Data(), k, n), m, n, k)
	// grad_b = a^T @ outputGrad
	gradB := matmul(transpose(a.Data(), m, k), outputGrad.Data(), k, m, n)

	return []*tensor.Tensor{gradA, gradB}
}

// Inputs returns the input tensors [a, b].
func (op *MatMulOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns the output tensor a @ b.
func (op *MatMulOp) Output() *tensor.Tensor { return op.output }

// TransposeOp records a 2D transpose.
type TransposeOp struct {
	unary
}

// Name implements Operation.
func (op *TransposeOp) Name() string { return "transpose" }

// Transpose swaps the axes of a [M,N] tensor.
func Transpose(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	m, n, err := matrixDims(x, "transpose")
	if err != nil {
		return nil, err
	}
	out, err := tensor.FromSlice(transpose(x.Data(), m, n), tensor.Shape{n, m})
	if err != nil {
		return nil, err
	}
	tape.Record(&TransposeOp{unary{input: x, output: out}})
	return out, nil
}

// Backward implements Operation.
func (op *TransposeOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	s := outputGrad.Shape()
	g, _ := tensor.FromSlice(transpose(outputGrad.Data(), s[0], s[1]), tensor.Shape{s[1], s[0]})
	return []*tensor.Tensor{g}
}

// SoftmaxOp represents the softmax operation along the last dimension.
//
// Forward (for each row):
//
//	softmax(x)_i = exp(x_i - max(x)) / Σ_j exp(x_j - max(x))
//
// Backward:
//
//	∂L/∂x_j = softmax_j * (∂L/∂softmax_j - Σ_i (∂L/∂softmax_i * softmax_i))
type SoftmaxOp struct {
	unary
}

// Name implements Operation.
func (op *SoftmaxOp) Name() string { return "softmax" }

// Softmax normalizes each row of a [M,N] tensor.
func Softmax(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	m, n, err := matrixDims(x, "softmax")
	if err != nil {
		return nil, err
	}
	out := tensor.Zeros(x.Shape())
	xd, od := x.Data(), out.Data()
	for i := 0; i < m; i++ {
		row := xd[i*n : (i+1)*n]
		mx := row[0]
		for _, v := range row[1:] {
			if v > mx {
				mx = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - mx))
			od[i*n+j] = float32(e)
			sum += e
		}
		for j := range row {
			od[i*n+j] = float32(float64(od[i*n+j]) / sum)
		}
	}
	tape.Record(&SoftmaxOp{unary{input: x, output: out}})
	return out, nil
}

// Backward implements Operation.
func (op *SoftmaxOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	s := op.output.Shape()
	m, n := s[0], s[1]
	dx := tensor.Zeros(s)
	yd, gd, dd := op.output.Data(), outputGrad.Data(), dx.Data()
	for i := 0; i < m; i++ {
		var dot float32
		for j := 0; j < n; j++ {
			dot += gd[i*n+j] * yd[i*n+j]
		}
		for j := 0; j < n; j++ {
			dd[i*n+j] = yd[i*n+j] * (gd[i*n+j] - dot)
		}
	}
	return []*tensor.Tensor{dx}
}
