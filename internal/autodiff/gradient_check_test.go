package autodiff_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

const epsilon = 1e-2

// distinct returns a tensor whose values are pairwise at least 0.1 apart and
// never within 0.05 of zero, so ReLU and max pooling kinks are never crossed
// by a finite difference step.
func distinct(t *testing.T, seed int64, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	n := shape.NumElements()
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	data := make([]float32, n)
	for i, p := range perm {
		data[i] = float32(p-n/2)*0.1 + 0.05
	}
	x, err := tensor.FromSlice(data, shape)
	require.NoError(t, err)
	return x
}

func dot(y *tensor.Tensor, r []float32) float64 {
	var s float64
	for i, v := range y.Data() {
		s += float64(v) * float64(r[i])
	}
	return s
}

// checkGradient compares the taped gradient of L = Σ r·f(x) with central
// finite differences.
func checkGradient(t *testing.T, x *tensor.Tensor, f func(*autodiff.Tape, *tensor.Tensor) (*tensor.Tensor, error)) {
	t.Helper()

	tape := autodiff.NewTape()
	tape.StartRecording()
	y, err := f(tape, x)
	require.NoError(t, err)

	r := make([]float32, y.NumElements())
	for i := range r {
		r[i] = float32(i%5)*0.25 - 0.4
	}
	seed, err := tensor.FromSlice(r, y.Shape())
	require.NoError(t, err)

	grads, err := tape.Backward(y, seed)
	require.NoError(t, err)
	g, ok := grads[x]
	require.True(t, ok, "no gradient reached the input")

	xd := x.Data()
	for i := range xd {
		orig := xd[i]

		xd[i] = orig + epsilon
		yp, err := f(nil, x)
		require.NoError(t, err)
		lp := dot(yp, r)

		xd[i] = orig - epsilon
		ym, err := f(nil, x)
		require.NoError(t, err)
		lm := dot(ym, r)

		xd[i] = orig

		numerical := (lp - lm) / (2 * epsilon)
		tol := 1e-2 * math.Max(1, math.Abs(numerical))
		assert.InDelta(t, numerical, float64(g.Data()[i]), tol, "d/dx[%d]", i)
	}
}

func TestGradient_Conv2D(t *testing.T) {
	kernel := distinct(t, 2, tensor.Shape{3, 3, 2, 3})
	bias := distinct(t, 3, tensor.Shape{3})

	for _, tc := range []struct {
		name   string
		stride int
		pad    autodiff.Padding
	}{
		{"valid_stride1", 1, autodiff.Valid},
		{"same_stride1", 1, autodiff.Same},
		{"same_stride2", 2, autodiff.Same},
		{"valid_stride2", 2, autodiff.Valid},
	} {
		t.Run(tc.name, func(t *testing.T) {
			x := distinct(t, 1, tensor.Shape{1, 5, 6, 2})
			checkGradient(t, x, func(tape *autodiff.Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
				return autodiff.Conv2D(tape, x, kernel, bias, tc.stride, tc.pad)
			})
		})
	}
}

func TestGradient_MaxPool2D(t *testing.T) {
	x := distinct(t, 4, tensor.Shape{2, 4, 5, 3})
	checkGradient(t, x, func(tape *autodiff.Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
		return autodiff.MaxPool2D(tape, x, 2, 2, autodiff.Same)
	})
}

func TestGradient_GlobalAvgPool2D(t *testing.T) {
	x := distinct(t, 5, tensor.Shape{2, 3, 3, 4})
	checkGradient(t, x, func(tape *autodiff.Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
		return autodiff.GlobalAvgPool2D(tape, x)
	})
}

func TestGradient_DenseAfterReLU(t *testing.T) {
	w := distinct(t, 6, tensor.Shape{6, 4})
	b := distinct(t, 7, tensor.Shape{4})
	x := distinct(t, 8, tensor.Shape{2, 6})
	checkGradient(t, x, func(tape *autodiff.Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
		return autodiff.Dense(tape, autodiff.ReLU(tape, x), w, b)
	})
}

func TestGradient_Attention(t *testing.T) {
	// softmax(x xᵀ * s) x, the core of a single attention head.
	x := distinct(t, 9, tensor.Shape{4, 3})
	checkGradient(t, x, func(tape *autodiff.Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
		xt, err := autodiff.Transpose(tape, x)
		if err != nil {
			return nil, err
		}
		scores, err := autodiff.MatMul(tape, x, xt)
		if err != nil {
			return nil, err
		}
		probs, err := autodiff.Softmax(tape, autodiff.Scale(tape, scores, 0.5))
		if err != nil {
			return nil, err
		}
		return autodiff.MatMul(tape, probs, x)
	})
}

func TestGradient_ResidualConcat(t *testing.T) {
	scale := distinct(t, 10, tensor.Shape{2})
	shift := distinct(t, 11, tensor.Shape{2})
	x := distinct(t, 12, tensor.Shape{1, 2, 2, 2})
	checkGradient(t, x, func(tape *autodiff.Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
		bn, err := autodiff.Affine(tape, x, scale, shift)
		if err != nil {
			return nil, err
		}
		sum, err := autodiff.Add(tape, bn, x)
		if err != nil {
			return nil, err
		}
		cat, err := autodiff.Concat(tape, sum, x)
		if err != nil {
			return nil, err
		}
		return autodiff.Reshape(tape, cat, tensor.Shape{1, 16})
	})
}
