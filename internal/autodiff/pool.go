package autodiff

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/parallel"
	"github.com/born-ml/saliency/internal/tensor"
)

// MaxPool2DOp records a max pooling operation.
//
// Backward routes each output gradient to the input element that won the
// window (first maximum in scan order).
type MaxPool2DOp struct {
	unary
	argmax []int // flat input index per output element
}

// Name implements Operation.
func (op *MaxPool2DOp) Name() string { return "maxpool2d" }

// MaxPool2D applies k×k max pooling to x [N,H,W,C].
// Padded positions never win a window.
func MaxPool2D(tape *Tape, x *tensor.Tensor, k, stride int, pad Padding) (*tensor.Tensor, error) {
	n, h, w, c, err := x.Shape().Spatial()
	if err != nil {
		return nil, errors.Wrap(err, "maxpool2d input")
	}
	oh, top, err := pad.Window(h, k, stride)
	if err != nil {
		return nil, errors.Wrap(err, "maxpool2d height")
	}
	ow, left, err := pad.Window(w, k, stride)
	if err != nil {
		return nil, errors.Wrap(err, "maxpool2d width")
	}

	out := tensor.Zeros(tensor.Shape{n, oh, ow, c})
	argmax := make([]int, out.NumElements())
	xd, od := x.Data(), out.Data()

	parallel.ForGrid(n, oh, ow*k*k*c, func(b, oy int) {
		for ox := 0; ox < ow; ox++ {
			for ch := 0; ch < c; ch++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for ky := 0; ky < k; ky++ {
					iy := oy*stride + ky - top
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*stride + kx - left
						if ix < 0 || ix >= w {
							continue
						}
						idx := ((b*h+iy)*w+ix)*c + ch
						if bestIdx < 0 || xd[idx] > best {
							best, bestIdx = xd[idx], idx
						}
					}
				}
				o := ((b*oh+oy)*ow+ox)*c + ch
				od[o] = best
				argmax[o] = bestIdx
			}
		}
	}, parallel.DefaultConfig())

	tape.Record(&MaxPool2DOp{unary: unary{input: x, output: out}, argmax: argmax})
	return out, nil
}

// Backward implements Operation.
func (op *MaxPool2DOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	dx := tensor.Zeros(op.input.Shape())
	dd, gd := dx.Data(), outputGrad.Data()
	for o, idx := range op.argmax {
		if idx >= 0 {
			dd[idx] += gd[o]
		}
	}
	return []*tensor.Tensor{dx}
}

// GlobalAvgPool2DOp records a global average pooling over the spatial axes.
type GlobalAvgPool2DOp struct {
	unary
}

// Name implements Operation.
func (op *GlobalAvgPool2DOp) Name() string { return "global_avg_pool2d" }

// GlobalAvgPool2D averages x [N,H,W,C] over H and W, giving [N,C].
func GlobalAvgPool2D(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, h, w, c, err := x.Shape().Spatial()
	if err != nil {
		return nil, errors.Wrap(err, "global_avg_pool2d input")
	}
	out := tensor.Zeros(tensor.Shape{n, c})
	xd, od := x.Data(), out.Data()
	inv := 1 / float32(h*w)
	for b := 0; b < n; b++ {
		for p := 0; p < h*w; p++ {
			base := (b*h*w + p) * c
			for ch := 0; ch < c; ch++ {
				od[b*c+ch] += xd[base+ch]
			}
		}
		for ch := 0; ch < c; ch++ {
			od[b*c+ch] *= inv
		}
	}
	tape.Record(&GlobalAvgPool2DOp{unary{input: x, output: out}})
	return out, nil
}

// Backward spreads each channel gradient evenly over the spatial positions.
func (op *GlobalAvgPool2DOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	s := op.input.Shape()
	n, hw, c := s[0], s[1]*s[2], s[3]
	dx := tensor.Zeros(s)
	dd, gd := dx.Data(), outputGrad.Data()
	inv := 1 / float32(hw)
	for b := 0; b < n; b++ {
		for p := 0; p < hw; p++ {
			base := (b*hw + p) * c
			for ch := 0; ch < c; ch++ {
				dd[base+ch] = gd[b*c+ch] * inv
			}
		}
	}
	return []*tensor.Tensor{dx}
}
