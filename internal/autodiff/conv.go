package autodiff

import (
	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/parallel"
	"github.com/born-ml/saliency/internal/tensor"
)

// Padding selects how spatial borders are handled by Conv2D and MaxPool2D.
type Padding int

// Padding modes, with Keras semantics.
const (
	Valid Padding = iota // no padding, windows stay inside the input
	Same                 // out = ceil(in / stride), zero padding split evenly (extra at the end)
)

// ParsePadding converts "valid" / "same" to a Padding.
func ParsePadding(s string) (Padding, error) {
	switch s {
	case "", "valid":
		return Valid, nil
	case "same":
		return Same, nil
	default:
		return Valid, errors.Errorf("unknown padding %q", s)
	}
}

// String implements fmt.Stringer.
func (p Padding) String() string {
	if p == Same {
		return "same"
	}
	return "valid"
}

// Window returns the output size and leading padding of a sliding window
// of size k over in positions.
func (p Padding) Window(in, k, stride int) (out, before int, err error) {
	if k <= 0 || stride <= 0 {
		return 0, 0, errors.Errorf("invalid window k=%d stride=%d", k, stride)
	}
	if p == Same {
		out = (in + stride - 1) / stride
		total := max((out-1)*stride+k-in, 0)
		return out, total / 2, nil
	}
	if in < k {
		return 0, 0, errors.Errorf("window %d larger than input %d with valid padding", k, in)
	}
	return (in-k)/stride + 1, 0, nil
}

// conv2dGeom captures the geometry of one convolution call.
type conv2dGeom struct {
	n, h, w, cin    int
	kh, kw, cout    int
	oh, ow          int
	padTop, padLeft int
	stride          int
}

// Conv2DOp records a 2D convolution for autodiff.
//
// Forward:  out[n,oy,ox,co] = b[co] + Σ x[n,iy,ix,ci] * k[ky,kx,ci,co]
// Backward: ∂L/∂x is the transposed convolution of ∂L/∂out with the kernel.
type Conv2DOp struct {
	unary
	kernel *tensor.Tensor
	geom   conv2dGeom
	cfg    parallel.Config
}

// Name implements Operation.
func (op *Conv2DOp) Name() string { return "conv2d" }

// Conv2D convolves x [N,H,W,Cin] with kernel [KH,KW,Cin,Cout] and adds the
// optional bias [Cout].
func Conv2D(tape *Tape, x, kernel, bias *tensor.Tensor, stride int, pad Padding) (*tensor.Tensor, error) {
	n, h, w, cin, err := x.Shape().Spatial()
	if err != nil {
		return nil, errors.Wrap(err, "conv2d input")
	}
	ks := kernel.Shape()
	if len(ks) != 4 || ks[2] != cin {
		return nil, errors.Errorf("conv2d: kernel %v incompatible with input %v", ks, x.Shape())
	}
	if bias != nil && !bias.Shape().Equal(tensor.Shape{ks[3]}) {
		return nil, errors.Errorf("conv2d: bias %v does not match %d filters", bias.Shape(), ks[3])
	}
	oh, padTop, err := pad.Window(h, ks[0], stride)
	if err != nil {
		return nil, errors.Wrap(err, "conv2d height")
	}
	ow, padLeft, err := pad.Window(w, ks[1], stride)
	if err != nil {
		return nil, errors.Wrap(err, "conv2d width")
	}

	g := conv2dGeom{
		n: n, h: h, w: w, cin: cin,
		kh: ks[0], kw: ks[1], cout: ks[3],
		oh: oh, ow: ow,
		padTop: padTop, padLeft: padLeft,
		stride: stride,
	}
	out := tensor.Zeros(tensor.Shape{n, oh, ow, g.cout})
	cfg := parallel.DefaultConfig()

	xd, kd, od := x.Data(), kernel.Data(), out.Data()
	var bd []float32
	if bias != nil {
		bd = bias.Data()
	}

	parallel.ForGrid(n, oh, ow*g.kh*g.kw*cin*g.cout, func(b, oy int) {
		for ox := 0; ox < ow; ox++ {
			o := ((b*oh+oy)*ow + ox) * g.cout
			if bd != nil {
				copy(od[o:o+g.cout], bd)
			}
			for ky := 0; ky < g.kh; ky++ {
				iy := oy*stride + ky - padTop
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < g.kw; kx++ {
					ix := ox*stride + kx - padLeft
					if ix < 0 || ix >= w {
						continue
					}
					in := ((b*h+iy)*w + ix) * cin
					kb := (ky*g.kw + kx) * cin * g.cout
					for ci := 0; ci < cin; ci++ {
						v := xd[in+ci]
						if v == 0 {
							continue
						}
						kr := kd[kb+ci*g.cout : kb+(ci+1)*g.cout]
						for co, kv := range kr {
							od[o+co] += v * kv
						}
					}
				}
			}
		}
	}, cfg)

	tape.Record(&Conv2DOp{
		unary:  unary{input: x, output: out},
		kernel: kernel,
		geom:   g,
		cfg:    cfg,
	})
	return out, nil
}

// Backward gathers, for every input position, the output positions whose
// window covered it. Gathering instead of scattering keeps writes disjoint so
// rows can be processed in parallel.
func (op *Conv2DOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	g := op.geom
	dx := tensor.Zeros(op.input.Shape())
	dd, gd, kd := dx.Data(), outputGrad.Data(), op.kernel.Data()

	parallel.ForGrid(g.n, g.h, g.w*g.kh*g.kw*g.cin*g.cout, func(b, iy int) {
		for ky := 0; ky < g.kh; ky++ {
			ty := iy + g.padTop - ky
			if ty < 0 || ty%g.stride != 0 {
				continue
			}
			oy := ty / g.stride
			if oy >= g.oh {
				continue
			}
			for ix := 0; ix < g.w; ix++ {
				in := ((b*g.h+iy)*g.w + ix) * g.cin
				for kx := 0; kx < g.kw; kx++ {
					tx := ix + g.padLeft - kx
					if tx < 0 || tx%g.stride != 0 {
						continue
					}
					ox := tx / g.stride
					if ox >= g.ow {
						continue
					}
					o := ((b*g.oh+oy)*g.ow + ox) * g.cout
					dy := gd[o : o+g.cout]
					kb := (ky*g.kw + kx) * g.cin * g.cout
					for ci := 0; ci < g.cin; ci++ {
						kr := kd[kb+ci*g.cout : kb+(ci+1)*g.cout]
						var s float32
						for co, kv := range kr {
							s += dy[co] * kv
						}
						dd[in+ci] += s
					}
				}
			}
		}
	}, op.cfg)

	return []*tensor.Tensor{dx}
}
