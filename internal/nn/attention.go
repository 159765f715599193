package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

// Output names emitted by PatchEncoder.
const (
	LastHiddenState   = "last_hidden_state"
	hiddenStatePrefix = "hidden_state_"
)

// HiddenState returns the output name of the hidden state after block i
// (0 is the patch embedding).
func HiddenState(i int) string {
	return fmt.Sprintf("%s%d", hiddenStatePrefix, i)
}

// PatchEncoderConfig describes a PatchEncoder.
type PatchEncoderConfig struct {
	Patch int // patch edge in pixels, also the embedding stride
	Dim   int // embedding width
	Depth int // number of attention blocks
}

// PatchEncoder is a vision-transformer style backbone.
//
// The image is cut into non-overlapping patches by a strided convolution,
// then Depth single-head self-attention blocks (each followed by a two-layer
// MLP, both with residual connections) mix the patch tokens.
//
// After every block the hidden state is emitted in grid form
// [1, H/patch, W/patch, Dim], so a Grad-CAM target can address it as
// "<name>:hidden_state_<i>" or "<name>:last_hidden_state". The next block
// consumes the emitted grid, so gradients reach it.
//
// Only batches of one image are supported: tokens attend within the batch.
type PatchEncoder struct {
	name     string
	cfg      PatchEncoderConfig
	proj     *tensor.Tensor // [patch, patch, in, dim]
	projBias *tensor.Tensor // [dim]
	blocks   []*attentionBlock
}

type attentionBlock struct {
	query, key, value, out *tensor.Tensor // [dim, dim]
	mlpIn, mlpOut          *tensor.Tensor // [dim, 2*dim], [2*dim, dim]
	mlpInBias, mlpOutBias  *tensor.Tensor
}

// NewPatchEncoder creates a patch encoder over inChannels image channels.
func NewPatchEncoder(name string, inChannels int, cfg PatchEncoderConfig, rng *rand.Rand) (*PatchEncoder, error) {
	if cfg.Patch <= 0 || cfg.Dim <= 0 || cfg.Depth < 0 || inChannels <= 0 {
		return nil, errors.Errorf("patch encoder %s: invalid config %+v (in=%d)", name, cfg, inChannels)
	}
	p, d := cfg.Patch, cfg.Dim
	e := &PatchEncoder{
		name:     name,
		cfg:      cfg,
		proj:     Xavier(rng, p*p*inChannels, d, tensor.Shape{p, p, inChannels, d}),
		projBias: tensor.Zeros(tensor.Shape{d}),
	}
	for i := 0; i < cfg.Depth; i++ {
		e.blocks = append(e.blocks, &attentionBlock{
			query:      Xavier(rng, d, d, tensor.Shape{d, d}),
			key:        Xavier(rng, d, d, tensor.Shape{d, d}),
			value:      Xavier(rng, d, d, tensor.Shape{d, d}),
			out:        Xavier(rng, d, d, tensor.Shape{d, d}),
			mlpIn:      Xavier(rng, d, 2*d, tensor.Shape{d, 2 * d}),
			mlpOut:     Xavier(rng, 2*d, d, tensor.Shape{2 * d, d}),
			mlpInBias:  tensor.Zeros(tensor.Shape{2 * d}),
			mlpOutBias: tensor.Zeros(tensor.Shape{d}),
		})
	}
	return e, nil
}

// Name implements Node.
func (e *PatchEncoder) Name() string { return e.name }

// Config returns the encoder configuration.
func (e *PatchEncoder) Config() PatchEncoderConfig { return e.cfg }

// Outputs implements MultiOutput.
func (e *PatchEncoder) Outputs() []string {
	out := make([]string, 0, e.cfg.Depth+2)
	for i := 0; i <= e.cfg.Depth; i++ {
		out = append(out, HiddenState(i))
	}
	return append(out, LastHiddenState)
}

// Params implements Parameterized.
func (e *PatchEncoder) Params() map[string]*tensor.Tensor {
	p := map[string]*tensor.Tensor{
		"patch_embed/kernel": e.proj,
		"patch_embed/bias":   e.projBias,
	}
	for i, b := range e.blocks {
		prefix := fmt.Sprintf("block_%d/", i)
		p[prefix+"query"] = b.query
		p[prefix+"key"] = b.key
		p[prefix+"value"] = b.value
		p[prefix+"out"] = b.out
		p[prefix+"mlp_in/kernel"] = b.mlpIn
		p[prefix+"mlp_in/bias"] = b.mlpInBias
		p[prefix+"mlp_out/kernel"] = b.mlpOut
		p[prefix+"mlp_out/bias"] = b.mlpOutBias
	}
	return p
}

// Forward implements Layer.
func (e *PatchEncoder) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, _, _, _, err := x.Shape().Spatial()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, errors.Errorf("patch encoder supports a batch of one image, got %d", n)
	}

	grid, err := autodiff.Conv2D(s.Tape(), x, e.proj, e.projBias, e.cfg.Patch, autodiff.Valid)
	if err != nil {
		return nil, errors.Wrap(err, "patch embedding")
	}
	s.Emit(HiddenState(0), grid)

	gs := grid.Shape()
	tokens := tensor.Shape{gs[1] * gs[2], gs[3]}
	for i, b := range e.blocks {
		h, err := autodiff.Reshape(s.Tape(), grid, tokens)
		if err != nil {
			return nil, err
		}
		if h, err = b.forward(s.Tape(), h); err != nil {
			return nil, errors.Wrapf(err, "block %d", i)
		}
		if grid, err = autodiff.Reshape(s.Tape(), h, gs); err != nil {
			return nil, err
		}
		s.Emit(HiddenState(i+1), grid)
	}
	s.Emit(LastHiddenState, grid)
	return grid, nil
}

func (b *attentionBlock) forward(t *autodiff.Tape, h *tensor.Tensor) (*tensor.Tensor, error) {
	q, err := autodiff.Dense(t, h, b.query, nil)
	if err != nil {
		return nil, err
	}
	k, err := autodiff.Dense(t, h, b.key, nil)
	if err != nil {
		return nil, err
	}
	v, err := autodiff.Dense(t, h, b.value, nil)
	if err != nil {
		return nil, err
	}
	kt, err := autodiff.Transpose(t, k)
	if err != nil {
		return nil, err
	}
	scores, err := autodiff.MatMul(t, q, kt)
	if err != nil {
		return nil, err
	}
	dim := float32(b.query.Shape()[0])
	probs, err := autodiff.Softmax(t, autodiff.Scale(t, scores, 1/float32(math.Sqrt(float64(dim)))))
	if err != nil {
		return nil, err
	}
	mixed, err := autodiff.MatMul(t, probs, v)
	if err != nil {
		return nil, err
	}
	attn, err := autodiff.Dense(t, mixed, b.out, nil)
	if err != nil {
		return nil, err
	}
	if h, err = autodiff.Add(t, h, attn); err != nil {
		return nil, err
	}

	m, err := autodiff.Dense(t, h, b.mlpIn, b.mlpInBias)
	if err != nil {
		return nil, err
	}
	m, err = autodiff.Dense(t, autodiff.ReLU(t, m), b.mlpOut, b.mlpOutBias)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(t, h, m)
}
