package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

// Activation names a fused layer activation.
type Activation string

// Fused activations.
const (
	Linear  Activation = ""
	ReLUAct Activation = "relu"
	Softmax Activation = "softmax"
)

// ParseActivation converts a manifest value to an Activation.
func ParseActivation(s string) (Activation, error) {
	switch a := Activation(s); a {
	case Linear, ReLUAct, Softmax:
		return a, nil
	case "linear":
		return Linear, nil
	default:
		return Linear, errors.Errorf("unknown activation %q", s)
	}
}

// Conv2DConfig describes a convolution layer.
type Conv2DConfig struct {
	Filters    int
	Kernel     int
	Stride     int
	Padding    autodiff.Padding
	Activation Activation
	NoBias     bool
}

// Conv2D is a 2D convolutional layer with an optional fused activation.
//
// Input shape:  [batch, height, width, in_channels]
// Kernel shape: [kernel_h, kernel_w, in_channels, filters]
// Bias shape:   [filters]
// Output shape: [batch, out_h, out_w, filters]
//
// The output of the layer is taken after the activation, matching how
// Keras-style models name their convolution outputs.
//
// Example:
//
//	conv := nn.NewConv2D("block1_conv1", 3, nn.Conv2DConfig{
//	    Filters: 64, Kernel: 3, Stride: 1, Padding: autodiff.Same, Activation: nn.ReLUAct,
//	}, rng)
type Conv2D struct {
	name   string
	cfg    Conv2DConfig
	kernel *tensor.Tensor
	bias   *tensor.Tensor // nil when cfg.NoBias
}

// NewConv2D creates a convolution over inChannels inputs with Xavier
// initialized kernels and zero biases.
func NewConv2D(name string, inChannels int, cfg Conv2DConfig, rng *rand.Rand) (*Conv2D, error) {
	if inChannels <= 0 || cfg.Filters <= 0 {
		return nil, errors.Errorf("conv2d %s: invalid channels in=%d, out=%d", name, inChannels, cfg.Filters)
	}
	if cfg.Kernel <= 0 {
		return nil, errors.Errorf("conv2d %s: invalid kernel size %d", name, cfg.Kernel)
	}
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Stride < 0 {
		return nil, errors.Errorf("conv2d %s: invalid stride %d", name, cfg.Stride)
	}
	if cfg.Activation == Softmax {
		return nil, errors.Errorf("conv2d %s: softmax is not a convolution activation", name)
	}

	k := cfg.Kernel
	c := &Conv2D{
		name:   name,
		cfg:    cfg,
		kernel: Xavier(rng, k*k*inChannels, k*k*cfg.Filters, tensor.Shape{k, k, inChannels, cfg.Filters}),
	}
	if !cfg.NoBias {
		c.bias = tensor.Zeros(tensor.Shape{cfg.Filters})
	}
	return c, nil
}

// Name implements Node.
func (c *Conv2D) Name() string { return c.name }

// Config returns the layer configuration.
func (c *Conv2D) Config() Conv2DConfig { return c.cfg }

// Params implements Parameterized.
func (c *Conv2D) Params() map[string]*tensor.Tensor {
	p := map[string]*tensor.Tensor{"kernel": c.kernel}
	if c.bias != nil {
		p["bias"] = c.bias
	}
	return p
}

// Forward implements Layer.
func (c *Conv2D) Forward(s *Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := autodiff.Conv2D(s.Tape(), x, c.kernel, c.bias, c.cfg.Stride, c.cfg.Padding)
	if err != nil {
		return nil, err
	}
	if c.cfg.Activation == ReLUAct {
		y = autodiff.ReLU(s.Tape(), y)
	}
	return y, nil
}
