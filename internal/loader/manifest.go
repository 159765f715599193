// Package loader builds reference classifiers from a YAML manifest and
// loads their frozen weights from SafeTensors files.
//
// A manifest describes the layer tree:
//
//	name: transfer_vgg16
//	architecture: VGG16
//	input: [32, 32, 3]
//	seed: 1
//	weights: vgg16.safetensors
//	weights_sha256: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
//	layers:
//	  - type: model
//	    name: vgg16
//	    preprocessing: caffe
//	    layers:
//	      - {type: conv2d, name: block1_conv1, filters: 8, kernel: 3, padding: same, activation: relu}
//	      - {type: maxpool2d, name: block1_pool, size: 2}
//	  - {type: gap, name: avg_pool}
//	  - {type: dense, name: predictions, units: 10, activation: softmax}
//
// Parameters are initialized deterministically from the seed; a weights
// file, when given, must cover every parameter.
package loader

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/preprocess"
)

// Layer types accepted in a manifest.
const (
	TypeConv2D       = "conv2d"
	TypeDense        = "dense"
	TypeBatchNorm    = "batchnorm"
	TypeReLU         = "relu"
	TypeMaxPool2D    = "maxpool2d"
	TypeGAP          = "gap"
	TypeFlatten      = "flatten"
	TypeDropout      = "dropout"
	TypeSequential   = "sequential"
	TypeModel        = "model"
	TypeResidual     = "residual"
	TypeConcat       = "concat"
	TypePatchEncoder = "patch_encoder"
)

// Manifest describes a classifier.
type Manifest struct {
	Name          string           `yaml:"name"`
	Architecture  string           `yaml:"architecture"`
	Input         []int            `yaml:"input"`
	Preprocessing string           `yaml:"preprocessing"`
	Stats         preprocess.Stats `yaml:"stats"`
	Seed          int64            `yaml:"seed"`
	Weights       string           `yaml:"weights"`
	WeightsSHA256 string           `yaml:"weights_sha256"`
	WeightsPrefix string           `yaml:"weights_prefix"`
	Labels        []string         `yaml:"labels"`
	Layers        []LayerSpec      `yaml:"layers"`

	dir string
}

// LayerSpec describes one node of the layer tree. Which fields apply
// depends on Type.
type LayerSpec struct {
	Type string `yaml:"type"`
	Name string `yaml:"name"`

	// conv2d, dense, maxpool2d
	Filters    int     `yaml:"filters"`
	Kernel     int     `yaml:"kernel"`
	Stride     int     `yaml:"stride"`
	Padding    string  `yaml:"padding"`
	Activation string  `yaml:"activation"`
	NoBias     bool    `yaml:"no_bias"`
	Units      int     `yaml:"units"`
	Size       int     `yaml:"size"`
	Epsilon    float32 `yaml:"epsilon"`

	// patch_encoder
	Patch int `yaml:"patch"`
	Dim   int `yaml:"dim"`
	Depth int `yaml:"depth"`

	// model
	Preprocessing string            `yaml:"preprocessing"`
	Stats         *preprocess.Stats `yaml:"stats"`

	// model, sequential
	Layers []LayerSpec `yaml:"layers"`

	// residual
	Body     []LayerSpec `yaml:"body"`
	Shortcut []LayerSpec `yaml:"shortcut"`
	Post     string      `yaml:"post"`

	// concat
	Branches [][]LayerSpec `yaml:"branches"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest")
	}
	if m.Name == "" {
		return nil, errors.New("manifest: missing name")
	}
	if len(m.Input) != 3 {
		return nil, errors.Errorf("manifest %s: input must be [height, width, channels], got %v", m.Name, m.Input)
	}
	if len(m.Layers) == 0 {
		return nil, errors.Errorf("manifest %s: no layers", m.Name)
	}
	return &m, nil
}

// ReadManifest reads and decodes a manifest file. A relative weights path is
// resolved against the manifest's directory.
func ReadManifest(path string) (*Manifest, error) {
	//nolint:gosec // G304: manifest path comes from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// WeightsPath returns the resolved weights file, or "" when the manifest has
// none.
func (m *Manifest) WeightsPath() string {
	if m.Weights == "" || filepath.IsAbs(m.Weights) || m.dir == "" {
		return m.Weights
	}
	return filepath.Join(m.dir, m.Weights)
}

// Load reads a manifest, builds its model and loads its weights.
func Load(path string) (*nn.Model, *Manifest, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, nil, err
	}
	model, err := m.Build()
	if err != nil {
		return nil, nil, err
	}
	if wp := m.WeightsPath(); wp != "" {
		if m.WeightsSHA256 != "" {
			if err := VerifyChecksum(wp, m.WeightsSHA256); err != nil {
				return nil, nil, errors.Wrapf(err, "model %s", m.Name)
			}
		}
		if err := LoadWeights(model, wp, KerasMapper{Prefix: m.WeightsPrefix}); err != nil {
			return nil, nil, errors.Wrapf(err, "model %s", m.Name)
		}
	}
	return model, m, nil
}

// LoadWeights fills the parameters of model from a SafeTensors file.
func LoadWeights(model nn.Container, path string, mapper WeightMapper) error {
	r, err := NewSafeTensorsReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	values, err := r.LoadAll(mapper)
	if err != nil {
		return err
	}
	return nn.LoadStateDict(model, values)
}

// Build constructs the model with deterministically initialized parameters.
func (m *Manifest) Build() (*nn.Model, error) {
	mode, err := preprocess.ParseMode(m.Preprocessing)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", m.Name)
	}
	b := &builder{rng: rand.New(rand.NewSource(m.Seed)), counts: map[string]int{}}
	layers, out, err := b.chain(m.Layers, shape{h: m.Input[0], w: m.Input[1], c: m.Input[2]})
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", m.Name)
	}
	if !out.flat {
		return nil, errors.Errorf("manifest %s: model output %v is not a class score vector", m.Name, out)
	}
	return nn.NewModel(m.Name, mode, m.Stats, layers...), nil
}

// shape tracks the per-sample activation shape while building.
type shape struct {
	h, w, c int
	flat    bool
}

func (s shape) String() string {
	if s.flat {
		return fmt.Sprintf("[%d]", s.c)
	}
	return fmt.Sprintf("[%d %d %d]", s.h, s.w, s.c)
}

type builder struct {
	rng    *rand.Rand
	counts map[string]int
}

// name returns spec's name or a Keras-style generated one ("conv2d_3").
func (b *builder) name(spec LayerSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	n := b.counts[spec.Type]
	b.counts[spec.Type] = n + 1
	if n == 0 {
		return spec.Type
	}
	return fmt.Sprintf("%s_%d", spec.Type, n)
}

func (b *builder) chain(specs []LayerSpec, in shape) ([]nn.Layer, shape, error) {
	layers := make([]nn.Layer, 0, len(specs))
	cur := in
	for i, spec := range specs {
		l, out, err := b.layer(spec, cur)
		if err != nil {
			return nil, cur, errors.Wrapf(err, "layer %d (%s %s)", i, spec.Type, spec.Name)
		}
		layers = append(layers, l)
		cur = out
	}
	return layers, cur, nil
}

func (b *builder) spatial(in shape, what string) error {
	if in.flat {
		return errors.Errorf("%s needs a spatial input, got %v", what, in)
	}
	return nil
}

func (b *builder) layer(spec LayerSpec, in shape) (nn.Layer, shape, error) {
	name := b.name(spec)
	if strings.ContainsAny(name, nn.PathSeparator+nn.OutputSeparator) {
		return nil, in, errors.Errorf("layer name %q must not contain %q or %q", name, nn.PathSeparator, nn.OutputSeparator)
	}
	switch spec.Type {
	case TypeConv2D:
		return b.conv2d(name, spec, in)
	case TypeDense:
		if !in.flat {
			return nil, in, errors.Errorf("dense needs a flat input, got %v", in)
		}
		act, err := nn.ParseActivation(spec.Activation)
		if err != nil {
			return nil, in, err
		}
		d, err := nn.NewDense(name, in.c, spec.Units, act, b.rng)
		return d, shape{c: spec.Units, flat: true}, err
	case TypeBatchNorm:
		bn, err := nn.NewBatchNorm(name, in.c, spec.Epsilon)
		return bn, in, err
	case TypeReLU:
		return nn.NewReLU(name), in, nil
	case TypeDropout:
		return nn.NewDropout(name), in, nil
	case TypeMaxPool2D:
		return b.maxpool(name, spec, in)
	case TypeGAP:
		if err := b.spatial(in, "gap"); err != nil {
			return nil, in, err
		}
		return nn.NewGlobalAvgPool2D(name), shape{c: in.c, flat: true}, nil
	case TypeFlatten:
		if in.flat {
			return nn.NewFlatten(name), in, nil
		}
		return nn.NewFlatten(name), shape{c: in.h * in.w * in.c, flat: true}, nil
	case TypeSequential:
		layers, out, err := b.chain(spec.Layers, in)
		if err != nil {
			return nil, in, err
		}
		return nn.NewSequential(name, layers...), out, nil
	case TypeModel:
		return b.model(name, spec, in)
	case TypeResidual:
		return b.residual(name, spec, in)
	case TypeConcat:
		return b.concat(name, spec, in)
	case TypePatchEncoder:
		if err := b.spatial(in, "patch_encoder"); err != nil {
			return nil, in, err
		}
		cfg := nn.PatchEncoderConfig{Patch: spec.Patch, Dim: spec.Dim, Depth: spec.Depth}
		e, err := nn.NewPatchEncoder(name, in.c, cfg, b.rng)
		if err != nil {
			return nil, in, err
		}
		if in.h < spec.Patch || in.w < spec.Patch {
			return nil, in, errors.Errorf("patch %d larger than input %v", spec.Patch, in)
		}
		return e, shape{h: in.h / spec.Patch, w: in.w / spec.Patch, c: spec.Dim}, nil
	default:
		return nil, in, errors.Errorf("unknown layer type %q", spec.Type)
	}
}

func (b *builder) conv2d(name string, spec LayerSpec, in shape) (nn.Layer, shape, error) {
	if err := b.spatial(in, "conv2d"); err != nil {
		return nil, in, err
	}
	pad, err := autodiff.ParsePadding(spec.Padding)
	if err != nil {
		return nil, in, err
	}
	act, err := nn.ParseActivation(spec.Activation)
	if err != nil {
		return nil, in, err
	}
	cfg := nn.Conv2DConfig{
		Filters:    spec.Filters,
		Kernel:     spec.Kernel,
		Stride:     max(spec.Stride, 1),
		Padding:    pad,
		Activation: act,
		NoBias:     spec.NoBias,
	}
	c, err := nn.NewConv2D(name, in.c, cfg, b.rng)
	if err != nil {
		return nil, in, err
	}
	oh, _, err := pad.Window(in.h, cfg.Kernel, cfg.Stride)
	if err != nil {
		return nil, in, err
	}
	ow, _, err := pad.Window(in.w, cfg.Kernel, cfg.Stride)
	if err != nil {
		return nil, in, err
	}
	return c, shape{h: oh, w: ow, c: cfg.Filters}, nil
}

func (b *builder) maxpool(name string, spec LayerSpec, in shape) (nn.Layer, shape, error) {
	if err := b.spatial(in, "maxpool2d"); err != nil {
		return nil, in, err
	}
	pad, err := autodiff.ParsePadding(spec.Padding)
	if err != nil {
		return nil, in, err
	}
	p, err := nn.NewMaxPool2D(name, spec.Size, spec.Stride, pad)
	if err != nil {
		return nil, in, err
	}
	stride := spec.Stride
	if stride == 0 {
		stride = spec.Size
	}
	oh, _, err := pad.Window(in.h, spec.Size, stride)
	if err != nil {
		return nil, in, err
	}
	ow, _, err := pad.Window(in.w, spec.Size, stride)
	if err != nil {
		return nil, in, err
	}
	return p, shape{h: oh, w: ow, c: in.c}, nil
}

func (b *builder) model(name string, spec LayerSpec, in shape) (nn.Layer, shape, error) {
	mode, err := preprocess.ParseMode(spec.Preprocessing)
	if err != nil {
		return nil, in, err
	}
	var stats preprocess.Stats
	if spec.Stats != nil {
		stats = *spec.Stats
	}
	layers, out, err := b.chain(spec.Layers, in)
	if err != nil {
		return nil, in, err
	}
	return nn.NewModel(name, mode, stats, layers...), out, nil
}

func (b *builder) residual(name string, spec LayerSpec, in shape) (nn.Layer, shape, error) {
	if len(spec.Body) == 0 {
		return nil, in, errors.New("residual without body")
	}
	body, out, err := b.chain(spec.Body, in)
	if err != nil {
		return nil, in, errors.Wrap(err, "body")
	}
	var shortcut *nn.Sequential
	if len(spec.Shortcut) > 0 {
		layers, sout, err := b.chain(spec.Shortcut, in)
		if err != nil {
			return nil, in, errors.Wrap(err, "shortcut")
		}
		if sout != out {
			return nil, in, errors.Errorf("shortcut output %v does not match body output %v", sout, out)
		}
		shortcut = nn.NewSequential(name+"_shortcut", layers...)
	} else if in != out {
		return nil, in, errors.Errorf("identity shortcut %v does not match body output %v", in, out)
	}
	post, err := nn.ParseActivation(spec.Post)
	if err != nil {
		return nil, in, err
	}
	r, err := nn.NewResidual(name, nn.NewSequential(name+"_body", body...), shortcut, post)
	return r, out, err
}

func (b *builder) concat(name string, spec LayerSpec, in shape) (nn.Layer, shape, error) {
	if err := b.spatial(in, "concat"); err != nil {
		return nil, in, err
	}
	branches := make([]*nn.Sequential, len(spec.Branches))
	out := shape{}
	for i, bs := range spec.Branches {
		layers, bout, err := b.chain(bs, in)
		if err != nil {
			return nil, in, errors.Wrapf(err, "branch %d", i)
		}
		if bout.flat || (i > 0 && (bout.h != out.h || bout.w != out.w)) {
			return nil, in, errors.Errorf("branch %d output %v cannot be concatenated with %v", i, bout, out)
		}
		out = shape{h: bout.h, w: bout.w, c: out.c + bout.c}
		branches[i] = nn.NewSequential(fmt.Sprintf("%s_branch%d", name, i), layers...)
	}
	c, err := nn.NewConcat(name, branches...)
	return c, out, err
}
