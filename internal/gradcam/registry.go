package gradcam

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/preprocess"
)

// Variant identifies a registered architecture.
type Variant string

// Built-in variants.
const (
	VGG16             Variant = "VGG16"
	InceptionV3       Variant = "InceptionV3"
	ResNet50V2        Variant = "ResNet50V2"
	InceptionResNetV2 Variant = "InceptionResNetV2"
	DenseNet201       Variant = "Densenet201"
	EfficientNetV2B3  Variant = "EfficientNetV2B3"
	ConvNeXt          Variant = "TFConvNextModel"
	ViT               Variant = "TFViTModel"
	Swin              Variant = "TFSwinModel"
	Generic           Variant = "generic"
)

// Prefix and suffix the training driver adds to run names.
const (
	scratchPrefix = "scra_"
	polySuffix    = "_poly"
)

// TargetLayerSpec names the tensor to explain and the preprocessing to
// apply in front of the model.
//
// Layer is a node name ("block5_conv3"), a node path containing "/", or a
// named output of a multi-output node ("vit:last_hidden_state").
// Preprocessing is preprocess.Native to use the model's own.
type TargetLayerSpec struct {
	Layer         string          `yaml:"layer" json:"layer"`
	Preprocessing preprocess.Mode `yaml:"preprocessing" json:"preprocessing"`
}

// Validate checks that the spec is usable.
func (s TargetLayerSpec) Validate() error {
	if strings.TrimSpace(s.Layer) == "" {
		return errors.New("empty layer identifier")
	}
	if strings.Count(s.Layer, nn.OutputSeparator) > 1 {
		return errors.Errorf("layer identifier %q has more than one %q", s.Layer, nn.OutputSeparator)
	}
	if !s.Preprocessing.Valid() {
		return errors.Wrapf(preprocess.ErrUnknownMode, "layer %s: %q", s.Layer, string(s.Preprocessing))
	}
	return nil
}

var builtin = map[Variant]TargetLayerSpec{
	VGG16:             {Layer: "block5_conv3", Preprocessing: preprocess.Centering},
	InceptionV3:       {Layer: "conv2d_296", Preprocessing: preprocess.SampleWiseScaling},
	ResNet50V2:        {Layer: "conv5_block3_3_conv", Preprocessing: preprocess.SampleWiseScaling},
	InceptionResNetV2: {Layer: "conv_7b_ac", Preprocessing: preprocess.SampleWiseScaling},
	DenseNet201:       {Layer: "conv5_block32_2_conv", Preprocessing: preprocess.ScaleStd},
	EfficientNetV2B3:  {Layer: "top_conv", Preprocessing: preprocess.Native},
	ConvNeXt:          {Layer: "convnext:" + nn.LastHiddenState, Preprocessing: preprocess.Native},
	ViT:               {Layer: "vit:" + nn.LastHiddenState, Preprocessing: preprocess.Native},
	Swin:              {Layer: "swin:" + nn.LastHiddenState, Preprocessing: preprocess.Native},
	Generic:           {Layer: "last_conv", Preprocessing: preprocess.Native},
}

// Registry maps architecture variants to their target layer.
//
// It is a static table validated when built; lookups are case-insensitive
// and ignore the scratch-training prefix and poly-loss suffix of run names.
// A Registry is immutable and safe for concurrent use.
type Registry struct {
	entries  map[Variant]TargetLayerSpec
	index    map[string]Variant // normalized key -> variant
	fallback string
}

// RegistryOption configures NewRegistry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	entries  map[Variant]TargetLayerSpec
	fallback string
}

// WithEntry registers or overrides a variant. Variants are matched the way
// Resolve matches them, so "vgg16" or "scra_VGG16_poly" override the built-in
// VGG16 entry, which keeps its name.
func WithEntry(variant Variant, spec TargetLayerSpec) RegistryOption {
	return func(c *registryConfig) {
		key := normalize(string(variant))
		for v := range c.entries {
			if normalize(string(v)) == key {
				c.entries[v] = spec
				return
			}
		}
		c.entries[variant] = spec
	}
}

// WithFallbackLayer makes unregistered variants resolve to layer with the
// model's own preprocessing instead of failing.
func WithFallbackLayer(layer string) RegistryOption {
	return func(c *registryConfig) {
		c.fallback = layer
	}
}

// NewRegistry builds a registry from the built-in table plus options and
// validates every entry.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	cfg := &registryConfig{entries: make(map[Variant]TargetLayerSpec, len(builtin))}
	for v, s := range builtin {
		cfg.entries[v] = s
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := &Registry{
		entries:  cfg.entries,
		index:    make(map[string]Variant, len(cfg.entries)),
		fallback: cfg.fallback,
	}
	for v, s := range cfg.entries {
		if err := s.Validate(); err != nil {
			return nil, errors.Wrapf(err, "registry entry %s", v)
		}
		r.index[normalize(string(v))] = v
	}
	if r.fallback != "" {
		if err := (TargetLayerSpec{Layer: r.fallback}).Validate(); err != nil {
			return nil, errors.Wrap(err, "fallback layer")
		}
	}
	return r, nil
}

// DefaultRegistry returns the built-in table without a fallback.
func DefaultRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err) // the built-in table is static
	}
	return r
}

// NormalizeVariant strips run-name decorations from a variant identifier.
func NormalizeVariant(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, scratchPrefix)
	id = strings.TrimSuffix(id, polySuffix)
	return id
}

func normalize(id string) string {
	return strings.ToLower(NormalizeVariant(id))
}

// Resolve returns the target layer spec of a variant identifier.
func (r *Registry) Resolve(variant string) (TargetLayerSpec, error) {
	if v, ok := r.index[normalize(variant)]; ok {
		return r.entries[v], nil
	}
	if r.fallback != "" {
		return TargetLayerSpec{Layer: r.fallback, Preprocessing: preprocess.Native}, nil
	}
	return TargetLayerSpec{}, &UnknownArchitectureError{Variant: variant, Known: r.Variants()}
}

// Variants returns the registered variants in sorted order.
func (r *Registry) Variants() []Variant {
	out := make([]Variant, 0, len(r.entries))
	for v := range r.entries {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fallback returns the configured fallback layer, or "".
func (r *Registry) Fallback() string {
	return r.fallback
}
