package gradcam

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/preprocess"
	"github.com/born-ml/saliency/internal/tensor"
)

type stubNode string

func (n stubNode) Name() string { return string(n) }

type stubBlock struct {
	name     string
	children []nn.Node
}

func (b *stubBlock) Name() string { return b.name }
func (b *stubBlock) Children() []nn.Node { return b.children }

type stubEncoder string

func (e stubEncoder) Name() string { return string(e) }
func (e stubEncoder) Outputs() []string { return []string{nn.LastHiddenState} }

type stubPass struct {
	activation, scores, grad *tensor.Tensor
}

func (p *stubPass) Activation() *tensor.Tensor { return p.activation }
func (p *stubPass) Scores() *tensor.Tensor { return p.scores }
func (p *stubPass) Gradient(class int) (*tensor.Tensor, error) {
	return p.grad, nil
}

// stubModel is a Differentiable with a fixed layer tree whose Trace returns
// a canned pass.
type stubModel struct {
	stubBlock
	pass   *stubPass
	traced []string
}

func (m *stubModel) Preprocess(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }

func (m *stubModel) Trace(x *tensor.Tensor, target string) (nn.Pass, error) {
	m.traced = append(m.traced, target)
	return m.pass, nil
}

// rampPass returns a 4x4x2 activation whose first channel holds 0..15, with
// gradients that weight the first channel by one and the second by zero.
func rampPass(t *testing.T, scores ...float32) *stubPass {
	t.Helper()
	act := tensor.Zeros(tensor.Shape{1, 4, 4, 2})
	grad := tensor.Zeros(tensor.Shape{1, 4, 4, 2})
	for i := 0; i < 16; i++ {
		act.Set(float32(i), 0, i/4, i%4, 0)
		act.Set(float32(15-i)*3, 0, i/4, i%4, 1)
		grad.Set(1, 0, i/4, i%4, 0)
	}
	s, err := tensor.FromSlice(scores, tensor.Shape{1, len(scores)})
	require.NoError(t, err)
	return &stubPass{activation: act, scores: s, grad: grad}
}

func newStubModel(pass *stubPass) *stubModel {
	return &stubModel{
		stubBlock: stubBlock{name: "stub", children: []nn.Node{
			stubNode("conv1"),
			&stubBlock{name: "block", children: []nn.Node{stubNode("target")}},
			stubNode("gap"),
		}},
		pass: pass,
	}
}

func TestCompute_Ramp(t *testing.T) {
	model := newStubModel(rampPass(t, 1, 3, 2))
	g, err := Build(model, TargetLayerSpec{Layer: "target", Preprocessing: preprocess.None}, preprocess.Stats{})
	require.NoError(t, err)
	assert.Equal(t, "block/target", g.Target())

	h, err := Compute(g, tensor.Full(tensor.Shape{8, 8, 3}, 100), TopPrediction)
	require.NoError(t, err)

	assert.Equal(t, 1, h.Class)
	assert.Equal(t, float32(3), h.Score)
	assert.Equal(t, 4, h.Height)
	assert.Equal(t, 4, h.Width)
	for i := 0; i < 16; i++ {
		assert.InDelta(t, float64(i)/15, h.At(i/4, i%4), 1e-12)
	}
	assert.Equal(t, 1.0, h.Max())
	assert.Equal(t, []string{"block/target"}, model.traced)
}

func TestCompute_ClassBounds(t *testing.T) {
	model := newStubModel(rampPass(t, 1, 3, 2))
	g, err := Build(model, TargetLayerSpec{Layer: "target", Preprocessing: preprocess.None}, preprocess.Stats{})
	require.NoError(t, err)
	img := tensor.Full(tensor.Shape{8, 8, 3}, 100)

	_, err = Compute(g, img, 2)
	require.NoError(t, err)

	for _, class := range []int{3, -2} {
		_, err = Compute(g, img, class)
		var ie *IndexOutOfRangeError
		require.True(t, errors.As(err, &ie), "class %d", class)
		assert.Equal(t, class, ie.Index)
		assert.Equal(t, 3, ie.Classes)
		assert.Equal(t, KindIndexOutOfRange, KindOf(err))
	}

	_, err = Compute(g, tensor.Zeros(tensor.Shape{2, 8, 8, 3}), 0)
	assert.Error(t, err)
}

func TestReduce_Degenerate(t *testing.T) {
	zero := tensor.Zeros(tensor.Shape{1, 2, 2, 1})
	ones := tensor.Full(tensor.Shape{1, 2, 2, 1}, 1)
	negative := tensor.Full(tensor.Shape{1, 2, 2, 1}, -1)
	nan := tensor.Full(tensor.Shape{1, 2, 2, 1}, float32(math.NaN()))

	tests := []struct {
		name       string
		act, grad  *tensor.Tensor
		degenerate bool
	}{
		{"zero activation", zero, ones, true},
		{"zero gradient", ones, zero, true},
		{"negative map", ones, negative, true},
		{"nan activation", nan, ones, true},
		{"positive map", ones, ones, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Reduce(tt.act, tt.grad, 4)
			if !tt.degenerate {
				require.NoError(t, err)
				assert.Equal(t, []float64{1, 1, 1, 1}, h.Values)
				return
			}
			var de *DegenerateHeatmapError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, 4, de.Class)
			assert.Equal(t, KindDegenerateHeatmap, KindOf(err))
		})
	}

	_, err := Reduce(ones, tensor.Zeros(tensor.Shape{1, 2, 2, 2}), 0)
	assert.Error(t, err)
	_, err = Reduce(tensor.Zeros(tensor.Shape{1, 3}), tensor.Zeros(tensor.Shape{1, 3}), 0)
	assert.Error(t, err)
}

func TestChannelWeights(t *testing.T) {
	g, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{1, 2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5}, ChannelWeights(g))
}

func TestBuild_Resolution(t *testing.T) {
	model := &stubModel{stubBlock: stubBlock{name: "m", children: []nn.Node{
		&stubBlock{name: "a", children: []nn.Node{stubNode("conv")}},
		&stubBlock{name: "b", children: []nn.Node{stubNode("conv")}},
		stubEncoder("vit"),
		stubNode("head"),
	}}}
	none := preprocess.None

	tests := []struct {
		layer   string
		want    string
		matches []string
	}{
		{layer: "head", want: "head"},
		{layer: "a/conv", want: "a/conv"},
		{layer: "vit:" + nn.LastHiddenState, want: "vit:" + nn.LastHiddenState},
		{layer: "conv", matches: []string{"a/conv", "b/conv"}},
		{layer: "missing"},
		{layer: "vit:attentions"},
		{layer: "head:" + nn.LastHiddenState},
		{layer: "conv/a"},
	}
	for _, tt := range tests {
		t.Run(tt.layer, func(t *testing.T) {
			g, err := Build(model, TargetLayerSpec{Layer: tt.layer, Preprocessing: none}, preprocess.Stats{})
			if tt.want != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, g.Target())
				return
			}
			var le *LayerResolutionError
			require.True(t, errors.As(err, &le), "%v", err)
			assert.Equal(t, tt.layer, le.Layer)
			assert.Equal(t, "m", le.Model)
			assert.Equal(t, tt.matches, le.Matches)
			if len(tt.matches) == 0 {
				assert.NotEmpty(t, le.Candidates)
			}
			assert.Equal(t, KindLayerResolution, KindOf(err))
			assert.True(t, KindOf(err).PerModel())
		})
	}
}

func TestBuild_Preprocessing(t *testing.T) {
	model := newStubModel(rampPass(t, 1))

	_, err := Build(model, TargetLayerSpec{Layer: "target", Preprocessing: preprocess.Centering}, preprocess.Stats{})
	assert.ErrorIs(t, err, preprocess.ErrMissingStats)

	_, err = Build(model, TargetLayerSpec{Layer: "target", Preprocessing: "zca"}, preprocess.Stats{})
	assert.ErrorIs(t, err, preprocess.ErrUnknownMode)

	g, err := Build(model, TargetLayerSpec{Layer: "target", Preprocessing: preprocess.Centering},
		preprocess.Stats{Mean: []float32{10}})
	require.NoError(t, err)
	assert.Equal(t, preprocess.Centering, g.Spec().Preprocessing)
	assert.Same(t, model, g.Model())
}

func TestRegistry_Resolve(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		id   string
		want Variant
	}{
		{"VGG16", VGG16},
		{"VGG16_poly", VGG16},
		{"scra_ResNet50V2", ResNet50V2},
		{"scra_InceptionV3_poly", InceptionV3},
		{"DenseNet201", DenseNet201},
		{"densenet201", DenseNet201},
		{"TFViTModel", ViT},
		{" TFSwinModel ", Swin},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, builtin[tt.want], got, tt.id)
	}

	_, err := r.Resolve("FooNetXYZ")
	var ue *UnknownArchitectureError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "FooNetXYZ", ue.Variant)
	assert.Equal(t, r.Variants(), ue.Known)
	assert.Equal(t, KindUnknownArchitecture, KindOf(errors.Wrap(err, "model foo")))
	assert.Contains(t, err.Error(), "FooNetXYZ")
}

func TestRegistry_Options(t *testing.T) {
	r, err := NewRegistry(
		WithFallbackLayer("last_conv"),
		WithEntry("MobileNetV3", TargetLayerSpec{Layer: "expanded_conv_10/project", Preprocessing: preprocess.TF}),
		WithEntry(VGG16, TargetLayerSpec{Layer: "block4_conv3", Preprocessing: preprocess.Caffe}),
	)
	require.NoError(t, err)
	assert.Equal(t, "last_conv", r.Fallback())

	got, err := r.Resolve("FooNetXYZ")
	require.NoError(t, err)
	assert.Equal(t, TargetLayerSpec{Layer: "last_conv"}, got)

	got, err = r.Resolve("scra_mobilenetv3")
	require.NoError(t, err)
	assert.Equal(t, preprocess.TF, got.Preprocessing)

	got, err = r.Resolve("VGG16")
	require.NoError(t, err)
	assert.Equal(t, "block4_conv3", got.Layer)
	assert.Len(t, r.Variants(), len(builtin)+1)

	_, err = NewRegistry(WithEntry("Bad", TargetLayerSpec{Layer: ""}))
	assert.Error(t, err)
	_, err = NewRegistry(WithEntry("Bad", TargetLayerSpec{Layer: "x", Preprocessing: "zca"}))
	assert.Error(t, err)
	_, err = NewRegistry(WithFallbackLayer("a:b:c"))
	assert.Error(t, err)
}

func TestRegistry_OverrideMatchesNormalizedName(t *testing.T) {
	for _, id := range []Variant{"vgg16", " scra_VGG16_poly"} {
		r, err := NewRegistry(WithEntry(id, TargetLayerSpec{Layer: "block4_conv3", Preprocessing: preprocess.None}))
		require.NoError(t, err, id)

		got, err := r.Resolve("VGG16")
		require.NoError(t, err, id)
		assert.Equal(t, TargetLayerSpec{Layer: "block4_conv3", Preprocessing: preprocess.None}, got, id)
		assert.Equal(t, DefaultRegistry().Variants(), r.Variants(), id)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
	assert.False(t, KindIndexOutOfRange.PerModel())
	assert.False(t, KindDegenerateHeatmap.PerModel())
	assert.True(t, KindUnknownArchitecture.PerModel())
}
