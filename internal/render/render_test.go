package render

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"

	"github.com/born-ml/saliency/internal/gradcam"
	"github.com/born-ml/saliency/internal/tensor"
)

func randomImage(h, w int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(3))
	t := tensor.Zeros(tensor.Shape{h, w, 3})
	for i := range t.Data() {
		t.Data()[i] = float32(rng.Intn(256))
	}
	return t
}

func ramp(h, w int) *gradcam.Heatmap {
	hm := &gradcam.Heatmap{Height: h, Width: w, Values: make([]float64, h*w)}
	for i := range hm.Values {
		hm.Values[i] = float64(i) / float64(h*w-1)
	}
	return hm
}

func TestRender_ZeroAlphaKeepsOriginal(t *testing.T) {
	original := randomImage(13, 17)
	out, err := Render(ramp(4, 4), original, 0)
	require.NoError(t, err)
	assert.Equal(t, original.Data(), out.Data())
}

func TestRender_OutputSize(t *testing.T) {
	sizes := [][2]int{{1, 1}, {7, 3}, {32, 48}}
	for _, sz := range sizes {
		original := randomImage(sz[0], sz[1])
		out, err := Render(ramp(2, 3), original, DefaultAlpha)
		require.NoError(t, err)
		assert.Equal(t, original.Shape(), out.Shape())
		for _, v := range out.Data() {
			assert.True(t, v >= 0 && v <= 255)
		}
	}
}

func TestRender_Blend(t *testing.T) {
	hot := &gradcam.Heatmap{Height: 2, Width: 2, Values: []float64{1, 1, 1, 1}}

	out, err := Render(hot, tensor.Zeros(tensor.Shape{5, 5, 3}), 1)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		assert.Equal(t, []float32{128, 0, 0}, out.Data()[i*3:i*3+3])
	}

	out, err = Render(hot, tensor.Full(tensor.Shape{5, 5, 3}, 250), 0.5)
	require.NoError(t, err)
	assert.Equal(t, []float32{255, 250, 250}, out.Data()[:3])
}

func TestRender_Nearest(t *testing.T) {
	r, err := New(1, WithInterpolator(draw.NearestNeighbor))
	require.NoError(t, err)

	h := &gradcam.Heatmap{Height: 1, Width: 2, Values: []float64{0, 1}}
	out, err := r.Render(h, tensor.Zeros(tensor.Shape{2, 4, 3}))
	require.NoError(t, err)

	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			want := Jet[0]
			if x >= 2 {
				want = Jet[255]
			}
			got := []float32{out.At(y, x, 0), out.At(y, x, 1), out.At(y, x, 2)}
			assert.Equal(t, []float32{float32(want.R), float32(want.G), float32(want.B)}, got, "(%d, %d)", y, x)
		}
	}
}

func TestRender_Rejects(t *testing.T) {
	for _, alpha := range []float64{-0.1, 1.5} {
		_, err := New(alpha)
		assert.ErrorIs(t, err, ErrAlphaRange)
	}

	_, err := Render(ramp(2, 2), tensor.Zeros(tensor.Shape{4, 4}), 0.4)
	assert.Error(t, err)
	_, err = Render(ramp(2, 2), tensor.Zeros(tensor.Shape{4, 4, 1}), 0.4)
	assert.Error(t, err)
	_, err = Render(&gradcam.Heatmap{Height: 2, Width: 2, Values: []float64{1}}, randomImage(4, 4), 0.4)
	assert.Error(t, err)
}

func TestJet(t *testing.T) {
	assert.Equal(t, color.RGBA{R: 0, G: 0, B: 128, A: 255}, Jet[0])
	assert.Equal(t, color.RGBA{R: 128, G: 0, B: 0, A: 255}, Jet[255])
	assert.Equal(t, uint8(255), Jet[128].G)
	assert.Equal(t, uint8(255), Jet[40].B)
	assert.Equal(t, uint8(255), Jet[200].R)
}

func TestIndex(t *testing.T) {
	tests := []struct {
		v    float64
		want uint8
	}{
		{-1, 0}, {0, 0}, {0.5, 127}, {0.999, 254}, {1, 255}, {2, 255},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Index(tt.v), "%v", tt.v)
	}
}

func TestHeatmapImage(t *testing.T) {
	img := HeatmapImage(&gradcam.Heatmap{Height: 1, Width: 3, Values: []float64{0, 0.5, 1}})
	assert.Equal(t, image.Rect(0, 0, 3, 1), img.Bounds())
	assert.Equal(t, []uint8{0, 127, 255}, img.Pix)
}

func TestImageConversion(t *testing.T) {
	original := randomImage(6, 9)
	img, err := ToImage(original)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 9, 6), img.Bounds())
	assert.Equal(t, original.Data(), FromImage(img).Data())

	gray := FromImage(image.NewGray(image.Rect(0, 0, 2, 2)))
	assert.Equal(t, tensor.Shape{2, 2, 3}, gray.Shape())

	resized, err := Resize(original, 12, 18, draw.BiLinear)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{12, 18, 3}, resized.Shape())
}

func TestParseInterpolator(t *testing.T) {
	for _, name := range []string{"", "bilinear", "Nearest", "catmullrom"} {
		_, err := ParseInterpolator(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseInterpolator("lanczos")
	assert.Error(t, err)
}
