// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package gradcam_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/saliency/gradcam"
	"github.com/born-ml/saliency/loader"
	"github.com/born-ml/saliency/tensor"
)

func gradient(h, w int) *tensor.Tensor {
	img := tensor.Zeros(tensor.Shape{h, w, 3})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(float32(x*255/w), y, x, 0)
			img.Set(float32(y*255/h), y, x, 1)
			img.Set(float32((x+y)%7*30), y, x, 2)
		}
	}
	return img
}

func TestExplainer(t *testing.T) {
	model, m, err := loader.Load("../internal/loader/testdata/generic.yaml")
	require.NoError(t, err)

	ex, err := gradcam.NewExplainer(model, m.Architecture, m.Stats, gradcam.DefaultAlpha)
	require.NoError(t, err)
	assert.Equal(t, "last_conv", ex.Graph().Target())

	img := gradient(16, 16)
	explained := 0
	for class := 0; class < 3; class++ {
		h, overlay, err := ex.Explain(img, class)
		if gradcam.KindOf(err) == gradcam.KindDegenerateHeatmap {
			continue
		}
		require.NoError(t, err)
		explained++
		assert.Equal(t, class, h.Class)
		assert.InDelta(t, 1.0, h.Max(), 1e-9)
		assert.Equal(t, tensor.Shape{16, 16, 3}, overlay.Shape())
		for _, v := range overlay.Data() {
			require.True(t, v >= 0 && v <= 255)
		}
	}
	assert.Positive(t, explained)

	_, _, err = ex.Explain(img, 3)
	assert.Equal(t, gradcam.KindIndexOutOfRange, gradcam.KindOf(err))
}

func TestNewExplainer_Errors(t *testing.T) {
	model, m, err := loader.Load("../internal/loader/testdata/generic.yaml")
	require.NoError(t, err)

	_, err = gradcam.NewExplainer(model, "FooNetXYZ", m.Stats, 0.4)
	var unknown *gradcam.UnknownArchitectureError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "FooNetXYZ", unknown.Variant)

	_, err = gradcam.NewExplainer(model, "scra_VGG16_poly", m.Stats, 0.4)
	assert.Equal(t, gradcam.KindLayerResolution, gradcam.KindOf(err))

	_, err = gradcam.NewExplainer(model, "generic", m.Stats, 1.5)
	assert.Error(t, err)
}

func TestRegistryFallback(t *testing.T) {
	reg, err := gradcam.NewRegistry(gradcam.WithFallbackLayer("last_conv"))
	require.NoError(t, err)
	spec, err := reg.Resolve("FooNetXYZ")
	require.NoError(t, err)
	assert.Equal(t, "last_conv", spec.Layer)
}
