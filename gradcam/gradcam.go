// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package gradcam computes gradient-weighted class activation maps
// (Grad-CAM) for image classifiers and renders them over the images they
// explain.
//
// The architecture registry maps a model variant to the layer whose
// activations are explained. Build wires a model for explanation, Compute
// produces a normalized heatmap for one image, and a Renderer blends it
// over the original as a jet-coloured overlay.
//
// Example:
//
//	model, manifest, err := loader.Load("models/vgg16.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ex, err := gradcam.NewExplainer(model, manifest.Architecture, manifest.Stats, gradcam.DefaultAlpha)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	heatmap, overlay, err := ex.Explain(image, gradcam.TopPrediction)
package gradcam

import (
	"image"

	"github.com/born-ml/saliency/internal/gradcam"
	"github.com/born-ml/saliency/internal/render"
	"github.com/born-ml/saliency/nn"
)

// Registry types.
type (
	Variant         = gradcam.Variant
	TargetLayerSpec = gradcam.TargetLayerSpec
	Registry        = gradcam.Registry
	RegistryOption  = gradcam.RegistryOption
)

// Built-in architecture variants.
const (
	VGG16             = gradcam.VGG16
	InceptionV3       = gradcam.InceptionV3
	ResNet50V2        = gradcam.ResNet50V2
	InceptionResNetV2 = gradcam.InceptionResNetV2
	DenseNet201       = gradcam.DenseNet201
	EfficientNetV2B3  = gradcam.EfficientNetV2B3
	ConvNeXt          = gradcam.ConvNeXt
	ViT               = gradcam.ViT
	Swin              = gradcam.Swin
	Generic           = gradcam.Generic
)

// Graph is a model wired for explanation.
type Graph = gradcam.Graph

// Heatmap is a class activation map normalized to [0, 1].
type Heatmap = gradcam.Heatmap

// Renderer blends heatmaps over original images.
type Renderer = render.Renderer

// RenderOption configures a Renderer.
type RenderOption = render.Option

// Error types. Kind classifies any error returned by this package.
type (
	Kind                     = gradcam.Kind
	UnknownArchitectureError = gradcam.UnknownArchitectureError
	LayerResolutionError     = gradcam.LayerResolutionError
	IndexOutOfRangeError     = gradcam.IndexOutOfRangeError
	DegenerateHeatmapError   = gradcam.DegenerateHeatmapError
)

// Error kinds.
const (
	KindUnknownArchitecture = gradcam.KindUnknownArchitecture
	KindLayerResolution     = gradcam.KindLayerResolution
	KindIndexOutOfRange     = gradcam.KindIndexOutOfRange
	KindDegenerateHeatmap   = gradcam.KindDegenerateHeatmap
	KindPublication         = gradcam.KindPublication
	KindInternal            = gradcam.KindInternal
)

// TopPrediction selects the model's highest scoring class.
const TopPrediction = gradcam.TopPrediction

// DefaultAlpha is the default heatmap intensity.
const DefaultAlpha = render.DefaultAlpha

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	return gradcam.KindOf(err)
}

// DefaultRegistry returns the registry of built-in variants.
func DefaultRegistry() *Registry {
	return gradcam.DefaultRegistry()
}

// NewRegistry returns the built-in registry extended by opts.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	return gradcam.NewRegistry(opts...)
}

// WithEntry adds or replaces the target layer of a variant.
func WithEntry(variant Variant, spec TargetLayerSpec) RegistryOption {
	return gradcam.WithEntry(variant, spec)
}

// WithFallbackLayer resolves unknown variants to layer instead of failing.
func WithFallbackLayer(layer string) RegistryOption {
	return gradcam.WithFallbackLayer(layer)
}

// Build resolves spec against model and composes its preprocessing.
func Build(model nn.Differentiable, spec TargetLayerSpec, stats nn.Stats) (*Graph, error) {
	return gradcam.Build(model, spec, stats)
}

// Compute explains class for one image of shape [H, W, C] or [1, H, W, C].
func Compute(g *Graph, image *nn.Tensor, class int) (*Heatmap, error) {
	return gradcam.Compute(g, image, class)
}

// NewRenderer creates a Renderer blending with alpha in [0, 1].
func NewRenderer(alpha float64, opts ...RenderOption) (*Renderer, error) {
	return render.New(alpha, opts...)
}

// Render blends h over original, an [H, W, 3] image with pixels in
// [0, 255], using bilinear resizing and the jet colormap.
func Render(h *Heatmap, original *nn.Tensor, alpha float64) (*nn.Tensor, error) {
	return render.Render(h, original, alpha)
}

// FromImage converts img to an [H, W, 3] tensor with pixels in [0, 255].
func FromImage(img image.Image) *nn.Tensor {
	return render.FromImage(img)
}

// ToImage converts an [H, W, 3] tensor to an image, rounding and clipping
// each channel to [0, 255].
func ToImage(t *nn.Tensor) (*image.RGBA, error) {
	return render.ToImage(t)
}

// HeatmapImage returns h as a grayscale image.
func HeatmapImage(h *Heatmap) *image.Gray {
	return render.HeatmapImage(h)
}

// Explainer computes and renders heatmaps for one model.
// It is safe for concurrent use when the model is.
type Explainer struct {
	graph    *Graph
	renderer *Renderer
}

// NewExplainer resolves variant in the default registry and wires model
// for explanation.
func NewExplainer(model nn.Differentiable, variant string, stats nn.Stats, alpha float64, opts ...RenderOption) (*Explainer, error) {
	spec, err := DefaultRegistry().Resolve(variant)
	if err != nil {
		return nil, err
	}
	g, err := Build(model, spec, stats)
	if err != nil {
		return nil, err
	}
	r, err := NewRenderer(alpha, opts...)
	if err != nil {
		return nil, err
	}
	return &Explainer{graph: g, renderer: r}, nil
}

// Graph returns the wired model.
func (e *Explainer) Graph() *Graph {
	return e.graph
}

// Explain returns the heatmap of class for image and its overlay.
func (e *Explainer) Explain(image *nn.Tensor, class int) (*Heatmap, *nn.Tensor, error) {
	h, err := Compute(e.graph, image, class)
	if err != nil {
		return nil, nil, err
	}
	original := image
	if s := image.Shape(); len(s) == 4 && s[0] == 1 {
		if original, err = image.Reshape(s[1:]); err != nil {
			return h, nil, err
		}
	}
	overlay, err := e.renderer.Render(h, original)
	if err != nil {
		return h, nil, err
	}
	return h, overlay, nil
}
