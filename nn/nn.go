// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the inference-only layer tree that saliency models are
// built from.
//
// Models are trees of named nodes. A node is addressed by the "/" joined
// names from the root, and a MultiOutput node's extra tensors by
// "<node>:<output>". Parameters are frozen: Trace differentiates the class
// scores with respect to the tapped tensor only.
//
// Example:
//
//	rng := rand.New(rand.NewSource(1))
//	conv, _ := nn.NewConv2D("last_conv", 3, nn.Conv2DConfig{Filters: 8, Kernel: 3, Padding: nn.Same, Activation: nn.ReLUAct}, rng)
//	head, _ := nn.NewDense("output", 8, 2, nn.Softmax, rng)
//	model := nn.NewModel("tiny", nn.None, nn.Stats{}, conv, nn.NewGlobalAvgPool2D("gap"), head)
//	pass, _ := model.Trace(x, "last_conv")
//	grad, _ := pass.Gradient(1)
package nn

import (
	"math/rand"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/preprocess"
	"github.com/born-ml/saliency/internal/tensor"
)

// Tensor is the tensor type layers consume and produce.
type Tensor = tensor.Tensor

// PreprocessMode selects how raw pixels are normalized before the first
// layer.
type PreprocessMode = preprocess.Mode

// Stats holds per-channel dataset statistics for the dataset relative
// preprocessing modes.
type Stats = preprocess.Stats

// Preprocessing modes.
const (
	Centering         = preprocess.Centering
	SampleWiseScaling = preprocess.SampleWiseScaling
	ScaleStd          = preprocess.ScaleStd
	Caffe             = preprocess.Caffe
	TF                = preprocess.TF
	Torch             = preprocess.Torch
	None              = preprocess.None
)

// Tree interfaces.
type (
	Node           = nn.Node
	Container      = nn.Container
	MultiOutput    = nn.MultiOutput
	Layer          = nn.Layer
	Parameterized  = nn.Parameterized
	Pass           = nn.Pass
	Differentiable = nn.Differentiable
	Session        = nn.Session
	WalkFunc       = nn.WalkFunc
)

// Model is a root layer tree that declares its pixel preprocessing.
type Model = nn.Model

// Layers.
type (
	Conv2D          = nn.Conv2D
	Conv2DConfig    = nn.Conv2DConfig
	Dense           = nn.Dense
	BatchNorm       = nn.BatchNorm
	MaxPool2D       = nn.MaxPool2D
	GlobalAvgPool2D = nn.GlobalAvgPool2D
	ReLU            = nn.ReLU
	Flatten         = nn.Flatten
	Dropout         = nn.Dropout
	Sequential      = nn.Sequential
	Residual        = nn.Residual
	Concat          = nn.Concat
	PatchEncoder    = nn.PatchEncoder
	Activation      = nn.Activation
	Padding         = autodiff.Padding
)

// Fused activations.
const (
	Linear  = nn.Linear
	ReLUAct = nn.ReLUAct
	Softmax = nn.Softmax
)

// Padding modes.
const (
	Valid = autodiff.Valid
	Same  = autodiff.Same
)

// LastHiddenState is the output every PatchEncoder exposes.
const LastHiddenState = nn.LastHiddenState

// SkipChildren may be returned by a WalkFunc to prune a subtree.
var SkipChildren = nn.SkipChildren

// NewModel creates a root model.
func NewModel(name string, mode PreprocessMode, stats Stats, layers ...Layer) *Model {
	return nn.NewModel(name, mode, stats, layers...)
}

// NewSequential creates a named chain of layers.
func NewSequential(name string, layers ...Layer) *Sequential {
	return nn.NewSequential(name, layers...)
}

// NewConv2D creates a convolution layer with Xavier initialized kernels.
func NewConv2D(name string, inChannels int, cfg Conv2DConfig, rng *rand.Rand) (*Conv2D, error) {
	return nn.NewConv2D(name, inChannels, cfg, rng)
}

// NewDense creates a fully connected layer.
func NewDense(name string, inFeatures, units int, act Activation, rng *rand.Rand) (*Dense, error) {
	return nn.NewDense(name, inFeatures, units, act, rng)
}

// NewMaxPool2D creates a max pooling layer.
func NewMaxPool2D(name string, size, stride int, padding Padding) (*MaxPool2D, error) {
	return nn.NewMaxPool2D(name, size, stride, padding)
}

// NewGlobalAvgPool2D creates a global average pooling layer.
func NewGlobalAvgPool2D(name string) *GlobalAvgPool2D {
	return nn.NewGlobalAvgPool2D(name)
}

// NewReLU creates a standalone ReLU layer.
func NewReLU(name string) *ReLU {
	return nn.NewReLU(name)
}

// NewFlatten creates a flatten layer.
func NewFlatten(name string) *Flatten {
	return nn.NewFlatten(name)
}

// Walk visits every node below root in forward order with its path.
func Walk(root Container, fn WalkFunc) error {
	return nn.Walk(root, fn)
}

// StateDict returns the parameters below root keyed "<node path>/<param>".
func StateDict(root Container) map[string]*Tensor {
	return nn.StateDict(root)
}

// LoadStateDict copies values into the matching parameters below root.
func LoadStateDict(root Container, values map[string]*Tensor) error {
	return nn.LoadStateDict(root, values)
}
