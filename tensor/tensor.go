// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the dense float32 tensors used throughout the
// saliency module.
//
// Images are laid out NHWC: a batch of one 224x224 RGB image has shape
// [1, 224, 224, 3].
//
// Example:
//
//	x := tensor.Zeros(tensor.Shape{1, 224, 224, 3})
//	x.Set(255, 0, 10, 10, 0)
//	fmt.Println(x.Shape(), x.Max())
package tensor

import "github.com/born-ml/saliency/internal/tensor"

// Tensor is a dense row-major float32 tensor.
type Tensor = tensor.Tensor

// Shape represents tensor dimensions.
type Shape = tensor.Shape

// New creates a zero-filled tensor, validating the shape.
func New(shape Shape) (*Tensor, error) {
	return tensor.New(shape)
}

// Zeros creates a zero-filled tensor. It panics on an invalid shape.
func Zeros(shape Shape) *Tensor {
	return tensor.Zeros(shape)
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float32) *Tensor {
	return tensor.Full(shape, value)
}

// FromSlice creates a tensor over a copy of data.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	return tensor.FromSlice(data, shape)
}
