// Package tensor provides the dense float32 tensors used by the saliency engine.
//
// Tensors are row-major and image tensors follow NHWC order, the layout the
// heatmap reduction works in: channels are the innermost axis so the
// per-location weighted channel sum walks contiguous memory.
package tensor

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Shape holds the dimensions of a tensor, outermost first. Image tensors are
// [batch, height, width, channels].
type Shape []int

// NumElements returns the product of the dimensions; a scalar holds one.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects empty and negative axes.
func (s Shape) Validate() error {
	for axis, d := range s {
		if d < 1 {
			return errors.Errorf("axis %d of %v has size %d", axis, []int(s), d)
		}
	}
	return nil
}

// Equal reports whether s and other have the same dimensions.
func (s Shape) Equal(other Shape) bool { return slices.Equal(s, other) }

// Clone returns a copy of s.
func (s Shape) Clone() Shape { return slices.Clone(s) }

// ComputeStrides returns the row-major strides of s. The stride of an axis is
// the number of elements spanned by one step along it.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	step := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = step
		step *= s[i]
	}
	return strides
}

// Spatial splits an NHWC shape into batch, height, width and channels.
func (s Shape) Spatial() (n, h, w, c int, err error) {
	if len(s) != 4 {
		return 0, 0, 0, 0, errors.Errorf("expected NHWC shape, got %v", []int(s))
	}
	return s[0], s[1], s[2], s[3], nil
}

// Tensor is a dense, row-major float32 tensor.
//
// A Tensor is identified by pointer: the autodiff tape keys gradients by
// *Tensor, so views produced by Reshape are distinct tensors even though they
// share storage.
type Tensor struct {
	shape   Shape
	strides []int
	data    []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return &Tensor{
		shape:   shape.Clone(),
		strides: shape.ComputeStrides(),
		data:    make([]float32, shape.NumElements()),
	}, nil
}

// Zeros allocates a zero-filled tensor. It panics on an invalid shape and is
// meant for shapes derived from existing tensors.
func Zeros(shape Shape) *Tensor {
	t, err := New(shape)
	if err != nil {
		panic(fmt.Sprintf("tensor: %v", err))
	}
	return t
}

// ZerosLike allocates a zero-filled tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.shape)
}

// Full allocates a tensor filled with value.
func Full(shape Shape, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, errors.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t, err := New(shape)
	if err != nil {
		return nil, err
	}
	copy(t.data, data)
	return t, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Data returns the underlying storage (zero-copy).
//
// WARNING: Modifications to the returned slice will modify the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Strides returns the row-major strides.
func (t *Tensor) Strides() []int {
	return t.strides
}

// offset calculates the flat index for the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.shape), len(indices)))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, t.shape[i]))
		}
		off += idx * t.strides[i]
	}
	return off
}

// At returns the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.offset(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) Set(value float32, indices ...int) {
	t.data[t.offset(indices)] = value
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := Zeros(t.shape)
	copy(c.data, t.data)
	return c
}

// Reshape returns a view with a new shape sharing the same storage.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(t.data) {
		return nil, errors.Errorf("cannot reshape %v (%d elements) to %v", t.shape, len(t.data), shape)
	}
	return &Tensor{
		shape:   shape.Clone(),
		strides: shape.ComputeStrides(),
		data:    t.data,
	}, nil
}

// ExpandDims inserts a leading axis of size 1 (a batch of one).
func (t *Tensor) ExpandDims() *Tensor {
	shape := append(Shape{1}, t.shape...)
	v, _ := t.Reshape(shape) // same element count, cannot fail
	return v
}

// Argmax returns the flat index of the largest element.
// Ties resolve to the lowest index; NaN entries never win.
func (t *Tensor) Argmax() int {
	best := -1
	for i, v := range t.data {
		if v != v { // NaN
			continue
		}
		if best < 0 || v > t.data[best] {
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// Max returns the largest element.
func (t *Tensor) Max() float32 {
	return t.data[t.Argmax()]
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", []int(t.shape))
}
