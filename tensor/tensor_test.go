// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/saliency/tensor"
)

func TestPublicAPI(t *testing.T) {
	x, err := tensor.FromSlice([]float32{1, 5, 3, 2, 4, 0}, tensor.Shape{2, 3})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, x.Shape())
	assert.Equal(t, float32(4), x.At(1, 1))
	assert.Equal(t, float32(5), x.Max())

	batch := tensor.Full(tensor.Shape{4, 4, 3}, 2).ExpandDims()
	assert.Equal(t, tensor.Shape{1, 4, 4, 3}, batch.Shape())

	_, err = tensor.New(tensor.Shape{2, 0})
	assert.Error(t, err)
	_, err = tensor.FromSlice([]float32{1, 2}, tensor.Shape{3})
	assert.Error(t, err)
}
