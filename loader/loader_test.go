// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package loader_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/saliency/loader"
	"github.com/born-ml/saliency/nn"
)

func TestLoadRoundTrip(t *testing.T) {
	model, m, err := loader.Load("../internal/loader/testdata/generic.yaml")
	require.NoError(t, err)
	assert.Equal(t, "baseline_cnn", m.Name)
	assert.Equal(t, []int{16, 16, 3}, m.Input)

	path := filepath.Join(t.TempDir(), "baseline.safetensors")
	state := nn.StateDict(model)
	require.NoError(t, loader.WriteSafeTensors(path, state, map[string]string{"name": m.Name}))

	r, err := loader.OpenSafeTensors(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Len(t, r.TensorNames(), len(state))
	assert.Equal(t, m.Name, r.Metadata()["name"])

	fresh, err := m.Build()
	require.NoError(t, err)
	require.NoError(t, loader.LoadWeights(fresh, path, loader.KerasMapper{}))
	assert.Equal(t, state["last_conv/kernel"].Data(), nn.StateDict(fresh)["last_conv/kernel"].Data())
}
