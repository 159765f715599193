package loader

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/tensor"
)

func TestBuild_Testdata(t *testing.T) {
	files, err := filepath.Glob("testdata/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			model, m, err := Load(path)
			require.NoError(t, err)
			assert.NotEmpty(t, m.Architecture)

			x := tensor.Full(tensor.Shape{1, m.Input[0], m.Input[1], m.Input[2]}, 128)
			px, err := model.Preprocess(x)
			require.NoError(t, err)
			probs, err := model.Predict(px)
			require.NoError(t, err)
			require.Len(t, probs.Shape(), 2)

			var sum float32
			for _, v := range probs.Data() {
				sum += v
			}
			assert.InDelta(t, 1, sum, 1e-4)
		})
	}
}

func TestBuild_Deterministic(t *testing.T) {
	m, err := ReadManifest("testdata/vgg16.yaml")
	require.NoError(t, err)

	a, err := m.Build()
	require.NoError(t, err)
	b, err := m.Build()
	require.NoError(t, err)

	sa, sb := nn.StateDict(a), nn.StateDict(b)
	require.Equal(t, len(sa), len(sb))
	for k, v := range sa {
		assert.Equal(t, v.Data(), sb[k].Data(), k)
	}
}

func TestBuild_GeneratedNames(t *testing.T) {
	model, _, err := Load("testdata/generic.yaml")
	require.NoError(t, err)

	var names []string
	require.NoError(t, nn.Walk(model, func(path string, _ nn.Node) error {
		names = append(names, path)
		return nil
	}))
	assert.Equal(t, []string{"conv2d", "maxpool2d", "conv2d_1", "last_conv", "flatten", "fc", "output"}, names)
}

func TestBuild_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"unknown type", `
name: bad
input: [8, 8, 3]
layers:
  - {type: lstm}
`},
		{"name with separator", `
name: bad
input: [8, 8, 3]
layers:
  - {type: conv2d, name: conv1/conv, filters: 2, kernel: 3}
  - {type: gap}
`},
		{"dense on spatial input", `
name: bad
input: [8, 8, 3]
layers:
  - {type: dense, units: 2}
`},
		{"residual channel mismatch", `
name: bad
input: [8, 8, 3]
layers:
  - type: residual
    body:
      - {type: conv2d, filters: 4, kernel: 1}
  - {type: gap}
`},
		{"spatial output", `
name: bad
input: [8, 8, 3]
layers:
  - {type: conv2d, filters: 4, kernel: 1}
`},
		{"unknown preprocessing", `
name: bad
input: [8, 8, 3]
preprocessing: zca
layers:
  - {type: gap}
`},
		{"kernel larger than input", `
name: bad
input: [2, 2, 3]
layers:
  - {type: conv2d, filters: 4, kernel: 3}
  - {type: gap}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.manifest))
			if err != nil {
				return
			}
			_, err = m.Build()
			assert.Error(t, err)
		})
	}

	_, err := ParseManifest([]byte("name: x\ninput: [8, 8]\nlayers: [{type: gap}]"))
	assert.Error(t, err)
	_, err = ParseManifest([]byte("input: [8, 8, 3]\nlayers: [{type: gap}]"))
	assert.Error(t, err)
}

func TestWeights_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := ReadManifest("testdata/resnet50v2.yaml")
	require.NoError(t, err)
	source, err := m.Build()
	require.NoError(t, err)

	// Export with Keras-style names and distinct values.
	exported := map[string]*tensor.Tensor{}
	for key, v := range nn.StateDict(source) {
		w := v.Clone()
		for i := range w.Data() {
			w.Data()[i] = float32(i%13) * 0.01
		}
		exported["transfer/"+key+":0"] = w
	}
	exported["optimizer/iterations"] = tensor.Zeros(tensor.Shape{1})
	weights := filepath.Join(dir, "resnet.safetensors")
	require.NoError(t, WriteSafeTensors(weights, exported, map[string]string{"format": "keras"}))

	data, err := os.ReadFile("testdata/resnet50v2.yaml")
	require.NoError(t, err)
	manifest := filepath.Join(dir, "resnet.yaml")
	extra := "\nweights: resnet.safetensors\nweights_prefix: transfer\n"
	require.NoError(t, os.WriteFile(manifest, append(data, extra...), 0o600))

	loaded, _, err := Load(manifest)
	require.NoError(t, err)
	for key, v := range nn.StateDict(loaded) {
		assert.Equal(t, exported["transfer/"+key+":0"].Data(), v.Data(), key)
	}

	r, err := NewSafeTensorsReader(weights)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "keras", r.Metadata()["format"])
	assert.Len(t, r.TensorNames(), len(exported))
}

func TestWeights_MissingParameter(t *testing.T) {
	dir := t.TempDir()
	m, err := ReadManifest("testdata/generic.yaml")
	require.NoError(t, err)
	model, err := m.Build()
	require.NoError(t, err)

	state := nn.StateDict(model)
	delete(state, "last_conv/kernel")
	weights := filepath.Join(dir, "w.safetensors")
	require.NoError(t, WriteSafeTensors(weights, state, nil))

	err = LoadWeights(model, weights, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last_conv/kernel")
}

// writeRaw writes a single-tensor SafeTensors file with arbitrary dtype.
func writeRaw(t *testing.T, path string, dtype SafeTensorsDType, shape []int, payload []byte) {
	t.Helper()
	header, err := json.Marshal(map[string]SafeTensorInfo{
		"w": {DType: dtype, Shape: shape, DataOffsets: [2]int64{0, int64(len(payload))}},
	})
	require.NoError(t, err)
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	require.NoError(t, os.WriteFile(path, buf, 0o600))
}

func TestLoadTensor_DTypes(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		dtype   SafeTensorsDType
		payload []byte
		want    []float32
	}{
		{SafeTensorsF16, []byte{0x00, 0x3c, 0x00, 0xc0}, []float32{1, -2}},
		{SafeTensorsBF16, []byte{0x80, 0x3f, 0x40, 0xc0}, []float32{1, -3}},
		{SafeTensorsF64, binary.LittleEndian.AppendUint64(
			binary.LittleEndian.AppendUint64(nil, math.Float64bits(0.5)), math.Float64bits(-4)), []float32{0.5, -4}},
	}
	for _, tt := range tests {
		t.Run(string(tt.dtype), func(t *testing.T) {
			path := filepath.Join(dir, string(tt.dtype)+".safetensors")
			writeRaw(t, path, tt.dtype, []int{2}, tt.payload)

			r, err := NewSafeTensorsReader(path)
			require.NoError(t, err)
			defer r.Close()

			w, err := r.LoadTensor("w")
			require.NoError(t, err)
			assert.Equal(t, tt.want, w.Data())
		})
	}

	path := filepath.Join(dir, "i32.safetensors")
	writeRaw(t, path, "I32", []int{1}, []byte{1, 0, 0, 0})
	r, err := NewSafeTensorsReader(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.LoadTensor("w")
	assert.Error(t, err)
	_, err = r.TensorInfo("missing")
	assert.Error(t, err)
}

func TestHalfToFloat32(t *testing.T) {
	assert.Equal(t, float32(0), halfToFloat32(0x0000))
	assert.Equal(t, float32(1), halfToFloat32(0x3c00))
	assert.Equal(t, float32(65504), halfToFloat32(0x7bff))
	assert.Equal(t, float32(math.Ldexp(1, -24)), halfToFloat32(0x0001))
	assert.True(t, math.IsInf(float64(halfToFloat32(0x7c00)), 1))
	assert.True(t, math.IsNaN(float64(halfToFloat32(0x7e00))))
}

func TestKerasMapper(t *testing.T) {
	tests := []struct {
		prefix, in, want string
	}{
		{"", "block1_conv1/kernel:0", "block1_conv1/kernel"},
		{"", "dense.bias", "dense/bias"},
		{"", "optimizer/iterations", ""},
		{"model", "model/vgg16/block5_conv3/kernel:0", "vgg16/block5_conv3/kernel"},
		{"", "vit/block_0/mlp_in/kernel", "vit/block_0/mlp_in/kernel"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KerasMapper{Prefix: tt.prefix}.MapName(tt.in), tt.in)
	}
}
