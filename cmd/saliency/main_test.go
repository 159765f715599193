package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/saliency/internal/loader"
	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/pipeline"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeSamples(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 24, 20))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p] = uint8(p * (i + 3) % 251)
			img.Pix[p+1] = uint8(p * (i + 7) % 241)
			img.Pix[p+2] = uint8(p % 199)
			img.Pix[p+3] = 0xff
		}
		img.Set(i, i, color.White)
		f, err := os.Create(filepath.Join(dir, "ISIC_"+string(rune('a'+i))+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestArchsCmd(t *testing.T) {
	out, err := execute(t, "archs")
	require.NoError(t, err)
	assert.Contains(t, out, "block5_conv3")
	assert.Contains(t, out, "conv5_block32_2_conv")

	out, err = execute(t, "archs", "scra_VGG16_poly", "FooNetXYZ")
	assert.Error(t, err)
	assert.Contains(t, out, "unknown_architecture")
}

// positiveManifest writes a copy of the baseline manifest named name whose
// weights are all positive. Scores then grow with every activation of the
// target layer, so no heatmap is degenerate.
func positiveManifest(t *testing.T, dir, name string) string {
	t.Helper()
	src := "../../internal/loader/testdata/generic.yaml"
	model, _, err := loader.Load(src)
	require.NoError(t, err)
	state := nn.StateDict(model)
	for _, p := range state {
		data := p.Data()
		for i, v := range data {
			data[i] = 0.01 + 0.1*float32(math.Abs(float64(v)))
		}
	}
	require.NoError(t, loader.WriteSafeTensors(filepath.Join(dir, name+".safetensors"), state, nil))

	raw, err := os.ReadFile(src)
	require.NoError(t, err)
	text := strings.Replace(string(raw), "name: baseline_cnn", "name: "+name, 1)
	text += "weights: " + name + ".safetensors\n"
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

// explainArgs returns explain arguments for one positive model per name over
// four generated samples, tracked in a fresh database, and the output
// directory.
func explainArgs(t *testing.T, names ...string) ([]string, string) {
	t.Helper()
	samples := t.TempDir()
	writeSamples(t, samples, 4)
	models := t.TempDir()
	out := filepath.Join(t.TempDir(), "metrics")
	db := filepath.Join(t.TempDir(), "tracker.db")

	cfgPath := filepath.Join(t.TempDir(), "saliency.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("tracking: {database: "+db+"}\n"), 0o600))

	args := []string{"explain"}
	for _, name := range names {
		args = append(args, positiveManifest(t, models, name))
	}
	args = append(args, "--config", cfgPath, "--samples-dir", samples, "--out", out,
		"--samples", "3", "--workers", "2", "--track")
	return args, out
}

// selectedIDs mirrors the seeded selection of three of the four samples.
func selectedIDs() []string {
	var ids []string
	for _, i := range pipeline.SelectSamples(4, 3, 42) {
		ids = append(ids, "ISIC_"+string(rune('a'+i)))
	}
	return ids
}

func overlayFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "img_*.jpg"))
	require.NoError(t, err)
	var ids []string
	for _, f := range files {
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), "img_"), ".jpg"))
	}
	return ids
}

func TestExplainCmd(t *testing.T) {
	args, out := explainArgs(t, "baseline_cnn")
	stdout, err := execute(t, args...)
	require.NoError(t, err)

	var reports []pipeline.Report
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.Equal(t, "baseline_cnn", rep.Model)
	assert.Equal(t, "last_conv", rep.Target)
	assert.Equal(t, 3, rep.Requested)
	assert.Equal(t, 3, rep.Succeeded)
	assert.Empty(t, rep.Failures)

	assert.ElementsMatch(t, selectedIDs(), overlayFiles(t, filepath.Join(out, "baseline_cnn")))
}

func TestExplainCmd_SeveralModels(t *testing.T) {
	args, out := explainArgs(t, "baseline_cnn", "lesion_cnn")
	stdout, err := execute(t, args...)
	require.NoError(t, err)

	var reports []pipeline.Report
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 2)
	for _, rep := range reports {
		assert.Equal(t, 3, rep.Succeeded, rep.Model)
		assert.Empty(t, rep.Failures, rep.Model)
		assert.ElementsMatch(t, selectedIDs(), overlayFiles(t, filepath.Join(out, rep.Model)), rep.Model)
	}
	assert.Equal(t, "baseline_cnn", reports[0].Model)
	assert.Equal(t, "lesion_cnn", reports[1].Model)

	all, err := filepath.Glob(filepath.Join(out, "*", "img_*.jpg"))
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestExplainCmd_DuplicateModelName(t *testing.T) {
	args, out := explainArgs(t, "baseline_cnn", "baseline_cnn")
	stdout, err := execute(t, args...)
	require.Error(t, err)

	var reports []pipeline.Report
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 1)
	assert.ElementsMatch(t, selectedIDs(), overlayFiles(t, filepath.Join(out, "baseline_cnn")))
}

func TestWatchFilter(t *testing.T) {
	dir := t.TempDir()
	accept := watchFilter(filepath.Join(dir, "metrics"))

	assert.True(t, accept(filepath.Join(dir, "ISIC_1.jpg")))
	assert.True(t, accept(filepath.Join(dir, "metricsX", "ISIC_1.jpg")))
	assert.False(t, accept(filepath.Join(dir, "labels.csv")))
	assert.False(t, accept(filepath.Join(dir, "metrics", "img_ISIC_1.jpg")))
	assert.False(t, accept(filepath.Join(dir, "metrics", "baseline_cnn", "img_ISIC_1.jpg")))

	same := watchFilter(dir)
	assert.False(t, same(filepath.Join(dir, "img_ISIC_1.jpg")))
}

func TestWeightsCmd(t *testing.T) {
	manifest := "../../internal/loader/testdata/vgg16.yaml"
	path := filepath.Join(t.TempDir(), "vgg16.safetensors")

	out, err := execute(t, "weights", "export", manifest, path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	r, err := loader.NewSafeTensorsReader(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "VGG16_poly", r.Metadata()["architecture"])
	assert.Contains(t, r.TensorNames(), "vgg16/block5_conv3/kernel")

	out, err = execute(t, "weights", "list", path)
	require.NoError(t, err)
	assert.Contains(t, out, "vgg16/block5_conv3/bias")
}
