package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/saliency/internal/nn"
)

func TestVerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.bin")
	require.NoError(t, os.WriteFile(path, []byte("test"), 0o600))

	sum, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", sum)

	assert.NoError(t, VerifyChecksum(path, strings.ToUpper(sum)))
	err = VerifyChecksum(path, strings.Repeat("0", 64))
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	_, err = Checksum(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLoad_WeightsChecksum(t *testing.T) {
	dir := t.TempDir()
	m, err := ReadManifest("testdata/generic.yaml")
	require.NoError(t, err)
	model, err := m.Build()
	require.NoError(t, err)
	weights := filepath.Join(dir, "generic.safetensors")
	require.NoError(t, WriteSafeTensors(weights, nn.StateDict(model), nil))
	sum, err := Checksum(weights)
	require.NoError(t, err)

	data, err := os.ReadFile("testdata/generic.yaml")
	require.NoError(t, err)

	good := filepath.Join(dir, "good.yaml")
	extra := "\nweights: generic.safetensors\nweights_sha256: " + sum + "\n"
	require.NoError(t, os.WriteFile(good, append(data, extra...), 0o600))
	_, _, err = Load(good)
	require.NoError(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	extra = "\nweights: generic.safetensors\nweights_sha256: " + strings.Repeat("ab", 32) + "\n"
	require.NoError(t, os.WriteFile(bad, append(data, extra...), 0o600))
	_, _, err = Load(bad)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}
