package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/born-ml/saliency/internal/config"
)

func TestNew_ConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "saliency.log")
	var buf bytes.Buffer

	logger, err := NewWithWriter(config.Log{Level: "info", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("explained samples", zap.String("model", "vgg16"), zap.Int("succeeded", 4))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "explained samples")
	assert.NotContains(t, out, "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "vgg16", entry["model"])
	assert.Equal(t, float64(4), entry["succeeded"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.Log{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Debug("tapped", zap.String("target", "block5_conv3"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "block5_conv3", entry["target"])
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(config.Log{Level: "loud"})
	assert.Error(t, err)
	_, err = New(config.Log{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
