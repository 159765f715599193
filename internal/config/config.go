// Package config loads the saliency configuration: a YAML file validated
// against an embedded JSON schema and layered over built-in defaults.
package config

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/saliency/internal/gradcam"
	"github.com/born-ml/saliency/internal/preprocess"
	"github.com/born-ml/saliency/internal/publish"
	"github.com/born-ml/saliency/internal/render"
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

// Config is the full configuration.
type Config struct {
	Log      Log      `yaml:"log"`
	Run      Run      `yaml:"run"`
	Registry Registry `yaml:"registry"`
	Publish  Publish  `yaml:"publish"`
	Tracking Tracking `yaml:"tracking"`
	Watch    Watch    `yaml:"watch"`
	Models   []Model  `yaml:"models"`
}

// Log configures logging.
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"` // rotated JSON log; empty disables
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Run configures a batch of explanations.
type Run struct {
	Samples            int     `yaml:"samples"`
	Seed               int64   `yaml:"seed"`
	Alpha              float64 `yaml:"alpha"`
	Class              int     `yaml:"class"`
	Workers            int     `yaml:"workers"`
	SerializeInference bool    `yaml:"serialize_inference"`
	Interpolation      string  `yaml:"interpolation"`
}

// Registry extends the built-in architecture registry.
type Registry struct {
	FallbackLayer string                             `yaml:"fallback_layer"`
	Variants      map[string]gradcam.TargetLayerSpec `yaml:"variants"`
}

// Publish configures overlay files.
type Publish struct {
	Dir     string        `yaml:"dir"`
	Format  string        `yaml:"format"`
	Quality int           `yaml:"quality"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// Tracking configures the experiment tracker table sink.
type Tracking struct {
	Enabled  bool   `yaml:"enabled"`
	Database string `yaml:"database"`
	Project  string `yaml:"project"`
}

// Watch configures directory watch mode.
type Watch struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Model is a model to explain.
type Model struct {
	Name       string `yaml:"name"`
	Manifest   string `yaml:"manifest"`
	Variant    string `yaml:"variant"` // overrides the manifest architecture
	SamplesDir string `yaml:"samples_dir"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info", Format: "console", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28, Compress: true},
		Run: Run{
			Samples:       10,
			Seed:          42,
			Alpha:         render.DefaultAlpha,
			Class:         gradcam.TopPrediction,
			Interpolation: "bilinear",
		},
		Publish: Publish{
			Dir:     "metrics",
			Format:  string(publish.JPEG),
			Quality: publish.DefaultQuality,
			Retries: publish.DefaultRetries,
			Backoff: publish.DefaultBackoff,
		},
		Tracking: Tracking{Database: filepath.Join("metrics", "tracker.db"), Project: "saliency"},
		Watch:    Watch{Debounce: 500 * time.Millisecond},
	}
}

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(schemaURL)
}

// Parse validates YAML data against the schema and decodes it over the
// defaults.
func Parse(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "config: invalid YAML")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := schema.Validate(raw); err != nil {
		return nil, errors.Wrap(err, "config: validation failed")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAndValidate reads and validates the configuration file at path.
// Relative manifest and sample paths are resolved against its directory.
func LoadAndValidate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	dir := filepath.Dir(path)
	for i := range cfg.Models {
		cfg.Models[i].Manifest = resolvePath(dir, cfg.Models[i].Manifest)
		cfg.Models[i].SamplesDir = resolvePath(dir, cfg.Models[i].SamplesDir)
	}
	return cfg, nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	if _, err := render.ParseInterpolator(c.Run.Interpolation); err != nil {
		return errors.Wrap(err, "config: run.interpolation")
	}
	if _, err := c.NewRegistry(); err != nil {
		return errors.Wrap(err, "config: registry")
	}
	if c.Tracking.Enabled && c.Tracking.Database == "" {
		return errors.New("config: tracking enabled without a database")
	}
	return nil
}

// NewRegistry builds the architecture registry: built-in entries plus
// configured variants and fallback.
func (c *Config) NewRegistry() (*gradcam.Registry, error) {
	var opts []gradcam.RegistryOption
	for name, spec := range c.Registry.Variants {
		mode, err := preprocess.ParseMode(string(spec.Preprocessing))
		if err != nil {
			return nil, errors.Wrapf(err, "variant %s", name)
		}
		spec.Preprocessing = mode
		opts = append(opts, gradcam.WithEntry(gradcam.Variant(name), spec))
	}
	if c.Registry.FallbackLayer != "" {
		opts = append(opts, gradcam.WithFallbackLayer(c.Registry.FallbackLayer))
	}
	return gradcam.NewRegistry(opts...)
}

// PublishOptions converts the publish section.
func (c *Config) PublishOptions() publish.Options {
	return publish.Options{
		Dir:     c.Publish.Dir,
		Format:  publish.Format(c.Publish.Format),
		Quality: c.Publish.Quality,
		Retries: c.Publish.Retries,
		Backoff: c.Publish.Backoff,
	}
}
