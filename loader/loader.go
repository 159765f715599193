// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loader builds classifiers from YAML manifests and reads and writes
// their weights as SafeTensors.
//
// Example usage:
//
//	model, manifest, err := loader.Load("models/densenet201.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%s (%s), input %v\n", manifest.Name, manifest.Architecture, manifest.Input)
//
//	// Export the parameters, e.g. after building with a fixed seed.
//	err = loader.WriteSafeTensors("densenet201.safetensors", nn.StateDict(model), nil)
package loader

import (
	"github.com/born-ml/saliency/internal/loader"
	"github.com/born-ml/saliency/nn"
)

// Manifest describes a classifier: its architecture identifier, input
// size, preprocessing and layer tree.
type Manifest = loader.Manifest

// LayerSpec describes one node of a manifest layer tree.
type LayerSpec = loader.LayerSpec

// WeightMapper maps tensor names found in a weights file to state dict
// keys.
type WeightMapper = loader.WeightMapper

// KerasMapper maps weight names exported from Keras models.
type KerasMapper = loader.KerasMapper

// SafeTensorsReader reads tensors from a SafeTensors file.
type SafeTensorsReader = loader.SafeTensorsReader

// SafeTensorInfo describes one tensor of a SafeTensors file.
type SafeTensorInfo = loader.SafeTensorInfo

// Load reads a manifest, builds its model and loads its weights file, if
// the manifest names one.
func Load(path string) (*nn.Model, *Manifest, error) {
	return loader.Load(path)
}

// ReadManifest parses a manifest file without building the model.
func ReadManifest(path string) (*Manifest, error) {
	return loader.ReadManifest(path)
}

// ParseManifest parses manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	return loader.ParseManifest(data)
}

// LoadWeights fills the parameters of model from a SafeTensors file.
func LoadWeights(model nn.Container, path string, mapper WeightMapper) error {
	return loader.LoadWeights(model, path, mapper)
}

// OpenSafeTensors opens a SafeTensors file for reading.
func OpenSafeTensors(path string) (*SafeTensorsReader, error) {
	return loader.NewSafeTensorsReader(path)
}

// WriteSafeTensors writes float32 tensors and string metadata to path.
func WriteSafeTensors(path string, tensors map[string]*nn.Tensor, metadata map[string]string) error {
	return loader.WriteSafeTensors(path, tensors, metadata)
}
