package loader

import (
	"strings"
)

// WeightMapper maps names found in a weights file to state dict keys
// ("<node path>/<param>").
type WeightMapper interface {
	// MapName converts a file tensor name to a state dict key. An empty
	// result skips the tensor.
	MapName(name string) string
}

// KerasMapper maps weight names exported from Keras models.
//
// Keras format:
//   - densenet201/conv1/conv/kernel:0 -> densenet201/conv1/conv/kernel
//   - block1_conv1.kernel              -> block1_conv1/kernel
//   - optimizer/...                    -> skipped
//
// A non-empty Prefix is stripped from every name, for files exported from a
// model whose root name became part of the key.
type KerasMapper struct {
	Prefix string
}

// MapName implements WeightMapper.
func (m KerasMapper) MapName(name string) string {
	if strings.HasPrefix(name, "optimizer/") || strings.HasPrefix(name, "optimizer.") {
		return ""
	}
	name = strings.TrimSuffix(name, ":0")
	if m.Prefix != "" {
		name = strings.TrimPrefix(strings.TrimPrefix(name, m.Prefix), "/")
	}
	if !strings.Contains(name, "/") {
		if i := strings.LastIndex(name, "."); i > 0 {
			name = name[:i] + "/" + name[i+1:]
		}
	}
	return name
}
