package nn

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/tensor"
)

// SkipChildren may be returned by a WalkFunc to skip the children of the
// node being visited.
var SkipChildren = errors.New("skip children")

// WalkFunc is called for every node below the walk root with the node's
// path relative to the root.
type WalkFunc func(path string, n Node) error

// Walk visits every descendant of root depth-first, in forward order.
// The root itself is not visited.
func Walk(root Container, fn WalkFunc) error {
	return walk("", root, fn)
}

func walk(prefix string, c Container, fn WalkFunc) error {
	for _, child := range c.Children() {
		path := child.Name()
		if prefix != "" {
			path = prefix + PathSeparator + path
		}
		err := fn(path, child)
		if errors.Is(err, SkipChildren) {
			continue
		}
		if err != nil {
			return err
		}
		if sub, ok := child.(Container); ok {
			if err := walk(path, sub, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// StateDict returns every parameter under root keyed "<node path>/<param>".
func StateDict(root Container) map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	_ = Walk(root, func(path string, n Node) error {
		if p, ok := n.(Parameterized); ok {
			for name, t := range p.Params() {
				state[path+PathSeparator+name] = t
			}
		}
		return nil
	})
	return state
}

// LoadStateDict copies values into the parameters of root.
//
// Every parameter of root must be present with a matching shape; extra
// entries are reported as an error too, so a weights file built for another
// architecture never loads silently.
func LoadStateDict(root Container, values map[string]*tensor.Tensor) error {
	state := StateDict(root)

	var missing, unexpected []string
	for key := range state {
		if _, ok := values[key]; !ok {
			missing = append(missing, key)
		}
	}
	for key := range values {
		if _, ok := state[key]; !ok {
			unexpected = append(unexpected, key)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(missing)
		sort.Strings(unexpected)
		return errors.Errorf("state dict mismatch: missing %v, unexpected %v", missing, unexpected)
	}

	for key, dst := range state {
		src := values[key]
		if !src.Shape().Equal(dst.Shape()) {
			return errors.Errorf("parameter %s: shape %v, expected %v", key, src.Shape(), dst.Shape())
		}
		copy(dst.Data(), src.Data())
	}
	return nil
}
