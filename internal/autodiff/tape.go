package autodiff

import (
	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/tensor"
)

// Tape records operations during the forward pass and computes gradients
// during the backward pass using reverse-mode automatic differentiation.
//
// Usage:
//
//	tape := autodiff.NewTape()
//	tape.StartRecording()
//	y := autodiff.ReLU(tape, x)
//	grads, err := tape.Backward(y, seed)
//
// A nil *Tape is valid and records nothing, so inference code paths can pass
// nil instead of branching.
type Tape struct {
	operations []Operation // Recorded operations (in execution order)
	recording  bool        // Whether tape is currently recording
}

// NewTape creates a new, idle gradient tape.
func NewTape() *Tape {
	return &Tape{
		operations: make([]Operation, 0, 64),
	}
}

// StartRecording enables operation recording.
func (t *Tape) StartRecording() {
	if t != nil {
		t.recording = true
	}
}

// StopRecording disables operation recording.
func (t *Tape) StopRecording() {
	if t != nil {
		t.recording = false
	}
}

// IsRecording returns true if the tape is currently recording operations.
func (t *Tape) IsRecording() bool {
	return t != nil && t.recording
}

// Record adds an operation to the tape.
// Only records if the tape is currently recording.
func (t *Tape) Record(op Operation) {
	if t.IsRecording() {
		t.operations = append(t.operations, op)
	}
}

// NumOps returns the number of recorded operations.
func (t *Tape) NumOps() int {
	if t == nil {
		return 0
	}
	return len(t.operations)
}

// Clear resets the tape, removing all recorded operations.
// Recording state is preserved.
func (t *Tape) Clear() {
	if t != nil {
		t.operations = t.operations[:0]
	}
}

// Backward propagates seed (the gradient of some scalar w.r.t. output) through
// the recorded operations in reverse order.
//
// Algorithm:
//  1. Seed the gradient of output
//  2. Walk operations in reverse order
//  3. For each operation whose output has a gradient, compute input gradients
//  4. Accumulate gradients when the same tensor feeds several operations
//
// The tape is left intact, so Backward can be called again with another seed.
// Returns a map from tensor to its accumulated gradient.
func (t *Tape) Backward(output, seed *tensor.Tensor) (map[*tensor.Tensor]*tensor.Tensor, error) {
	if !output.Shape().Equal(seed.Shape()) {
		return nil, errors.Errorf("seed shape %v does not match output shape %v", seed.Shape(), output.Shape())
	}

	grads := map[*tensor.Tensor]*tensor.Tensor{output: seed}
	if t == nil {
		return grads, nil
	}

	// Stop recording during backward pass so gradient math is not taped.
	wasRecording := t.recording
	t.recording = false
	defer func() {
		t.recording = wasRecording
	}()

	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		outGrad, ok := grads[op.Output()]
		if !ok {
			continue
		}
		inputGrads := op.Backward(outGrad)
		if err := accumulate(grads, op.Inputs(), inputGrads); err != nil {
			return nil, errors.Wrapf(err, "backward through %s", op.Name())
		}
	}

	return grads, nil
}

// accumulate adds each input gradient into the running gradient map.
func accumulate(grads map[*tensor.Tensor]*tensor.Tensor, inputs, inputGrads []*tensor.Tensor) error {
	for j, input := range inputs {
		if j >= len(inputGrads) {
			break
		}
		g := inputGrads[j]
		if g == nil {
			continue
		}
		if !g.Shape().Equal(input.Shape()) {
			return errors.Errorf("gradient shape %v does not match input shape %v", g.Shape(), input.Shape())
		}
		existing, ok := grads[input]
		if !ok {
			grads[input] = g
			continue
		}
		// Never mutate a gradient in place: it may be shared with another entry.
		sum := existing.Clone()
		sd, gd := sum.Data(), g.Data()
		for k := range sd {
			sd[k] += gd[k]
		}
		grads[input] = sum
	}
	return nil
}
