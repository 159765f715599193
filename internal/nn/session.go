package nn

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/autodiff"
	"github.com/born-ml/saliency/internal/tensor"
)

// ErrTargetNotReached is returned by Trace when the forward pass never
// emitted the requested target.
var ErrTargetNotReached = errors.New("target was not reached by the forward pass")

// PathSeparator joins node names into a path.
const PathSeparator = "/"

// OutputSeparator joins a node path and one of its named outputs.
const OutputSeparator = ":"

// Session is the context of a single forward pass.
//
// It tracks the path of the node being evaluated and captures the tensor
// emitted at the target path. Until the capture nothing is recorded; from
// the capture onward every operation goes to the session's own tape. A
// Session is used by one goroutine and discarded after the pass, so no state
// leaks between explanations.
type Session struct {
	target   string
	logits   bool
	path     []string
	tape     *autodiff.Tape
	captured *tensor.Tensor
}

// NewSession creates a session tapping target. An empty target records
// nothing and is used for plain inference.
func NewSession(target string) *Session {
	return &Session{target: target}
}

// Tape returns the tape operations must be recorded on. It is nil (and
// records nothing) until the target has been captured.
func (s *Session) Tape() *autodiff.Tape {
	return s.tape
}

// Logits reports whether output softmax activations should be skipped so
// the pass yields raw class scores.
func (s *Session) Logits() bool {
	return s.logits
}

// Captured returns the tapped tensor, or nil if the target was not reached.
func (s *Session) Captured() *tensor.Tensor {
	return s.captured
}

// Path returns the path of the node currently being evaluated.
func (s *Session) Path() string {
	return strings.Join(s.path, PathSeparator)
}

// Apply evaluates l on x under l's name and offers its output for capture.
func (s *Session) Apply(l Layer, x *tensor.Tensor) (*tensor.Tensor, error) {
	s.path = append(s.path, l.Name())
	defer func() { s.path = s.path[:len(s.path)-1] }()

	y, err := l.Forward(s, x)
	if err != nil {
		return nil, errors.Wrap(err, s.Path())
	}
	s.offer(s.Path(), y)
	return y, nil
}

// Emit offers a named intermediate output of the node currently being
// evaluated for capture. MultiOutput nodes call it from Forward.
func (s *Session) Emit(output string, t *tensor.Tensor) {
	s.offer(s.Path()+OutputSeparator+output, t)
}

func (s *Session) offer(path string, t *tensor.Tensor) {
	if s.captured != nil || s.target == "" || path != s.target {
		return
	}
	s.captured = t
	s.tape = autodiff.NewTape()
	s.tape.StartRecording()
}

// pass is the Pass returned by Model.Trace.
type pass struct {
	activation *tensor.Tensor
	scores     *tensor.Tensor
	tape       *autodiff.Tape
}

func (p *pass) Activation() *tensor.Tensor { return p.activation }

func (p *pass) Scores() *tensor.Tensor { return p.scores }

func (p *pass) Gradient(class int) (*tensor.Tensor, error) {
	s := p.scores.Shape()
	if len(s) != 2 {
		return nil, errors.Errorf("class scores must be [N, K], got %v", s)
	}
	if class < 0 || class >= s[1] {
		return nil, errors.Errorf("class %d out of range [0, %d)", class, s[1])
	}

	seed := tensor.ZerosLike(p.scores)
	for b := 0; b < s[0]; b++ {
		seed.Set(1, b, class)
	}
	grads, err := p.tape.Backward(p.scores, seed)
	if err != nil {
		return nil, errors.Wrap(err, "backward pass")
	}
	g, ok := grads[p.activation]
	if !ok {
		// the scores do not depend on the tapped tensor
		return tensor.ZerosLike(p.activation), nil
	}
	return g, nil
}
