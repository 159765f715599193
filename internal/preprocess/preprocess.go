// Package preprocess implements the pixel preprocessing modes applied in
// front of a classifier before the forward pass.
//
// Inputs are NHWC float32 batches with pixels in [0, 255]. Every function
// returns a new tensor and leaves its input untouched.
package preprocess

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/saliency/internal/tensor"
)

// Mode names a preprocessing scheme.
type Mode string

// Supported modes.
const (
	// Native defers to the model's own declared preprocessing.
	Native Mode = ""
	// Centering subtracts the per-channel dataset mean.
	Centering Mode = "centering"
	// SampleWiseScaling standardizes each sample by its own mean and std.
	SampleWiseScaling Mode = "sample_wise_scaling"
	// ScaleStd standardizes by the per-channel dataset mean and std.
	ScaleStd Mode = "scale_std"
	// Caffe converts RGB to BGR and subtracts the ImageNet BGR means.
	Caffe Mode = "caffe"
	// TF scales pixels to [-1, 1].
	TF Mode = "tf"
	// Torch scales to [0, 1] and standardizes with the ImageNet statistics.
	Torch Mode = "torch"
	// None passes pixels through unchanged.
	None Mode = "none"
)

// ErrUnknownMode is returned for a Mode outside the supported set.
var ErrUnknownMode = errors.New("unknown preprocessing mode")

// ErrMissingStats is returned when a dataset-statistics mode has no stats.
var ErrMissingStats = errors.New("preprocessing mode requires dataset statistics")

var (
	caffeMeanBGR = []float32{103.939, 116.779, 123.68}
	torchMean    = []float32{0.485, 0.456, 0.406}
	torchStd     = []float32{0.229, 0.224, 0.225}
)

// sampleEpsilon guards the per-sample standard deviation of a flat image.
const sampleEpsilon = 1e-7

// Modes lists every concrete (non-native) mode.
func Modes() []Mode {
	return []Mode{Centering, SampleWiseScaling, ScaleStd, Caffe, TF, Torch, None}
}

// Valid reports whether m is Native or one of Modes.
func (m Mode) Valid() bool {
	if m == Native {
		return true
	}
	for _, k := range Modes() {
		if m == k {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == Native {
		return "native"
	}
	return string(m)
}

// ParseMode converts a configuration string to a Mode. "native" and the
// empty string both select Native.
func ParseMode(s string) (Mode, error) {
	if s == "native" {
		return Native, nil
	}
	m := Mode(s)
	if !m.Valid() {
		return Native, errors.Wrapf(ErrUnknownMode, "%q", s)
	}
	return m, nil
}

// Stats holds per-channel dataset statistics in pixel units.
// A single value is broadcast to every channel.
type Stats struct {
	Mean []float32 `yaml:"mean" json:"mean"`
	Std  []float32 `yaml:"std" json:"std"`
}

// Empty reports whether no statistics are set.
func (s Stats) Empty() bool {
	return len(s.Mean) == 0 && len(s.Std) == 0
}

func (s Stats) channel(values []float32, c int) float32 {
	if len(values) == 1 {
		return values[0]
	}
	return values[c]
}

func (s Stats) check(channels int, needStd bool) error {
	if len(s.Mean) == 0 || (needStd && len(s.Std) == 0) {
		return ErrMissingStats
	}
	if len(s.Mean) != 1 && len(s.Mean) != channels {
		return errors.Errorf("dataset mean has %d values for %d channels", len(s.Mean), channels)
	}
	if needStd {
		if len(s.Std) != 1 && len(s.Std) != channels {
			return errors.Errorf("dataset std has %d values for %d channels", len(s.Std), channels)
		}
		for _, v := range s.Std {
			if v <= 0 {
				return errors.Errorf("dataset std must be positive, got %v", v)
			}
		}
	}
	return nil
}

// ComputeStats returns the per-channel mean and standard deviation of a set
// of [H,W,C] or [N,H,W,C] images.
func ComputeStats(images ...*tensor.Tensor) (Stats, error) {
	if len(images) == 0 {
		return Stats{}, errors.New("no images to compute statistics from")
	}
	s := images[0].Shape()
	c := s[len(s)-1]
	sum := make([]float64, c)
	sq := make([]float64, c)
	count := 0
	for _, img := range images {
		is := img.Shape()
		if is[len(is)-1] != c {
			return Stats{}, errors.Errorf("image shape %v has %d channels, expected %d", is, is[len(is)-1], c)
		}
		for i, v := range img.Data() {
			sum[i%c] += float64(v)
			sq[i%c] += float64(v) * float64(v)
		}
		count += img.NumElements() / c
	}
	st := Stats{Mean: make([]float32, c), Std: make([]float32, c)}
	for ch := 0; ch < c; ch++ {
		mean := sum[ch] / float64(count)
		variance := math.Max(sq[ch]/float64(count)-mean*mean, 0)
		st.Mean[ch] = float32(mean)
		st.Std[ch] = float32(math.Sqrt(variance))
	}
	return st, nil
}

// Func preprocesses a batch.
type Func func(x *tensor.Tensor) (*tensor.Tensor, error)

// For returns the preprocessing function of a concrete mode. Dataset
// statistics are only consulted by Centering and ScaleStd.
func For(m Mode, stats Stats) (Func, error) {
	switch m {
	case Centering:
		return func(x *tensor.Tensor) (*tensor.Tensor, error) {
			if err := stats.check(channels(x), false); err != nil {
				return nil, errors.Wrap(err, string(m))
			}
			return perChannel(x, func(v float32, c int) float32 {
				return v - stats.channel(stats.Mean, c)
			}), nil
		}, nil
	case ScaleStd:
		return func(x *tensor.Tensor) (*tensor.Tensor, error) {
			if err := stats.check(channels(x), true); err != nil {
				return nil, errors.Wrap(err, string(m))
			}
			return perChannel(x, func(v float32, c int) float32 {
				return (v - stats.channel(stats.Mean, c)) / stats.channel(stats.Std, c)
			}), nil
		}, nil
	case SampleWiseScaling:
		return sampleWise, nil
	case Caffe:
		return caffe, nil
	case TF:
		return func(x *tensor.Tensor) (*tensor.Tensor, error) {
			return perChannel(x, func(v float32, _ int) float32 { return v/127.5 - 1 }), nil
		}, nil
	case Torch:
		return func(x *tensor.Tensor) (*tensor.Tensor, error) {
			if channels(x) != 3 {
				return nil, errors.Errorf("torch preprocessing expects 3 channels, got shape %v", x.Shape())
			}
			return perChannel(x, func(v float32, c int) float32 {
				return (v/255 - torchMean[c]) / torchStd[c]
			}), nil
		}, nil
	case None:
		return Identity, nil
	case Native:
		return nil, errors.New("native mode has no standalone preprocessing function")
	default:
		return nil, errors.Wrapf(ErrUnknownMode, "%q", string(m))
	}
}

// Identity returns a copy of x.
func Identity(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Clone(), nil
}

func channels(x *tensor.Tensor) int {
	s := x.Shape()
	if len(s) == 0 {
		return 1
	}
	return s[len(s)-1]
}

func perChannel(x *tensor.Tensor, f func(v float32, c int) float32) *tensor.Tensor {
	out := tensor.ZerosLike(x)
	c := channels(x)
	od := out.Data()
	for i, v := range x.Data() {
		od[i] = f(v, i%c)
	}
	return out
}

// sampleWise standardizes every sample of the batch independently.
func sampleWise(x *tensor.Tensor) (*tensor.Tensor, error) {
	s := x.Shape()
	if len(s) < 2 {
		return nil, errors.Errorf("sample-wise scaling expects a batch, got shape %v", s)
	}
	out := tensor.ZerosLike(x)
	per := x.NumElements() / s[0]
	xd, od := x.Data(), out.Data()
	for b := 0; b < s[0]; b++ {
		sample := xd[b*per : (b+1)*per]
		var sum, sq float64
		for _, v := range sample {
			sum += float64(v)
			sq += float64(v) * float64(v)
		}
		mean := sum / float64(per)
		std := math.Sqrt(math.Max(sq/float64(per)-mean*mean, 0)) + sampleEpsilon
		for i, v := range sample {
			od[b*per+i] = float32((float64(v) - mean) / std)
		}
	}
	return out, nil
}

// caffe flips RGB to BGR and subtracts the ImageNet channel means.
func caffe(x *tensor.Tensor) (*tensor.Tensor, error) {
	if channels(x) != 3 {
		return nil, errors.Errorf("caffe preprocessing expects 3 channels, got shape %v", x.Shape())
	}
	out := tensor.ZerosLike(x)
	xd, od := x.Data(), out.Data()
	for i := 0; i < len(xd); i += 3 {
		od[i] = xd[i+2] - caffeMeanBGR[0]
		od[i+1] = xd[i+1] - caffeMeanBGR[1]
		od[i+2] = xd[i] - caffeMeanBGR[2]
	}
	return out, nil
}
