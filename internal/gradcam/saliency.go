package gradcam

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/saliency/internal/tensor"
)

// TopPrediction selects the class with the highest score.
const TopPrediction = -1

// Compute explains one image.
//
// image is [H, W, C] (or [1, H, W, C]) with pixels in [0, 255]. class is a
// class index or TopPrediction. The returned heatmap has the spatial size of
// the target activation with values in [0, 1] and a maximum of exactly 1.
func Compute(g *Graph, image *tensor.Tensor, class int) (*Heatmap, error) {
	x := image
	switch len(image.Shape()) {
	case 3:
		x = image.ExpandDims()
	case 4:
		if image.Shape()[0] != 1 {
			return nil, errors.Errorf("expected a single image, got batch shape %v", image.Shape())
		}
	default:
		return nil, errors.Errorf("expected an [H, W, C] image, got shape %v", image.Shape())
	}

	pass, err := g.Run(x)
	if err != nil {
		return nil, err
	}

	scores := pass.Scores()
	classes := scores.Shape()[1]
	row := scores.Data()[:classes]
	if class == TopPrediction {
		class = argmax(row)
	}
	if class < 0 || class >= classes {
		return nil, &IndexOutOfRangeError{Index: class, Classes: classes}
	}

	grad, err := pass.Gradient(class)
	if err != nil {
		return nil, errors.Wrapf(err, "gradient of class %d", class)
	}
	h, err := Reduce(pass.Activation(), grad, class)
	if err != nil {
		return nil, err
	}
	h.Score = row[class]
	return h, nil
}

// ChannelWeights returns the spatial mean of a [1, H, W, C] (or [H, W, C])
// gradient per channel.
func ChannelWeights(grad *tensor.Tensor) []float64 {
	s := grad.Shape()
	c := s[len(s)-1]
	w := make([]float64, c)
	for i, v := range grad.Data() {
		w[i%c] += float64(v)
	}
	n := float64(grad.NumElements() / c)
	for i := range w {
		w[i] /= n
	}
	return w
}

// Reduce turns a target activation and its gradient into a normalized
// heatmap: channel weights from the pooled gradient, the weighted channel
// sum, rectification, and division by the maximum.
//
// It fails with a *DegenerateHeatmapError when the maximum is not a positive
// finite number.
func Reduce(activation, grad *tensor.Tensor, class int) (*Heatmap, error) {
	as := activation.Shape()
	if !as.Equal(grad.Shape()) {
		return nil, errors.Errorf("activation shape %v does not match gradient shape %v", as, grad.Shape())
	}
	if len(as) == 4 {
		if as[0] != 1 {
			return nil, errors.Errorf("expected a single activation, got shape %v", as)
		}
		as = as[1:]
	}
	if len(as) != 3 {
		return nil, errors.Errorf("target activation must be spatial [H, W, C], got shape %v", activation.Shape())
	}
	height, width, channels := as[0], as[1], as[2]

	weights := mat.NewVecDense(channels, ChannelWeights(grad))
	act := mat.NewDense(height*width, channels, toFloat64(activation.Data()))
	var cam mat.VecDense
	cam.MulVec(act, weights)

	values := make([]float64, height*width)
	peak := 0.0
	for i := range values {
		v := cam.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &DegenerateHeatmapError{Class: class, Max: v}
		}
		v = math.Max(v, 0)
		values[i] = v
		peak = math.Max(peak, v)
	}
	if peak == 0 {
		return nil, &DegenerateHeatmapError{Class: class, Max: peak}
	}
	for i := range values {
		values[i] /= peak
	}

	return &Heatmap{Height: height, Width: width, Values: values, Class: class}, nil
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

// argmax returns the lowest index of the largest value.
func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
