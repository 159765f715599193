package gradcam

// Heatmap is a normalized class-activation map at target-layer resolution.
//
// Values are row-major, all in [0, 1], with a maximum of 1.
type Heatmap struct {
	Height int
	Width  int
	Values []float64

	// Class is the explained class index.
	Class int
	// Score is the raw class score (logit) of the explained class.
	Score float32
}

// At returns the value at row y, column x.
func (h *Heatmap) At(y, x int) float64 {
	return h.Values[y*h.Width+x]
}

// Max returns the largest value.
func (h *Heatmap) Max() float64 {
	m := 0.0
	for _, v := range h.Values {
		if v > m {
			m = v
		}
	}
	return m
}
