package render

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

// keypoint is a colour at a position of a gradient.
type keypoint struct {
	Col colorful.Color
	Pos float64
}

// jetKeypoints lists every breakpoint of the jet ramp. All three channels
// are linear between consecutive keypoints, so blending neighbours in RGB
// reproduces the ramp exactly.
var jetKeypoints = []keypoint{
	{colorful.Color{R: 0, G: 0, B: 0.5}, 0},
	{colorful.Color{R: 0, G: 0, B: 1}, 0.11},
	{colorful.Color{R: 0, G: 0, B: 1}, 0.125},
	{colorful.Color{R: 0, G: 0.86, B: 1}, 0.34},
	{colorful.Color{R: 0, G: 0.9, B: 0.967741935483871}, 0.35},
	{colorful.Color{R: 0.0806451612903226, G: 1, B: 0.8870967741935484}, 0.375},
	{colorful.Color{R: 0.935483870967742, G: 1, B: 0.032258064516129}, 0.64},
	{colorful.Color{R: 0.967741935483871, G: 0.962962962962963, B: 0}, 0.65},
	{colorful.Color{R: 1, G: 0.925925925925926, B: 0}, 0.66},
	{colorful.Color{R: 1, G: 0.074074074074074, B: 0}, 0.89},
	{colorful.Color{R: 0.909090909090909, G: 0, B: 0}, 0.91},
	{colorful.Color{R: 0.5, G: 0, B: 0}, 1},
}

// interpolate returns the colour at t in [0, 1].
func interpolate(kps []keypoint, t float64) colorful.Color {
	for i := 0; i < len(kps)-1; i++ {
		c1, c2 := kps[i], kps[i+1]
		if c1.Pos <= t && t <= c2.Pos {
			t = (t - c1.Pos) / (c2.Pos - c1.Pos)
			return c1.Col.BlendRgb(c2.Col, t).Clamped()
		}
	}
	return kps[len(kps)-1].Col
}

// Colormap maps an 8-bit index to a colour.
type Colormap [256]color.RGBA

// Jet is the 256-entry jet lookup table.
var Jet = buildColormap(jetKeypoints)

func buildColormap(kps []keypoint) *Colormap {
	var cm Colormap
	for i := range cm {
		r, g, b := interpolate(kps, float64(i)/255).RGB255()
		cm[i] = color.RGBA{R: r, G: g, B: b, A: 0xff}
	}
	return &cm
}

// Index returns the table index of a heatmap value in [0, 1].
func Index(v float64) uint8 {
	switch {
	case v <= 0 || v != v:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(255 * v)
}
