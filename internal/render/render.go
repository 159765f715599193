// Package render draws class-activation heatmaps as false-colour overlays
// on the images they explain.
package render

import (
	"image"
	"image/color"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/born-ml/saliency/internal/gradcam"
	"github.com/born-ml/saliency/internal/tensor"
)

// DefaultAlpha is the heatmap intensity used when none is configured.
const DefaultAlpha = 0.4

// ErrAlphaRange is returned for an alpha outside [0, 1].
var ErrAlphaRange = errors.New("alpha must be in [0, 1]")

// Renderer blends colorized heatmaps over original images.
// It is stateless after construction and safe for concurrent use.
type Renderer struct {
	alpha    float32
	scaler   draw.Scaler
	colormap *Colormap
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithInterpolator sets the kernel used to resize the heatmap to the image
// size. The default is bilinear.
func WithInterpolator(k draw.Interpolator) Option {
	return func(r *Renderer) {
		r.scaler = k
	}
}

// WithColormap replaces the jet lookup table.
func WithColormap(cm *Colormap) Option {
	return func(r *Renderer) {
		r.colormap = cm
	}
}

// ParseInterpolator returns the resize kernel named by s.
func ParseInterpolator(s string) (draw.Interpolator, error) {
	switch strings.ToLower(s) {
	case "", "bilinear":
		return draw.BiLinear, nil
	case "nearest":
		return draw.NearestNeighbor, nil
	case "catmullrom":
		return draw.CatmullRom, nil
	default:
		return nil, errors.Errorf("unknown interpolation %q", s)
	}
}

// New creates a renderer blending the heatmap with the given alpha.
func New(alpha float64, opts ...Option) (*Renderer, error) {
	if alpha < 0 || alpha > 1 || alpha != alpha {
		return nil, errors.Wrapf(ErrAlphaRange, "got %v", alpha)
	}
	r := &Renderer{alpha: float32(alpha), scaler: draw.BiLinear, colormap: Jet}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Render is shorthand for New(alpha) followed by Renderer.Render.
func Render(h *gradcam.Heatmap, original *tensor.Tensor, alpha float64) (*tensor.Tensor, error) {
	r, err := New(alpha)
	if err != nil {
		return nil, err
	}
	return r.Render(h, original)
}

// Colorize maps every heatmap value through the colormap, at heatmap
// resolution.
func (r *Renderer) Colorize(h *gradcam.Heatmap) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, h.Width, h.Height))
	for y := 0; y < h.Height; y++ {
		for x := 0; x < h.Width; x++ {
			img.SetRGBA(x, y, r.colormap[Index(h.At(y, x))])
		}
	}
	return img
}

// Render returns original + alpha * colorized heatmap, clipped to [0, 255].
//
// original is [H, W, 3] with pixels in [0, 255]; the heatmap is resized to
// H x W. The result has the shape of original.
func (r *Renderer) Render(h *gradcam.Heatmap, original *tensor.Tensor) (*tensor.Tensor, error) {
	s := original.Shape()
	if len(s) != 3 || s[2] != 3 {
		return nil, errors.Errorf("expected an [H, W, 3] image, got shape %v", s)
	}
	if h.Height <= 0 || h.Width <= 0 || len(h.Values) != h.Height*h.Width {
		return nil, errors.Errorf("malformed %dx%d heatmap with %d values", h.Height, h.Width, len(h.Values))
	}
	height, width := s[0], s[1]

	jet := image.NewRGBA(image.Rect(0, 0, width, height))
	src := r.Colorize(h)
	r.scaler.Scale(jet, jet.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := tensor.ZerosLike(original)
	od, in := out.Data(), original.Data()
	for i := 0; i < height*width; i++ {
		px := jet.Pix[i*4 : i*4+3]
		for c := 0; c < 3; c++ {
			od[i*3+c] = clip(float32(px[c])*r.alpha + in[i*3+c])
		}
	}
	return out, nil
}

func clip(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return v
}

// HeatmapImage renders the heatmap as an 8-bit grayscale image at heatmap
// resolution.
func HeatmapImage(h *gradcam.Heatmap) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, h.Width, h.Height))
	for i, v := range h.Values {
		img.Pix[i] = Index(v)
	}
	return img
}

// ToImage converts an [H, W, 3] tensor in [0, 255] to an 8-bit image,
// rounding and clipping each value.
func ToImage(t *tensor.Tensor) (*image.RGBA, error) {
	s := t.Shape()
	if len(s) != 3 || s[2] != 3 {
		return nil, errors.Errorf("expected an [H, W, 3] image, got shape %v", s)
	}
	img := image.NewRGBA(image.Rect(0, 0, s[1], s[0]))
	d := t.Data()
	for i := 0; i < s[0]*s[1]; i++ {
		for c := 0; c < 3; c++ {
			img.Pix[i*4+c] = uint8(clip(d[i*3+c]) + 0.5)
		}
		img.Pix[i*4+3] = 0xff
	}
	return img, nil
}

// FromImage converts any image to an [H, W, 3] float32 tensor in [0, 255],
// dropping alpha.
func FromImage(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	t := tensor.Zeros(tensor.Shape{b.Dy(), b.Dx(), 3})
	d := t.Data()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			d[i], d[i+1], d[i+2] = float32(c.R), float32(c.G), float32(c.B)
			i += 3
		}
	}
	return t
}

// Resize scales an [H, W, 3] image to height x width.
func Resize(t *tensor.Tensor, height, width int, k draw.Interpolator) (*tensor.Tensor, error) {
	src, err := ToImage(t)
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	k.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return FromImage(dst), nil
}
