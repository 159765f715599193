package pipeline

import (
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/born-ml/saliency/internal/gradcam"
	"github.com/born-ml/saliency/internal/render"
	"github.com/born-ml/saliency/internal/tensor"
)

// ImageExts lists the file extensions LoadDir picks up.
var ImageExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp"}

// IsImage reports whether path has one of ImageExts.
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range ImageExts {
		if ext == e {
			return true
		}
	}
	return false
}

// SampleID derives a stable sample id from an image path: the base name
// without extension.
func SampleID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SampleIDs derives the ids of a set of images. Files sharing a base name,
// such as ISIC_1.png and ISIC_1.jpg, keep their extension in the id
// (ISIC_1_png, ISIC_1_jpg) so that no two files publish to one artifact.
func SampleIDs(paths []string) []string {
	stems := make(map[string]int, len(paths))
	for _, p := range paths {
		stems[SampleID(p)]++
	}
	ids := make([]string, len(paths))
	for i, p := range paths {
		id := SampleID(p)
		if stems[id] > 1 {
			id += "_" + strings.ToLower(strings.TrimPrefix(filepath.Ext(p), "."))
		}
		ids[i] = id
	}
	return ids
}

// SelectSamples picks n distinct indices out of total with a seeded
// generator. The same seed always picks the same indices. n <= 0 or
// n >= total selects everything.
func SelectSamples(total, n int, seed int64) []int {
	if n <= 0 || n >= total {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	picked := rand.New(rand.NewSource(seed)).Perm(total)[:n]
	sort.Ints(picked)
	return picked
}

// LoadImage decodes an image file and resizes it to height x width (no
// resize when either is zero).
func LoadImage(path string, height, width int, k draw.Interpolator) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	t := render.FromImage(img)
	b := img.Bounds()
	if height == 0 || width == 0 || (b.Dy() == height && b.Dx() == width) {
		return t, nil
	}
	return render.Resize(t, height, width, k)
}

// LoadDir loads up to n images of dir, chosen by SelectSamples over the
// sorted file list, as samples explaining their predicted class.
func LoadDir(dir string, n int, seed int64, height, width int, k draw.Interpolator) ([]Sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read sample directory")
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsImage(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}
	sort.Strings(paths)
	ids := SampleIDs(paths)

	var samples []Sample
	for _, i := range SelectSamples(len(paths), n, seed) {
		img, err := LoadImage(paths[i], height, width, k)
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{ID: ids[i], Image: img, Class: gradcam.TopPrediction})
	}
	return samples, nil
}
