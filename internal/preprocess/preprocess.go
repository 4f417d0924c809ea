package preprocess

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"

	"github.com/local/pdfocr/internal/task"
)

const (
	// MinSpeckPixels is the smallest dark component kept after binarization
	// when denoising is on.
	MinSpeckPixels = 4
)

// Options selects the transforms applied to a rendered page.
type Options struct {
	Enabled  bool
	Denoise  bool
	Binarize bool
	Deskew   bool
	// Threshold for binarization; 0 picks one with Otsu's method.
	Threshold uint8

	IgnoreTop    int
	IgnoreBottom int
	IgnoreLeft   int
	IgnoreRight  int
}

// FromRecognition maps a run's options onto preprocessing options.
func FromRecognition(o task.RecognitionOptions, threshold int) Options {
	if threshold < 0 || threshold > 255 {
		threshold = 0
	}
	return Options{
		Enabled:      o.Preprocess,
		Denoise:      o.Denoise,
		Binarize:     o.Binarize,
		Deskew:       o.Deskew,
		Threshold:    uint8(threshold),
		IgnoreTop:    o.IgnoreTop,
		IgnoreBottom: o.IgnoreBottom,
		IgnoreLeft:   o.IgnoreLeft,
		IgnoreRight:  o.IgnoreRight,
	}
}

// Apply runs the pipeline: margin crop, then (when enabled) grayscale,
// denoise, binarize and deskew. The crop runs even with preprocessing
// disabled so that ignored margins never reach the recognizer.
func Apply(img image.Image, opts Options) (image.Image, error) {
	out := CropMargins(img, opts.IgnoreTop, opts.IgnoreBottom, opts.IgnoreLeft, opts.IgnoreRight)
	if !opts.Enabled {
		return out, nil
	}
	if !opts.Denoise && !opts.Binarize && !opts.Deskew {
		return out, nil
	}
	gray, err := grayMat(out)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	step := func(next gocv.Mat) {
		gray.Close()
		gray = next
	}
	defer func() { gray.Close() }()

	if opts.Denoise {
		step(denoise(gray))
	}
	if opts.Binarize {
		step(binarize(gray, opts.Threshold))
		if opts.Denoise {
			removeSpecks(gray, MinSpeckPixels)
		}
	}
	if opts.Deskew {
		step(Deskew(gray))
	}
	res, err := gray.ToImage()
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	return res, nil
}

// CropMargins removes percentage bands from each edge. Percentages are
// clamped to [0,100]; if the bands overlap the result is a 1x1 white image.
// The returned image always starts at the origin.
func CropMargins(img image.Image, top, bottom, left, right int) image.Image {
	if top <= 0 && bottom <= 0 && left <= 0 && right <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	r := image.Rect(
		b.Min.X+w*clampPct(left)/100,
		b.Min.Y+h*clampPct(top)/100,
		b.Max.X-w*clampPct(right)/100,
		b.Max.Y-h*clampPct(bottom)/100,
	)
	if r.Dx() <= 0 || r.Dy() <= 0 {
		blank := image.NewGray(image.Rect(0, 0, 1, 1))
		blank.SetGray(0, 0, color.Gray{Y: 255})
		return blank
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
	return dst
}

func clampPct(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// grayMat loads an image as a single channel 8-bit matrix.
func grayMat(img image.Image) (gocv.Mat, error) {
	if g, ok := img.(*image.Gray); ok {
		return gocv.ImageGrayToMatGray(g)
	}
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer rgb.Close()
	gray := gocv.NewMat()
	gocv.CvtColor(rgb, &gray, gocv.ColorBGRToGray)
	return gray, nil
}

// denoise applies a 3x3 median.
func denoise(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.MedianBlur(src, &dst, 3)
	return dst
}

// binarize maps pixels darker than th to 0 and the rest to 255. A zero th
// picks the threshold with Otsu's method.
func binarize(src gocv.Mat, th uint8) gocv.Mat {
	dst := gocv.NewMat()
	if th == 0 {
		gocv.Threshold(src, &dst, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
		return dst
	}
	gocv.Threshold(src, &dst, float32(th)-1, 255, gocv.ThresholdBinary)
	return dst
}

// removeSpecks whitens dark components smaller than minPixels in a binary
// matrix, in place.
func removeSpecks(bin gocv.Mat, minPixels int) {
	ink := gocv.NewMat()
	defer ink.Close()
	gocv.BitwiseNot(bin, &ink)

	labels, stats, centroids := gocv.NewMat(), gocv.NewMat(), gocv.NewMat()
	defer labels.Close()
	defer stats.Close()
	defer centroids.Close()
	n := gocv.ConnectedComponentsWithStats(ink, &labels, &stats, &centroids)
	if n <= 1 {
		return
	}
	speck := make([]bool, n)
	found := false
	for i := 1; i < n; i++ {
		if int(stats.GetIntAt(i, int(gocv.CCStatArea))) < minPixels {
			speck[i] = true
			found = true
		}
	}
	if !found {
		return
	}
	for y := 0; y < bin.Rows(); y++ {
		for x := 0; x < bin.Cols(); x++ {
			if l := labels.GetIntAt(y, x); l > 0 && speck[l] {
				bin.SetUCharAt(y, x, 255)
			}
		}
	}
}
