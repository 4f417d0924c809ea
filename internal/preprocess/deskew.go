package preprocess

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

const (
	maxSkewDegrees  = 15.0
	skewStepDegrees = 0.5
	// an angle must beat the unrotated profile by this factor to be applied
	minSkewGain = 1.05
	// angles below this are not worth resampling the page for
	minSkewDegrees = 0.25
	analysisWidth  = 800
	minInkPixels   = 10
)

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.RGBA{A: 255}
)

// Deskew straightens a grayscale page when a dominant text angle is found.
// The result is always a new matrix owned by the caller.
func Deskew(gray gocv.Mat) gocv.Mat {
	angle, ok := EstimateSkew(gray)
	if !ok {
		return gray.Clone()
	}
	return rotate(gray, angle, gocv.InterpolationLinear, white)
}

// EstimateSkew searches ±15° for the rotation that gives the sharpest
// horizontal projection profile of ink. The returned angle, in degrees and
// counterclockwise, is the rotation that straightens the page.
func EstimateSkew(gray gocv.Mat) (float64, bool) {
	small := downscale(gray, analysisWidth)
	defer small.Close()
	if lo, hi, _, _ := gocv.MinMaxLoc(small); lo == hi {
		return 0, false
	}
	ink := gocv.NewMat()
	defer ink.Close()
	gocv.Threshold(small, &ink, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)
	if gocv.CountNonZero(ink) < minInkPixels {
		return 0, false
	}

	score := func(deg float64) float64 {
		rot := rotate(ink, deg, gocv.InterpolationNearestNeighbor, black)
		defer rot.Close()
		proj := gocv.NewMat()
		defer proj.Close()
		gocv.Reduce(rot, &proj, 1, gocv.ReduceSum, gocv.MatTypeCV32F)
		rows := make([]float64, proj.Rows())
		for i := range rows {
			rows[i] = float64(proj.GetFloatAt(i, 0))
		}
		return variance(rows)
	}

	base := score(0)
	best, bestAngle := base, 0.0
	for a := -maxSkewDegrees; a <= maxSkewDegrees+1e-9; a += skewStepDegrees {
		if v := score(a); v > best {
			best, bestAngle = v, a
		}
	}
	if base <= 0 || best < base*minSkewGain || math.Abs(bestAngle) < minSkewDegrees {
		return 0, false
	}
	return bestAngle, true
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum, sq float64
	for _, v := range xs {
		sum += v
		sq += v * v
	}
	n := float64(len(xs))
	mean := sum / n
	return sq/n - mean*mean
}

func downscale(src gocv.Mat, maxWidth int) gocv.Mat {
	if src.Cols() <= maxWidth {
		return src.Clone()
	}
	h := src.Rows() * maxWidth / src.Cols()
	if h < 1 {
		h = 1
	}
	dst := gocv.NewMat()
	gocv.Resize(src, &dst, image.Pt(maxWidth, h), 0, 0, gocv.InterpolationArea)
	return dst
}

// rotate turns src by deg counterclockwise around its center, filling the
// uncovered corners with fill.
func rotate(src gocv.Mat, deg float64, interp gocv.InterpolationFlags, fill color.RGBA) gocv.Mat {
	m := gocv.GetRotationMatrix2D(image.Pt(src.Cols()/2, src.Rows()/2), deg, 1.0)
	defer m.Close()
	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(src, &dst, m, image.Pt(src.Cols(), src.Rows()), interp, gocv.BorderConstant, fill)
	return dst
}
