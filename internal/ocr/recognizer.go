package ocr

import (
	"context"
	"image"
	"strings"
)

// DefaultMinConfidence drops lines tesseract is less than 50% sure of.
const DefaultMinConfidence = 0.5

// Line is one recognized text line with its box in image pixels.
type Line struct {
	Text       string
	Box        image.Rectangle
	Confidence float64
}

// Result holds the lines of one page in reading order plus the page size
// the boxes refer to.
type Result struct {
	Lines  []Line
	Width  int
	Height int
}

// Text joins the lines with newlines.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		parts = append(parts, l.Text)
	}
	return strings.Join(parts, "\n")
}

// MeanConfidence averages line confidences; an empty result scores 0.
func (r Result) MeanConfidence() float64 {
	if len(r.Lines) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range r.Lines {
		sum += l.Confidence
	}
	return sum / float64(len(r.Lines))
}

// Recognizer turns a page image into text lines. Implementations return an
// error wrapping task.ErrRecognizerUnavailable when the engine itself is
// unusable, and any other error for a page-level failure.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image, language string) (Result, error)
}
