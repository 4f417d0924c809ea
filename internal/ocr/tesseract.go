package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/task"
)

// TesseractOptions configures the gosseract backed recognizer.
type TesseractOptions struct {
	DefaultLanguage string
	MinConfidence   float64
	TessdataPrefix  string
}

// Tesseract recognizes pages with libtesseract through gosseract. A new
// client is created per page since gosseract clients are not safe for
// concurrent use.
type Tesseract struct {
	lang    string
	minConf float64
	prefix  string
}

func NewTesseract(opts TesseractOptions) *Tesseract {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "eng"
	}
	if opts.MinConfidence < 0 || opts.MinConfidence > 1 {
		opts.MinConfidence = DefaultMinConfidence
	}
	return &Tesseract{lang: opts.DefaultLanguage, minConf: opts.MinConfidence, prefix: opts.TessdataPrefix}
}

// Version reports the linked tesseract version.
func (t *Tesseract) Version() string { return gosseract.Version() }

func (t *Tesseract) Recognize(ctx context.Context, img image.Image, language string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	b := img.Bounds()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Result{}, fmt.Errorf("%w: encode page image: %v", task.ErrPageRecognition, err)
	}

	client := gosseract.NewClient()
	defer client.Close()
	if t.prefix != "" {
		if err := client.SetTessdataPrefix(t.prefix); err != nil {
			return Result{}, fmt.Errorf("%w: %v", task.ErrRecognizerUnavailable, err)
		}
	}
	if err := client.SetLanguage(languages(language, t.lang)...); err != nil {
		return Result{}, fmt.Errorf("%w: %v", task.ErrRecognizerUnavailable, err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return Result{}, classify(err)
	}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return Result{}, classify(err)
	}

	res := Result{Width: b.Dx(), Height: b.Dy()}
	dropped := 0
	for _, bb := range boxes {
		text := strings.TrimSpace(bb.Word)
		conf := bb.Confidence / 100
		if text == "" {
			continue
		}
		if conf < t.minConf {
			dropped++
			continue
		}
		res.Lines = append(res.Lines, Line{Text: text, Box: bb.Box, Confidence: conf})
	}
	log.Debug().Int("lines", len(res.Lines)).Int("dropped_low_conf", dropped).Msg("tesseract page done")
	return res, nil
}

// languages turns "eng+deu" or "eng,deu" into the list gosseract expects.
func languages(requested, fallback string) []string {
	if strings.TrimSpace(requested) == "" {
		requested = fallback
	}
	f := func(r rune) bool { return r == '+' || r == ',' || r == ' ' }
	out := strings.FieldsFunc(requested, f)
	if len(out) == 0 {
		return []string{"eng"}
	}
	return out
}

// classify separates engine initialisation failures from page failures.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"tessdata", "failed loading language", "init", "could not initialize"} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", task.ErrRecognizerUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", task.ErrPageRecognition, err)
}
