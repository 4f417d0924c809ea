package mupdf

import (
	"fmt"
	"image"
	"strings"
	"unicode"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/ocr"
	"github.com/local/pdfocr/internal/task"
)

// Synthetic geometry for text-layer lines. Paragraph reconstruction only
// needs relative positions: each source line gets one slot, blank lines
// leave an empty slot and leading spaces become indentation.
const (
	PageWidth  = 1000
	LineHeight = 20
	CharWidth  = 10
)

// TextSource is the subset of a go-fitz document used for text extraction.
type TextSource interface {
	NumPage() int
	Text(page int) (string, error)
	Close() error
}

// GoFitzExtractor reads the embedded text layer of text PDFs and returns it
// in the same shape as OCR output.
type GoFitzExtractor struct {
	open func(path string) (TextSource, error)
}

// NewGoFitzExtractor creates an extractor backed by go-fitz. A nil open
// func uses fitz.New.
func NewGoFitzExtractor(open func(path string) (TextSource, error)) *GoFitzExtractor {
	if open == nil {
		open = func(path string) (TextSource, error) {
			doc, err := fitz.New(path)
			if err != nil {
				return nil, err
			}
			return doc, nil
		}
	}
	return &GoFitzExtractor{open: open}
}

// Document is an open text-layer source.
type Document struct {
	src TextSource
}

// Open opens path for page-by-page extraction.
func (g *GoFitzExtractor) Open(path string) (*Document, error) {
	src, err := g.open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrUnreadablePDF, err)
	}
	return &Document{src: src}, nil
}

func (d *Document) NumPage() int { return d.src.NumPage() }
func (d *Document) Close() error { return d.src.Close() }

// Page extracts the text of a 0-based page as OCR-shaped lines.
func (d *Document) Page(index int) (res ocr.Result, err error) {
	if index < 0 || index >= d.src.NumPage() {
		return ocr.Result{}, fmt.Errorf("page %d out of range (document has %d pages)", index+1, d.src.NumPage())
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract text from page %d: %v", index+1, r)
		}
	}()
	raw, err := d.src.Text(index)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("extract text from page %d: %w", index+1, err)
	}
	res = Lines(raw)
	log.Debug().Int("page", index+1).Int("raw_chars", len(raw)).Int("lines", len(res.Lines)).Msg("extracted text layer")
	return res, nil
}

// Lines lays out raw page text on a synthetic grid.
func Lines(raw string) ocr.Result {
	rows := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	res := ocr.Result{Width: PageWidth}
	y := 0
	for _, row := range rows {
		trimmed := strings.TrimSpace(row)
		if trimmed == "" || isNoise(trimmed) {
			y += LineHeight
			continue
		}
		indent := len(row) - len(strings.TrimLeftFunc(row, unicode.IsSpace))
		x := indent * CharWidth
		w := len([]rune(trimmed)) * CharWidth
		if x+w > PageWidth {
			w = PageWidth - x
			if w < CharWidth {
				x, w = 0, PageWidth
			}
		}
		res.Lines = append(res.Lines, ocr.Line{
			Text:       trimmed,
			Box:        image.Rect(x, y, x+w, y+LineHeight*3/4),
			Confidence: 1,
		})
		y += LineHeight
	}
	res.Height = y
	if res.Height == 0 {
		res.Height = LineHeight
	}
	return res
}

// isNoise reports lines made only of punctuation or symbols.
func isNoise(line string) bool {
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

const probePDF = "%PDF-1.4\n1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n" +
	"2 0 obj<</Type/Pages/Kids[3 0 R]/Count 1>>endobj\n" +
	"3 0 obj<</Type/Page/Parent 2 0 R/MediaBox[0 0 72 72]>>endobj\n" +
	"trailer<</Root 1 0 R>>\n%%EOF\n"

// Probe opens a one-page document from memory to check that MuPDF works.
func Probe() error {
	doc, err := fitz.NewFromMemory([]byte(probePDF))
	if err != nil {
		return fmt.Errorf("mupdf: %w", err)
	}
	defer doc.Close()
	if doc.NumPage() != 1 {
		return fmt.Errorf("mupdf: probe document has %d pages", doc.NumPage())
	}
	return nil
}
