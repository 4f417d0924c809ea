package render

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/task"
)

const (
	DefaultDPI = 300
	MinDPI     = 150
	MaxDPI     = 600
)

// Source is an open document that can rasterize pages.
type Source interface {
	NumPage() int
	Image(page int, dpi float64) (image.Image, error)
	Close() error
}

// Opener opens a document for rendering.
type Opener func(path string) (Source, error)

// Options configures a Renderer.
type Options struct {
	MinDPI int
	MaxDPI int
	Open   Opener
}

// Renderer rasterizes selected pages of a PDF.
type Renderer struct {
	minDPI int
	maxDPI int
	open   Opener
}

func New(opts Options) *Renderer {
	if opts.MinDPI <= 0 {
		opts.MinDPI = MinDPI
	}
	if opts.MaxDPI < opts.MinDPI {
		opts.MaxDPI = MaxDPI
	}
	if opts.Open == nil {
		opts.Open = OpenFitz
	}
	return &Renderer{minDPI: opts.MinDPI, maxDPI: opts.MaxDPI, open: opts.Open}
}

// ClampDPI returns dpi limited to the renderer's range; zero picks DefaultDPI.
func (r *Renderer) ClampDPI(dpi int) int {
	if dpi == 0 {
		dpi = DefaultDPI
	}
	if dpi < r.minDPI {
		return r.minDPI
	}
	if dpi > r.maxDPI {
		return r.maxDPI
	}
	return dpi
}

// Rendered is one element of a Sequence. Err is set when the page could
// not be rasterized; Image is nil in that case.
type Rendered struct {
	Index int
	Image image.Image
	Err   error
}

// Sequence yields rendered pages lazily in ascending index order. It is
// consumed once; Close releases the document.
type Sequence struct {
	ctx     context.Context
	src     Source
	indices []int
	pos     int
	dpi     float64
	closed  bool
}

// Render opens path and prepares a sequence over indices at the clamped
// dpi. Duplicate indices are dropped and the rest sorted. An empty index
// list selects every page.
func (r *Renderer) Render(ctx context.Context, path string, indices []int, dpi int) (*Sequence, error) {
	src, err := r.open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrUnreadablePDF, err)
	}
	if len(indices) == 0 {
		indices = make([]int, src.NumPage())
		for i := range indices {
			indices[i] = i
		}
	}
	return &Sequence{
		ctx:     ctx,
		src:     src,
		indices: uniqueSorted(indices),
		dpi:     float64(r.ClampDPI(dpi)),
	}, nil
}

// Len is the number of pages the sequence will yield in total.
func (s *Sequence) Len() int { return len(s.indices) }

// DPI is the effective resolution after clamping.
func (s *Sequence) DPI() int { return int(s.dpi) }

// Next renders the next page. It returns false when the sequence is
// exhausted, closed, or its context is done.
func (s *Sequence) Next() (Rendered, bool) {
	if s.closed || s.pos >= len(s.indices) || s.ctx.Err() != nil {
		return Rendered{}, false
	}
	idx := s.indices[s.pos]
	s.pos++
	if idx < 0 || idx >= s.src.NumPage() {
		return Rendered{Index: idx, Err: fmt.Errorf("page %d out of range (document has %d pages)", idx+1, s.src.NumPage())}, true
	}
	img, err := s.renderPage(idx)
	if err != nil {
		log.Warn().Err(err).Int("page", idx+1).Msg("page render failed")
		return Rendered{Index: idx, Err: err}, true
	}
	b := img.Bounds()
	log.Debug().Int("page", idx+1).Int("width", b.Dx()).Int("height", b.Dy()).Float64("dpi", s.dpi).Msg("rendered page")
	return Rendered{Index: idx, Image: img}, true
}

func (s *Sequence) renderPage(idx int) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render page %d: %v", idx+1, r)
		}
	}()
	img, err = s.src.Image(idx, s.dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", idx+1, err)
	}
	return img, nil
}

func (s *Sequence) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.src.Close()
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

type fitzSource struct{ doc *fitz.Document }

// OpenFitz opens a document with go-fitz (MuPDF).
func OpenFitz(path string) (Source, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return fitzSource{doc: doc}, nil
}

func (f fitzSource) NumPage() int { return f.doc.NumPage() }
func (f fitzSource) Close() error { return f.doc.Close() }

// go-fitz uses 0-based page indexing.
func (f fitzSource) Image(page int, dpi float64) (image.Image, error) {
	img, err := f.doc.ImageDPI(page, dpi)
	if err != nil {
		return nil, err
	}
	return img, nil
}
