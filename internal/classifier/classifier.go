package classifier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/task"
)

// PageProbe captures the result of probing a single PDF page.
type PageProbe struct {
	PageIndex int    `json:"page_index"`
	CharCount int    `json:"char_count"`
	Covered   bool   `json:"covered"`
	Err       string `json:"err,omitempty"`
}

// Diagnostics explains how a verdict was reached.
type Diagnostics struct {
	FilePath        string      `json:"file_path"`
	TotalPages      int         `json:"total_pages"`
	SampledPages    []int       `json:"sampled_pages"`
	CoveredPages    int         `json:"covered_pages"`
	Coverage        float64     `json:"coverage"`
	MinCharsPerPage int         `json:"min_chars_per_page"`
	MinCoverage     float64     `json:"min_coverage"`
	Probes          []PageProbe `json:"probes"`
	DurationMs      int64       `json:"duration_ms"`
}

// Result is the classifier's verdict for one document.
type Result struct {
	PDFType     task.PDFType
	PageCount   int
	Diagnostics *Diagnostics
}

const (
	// DefaultMinChars is the rune count a page needs to count as having text.
	DefaultMinChars = 50
	// DefaultMinCoverage is the fraction of sampled pages that must have text.
	DefaultMinCoverage = 0.5

	fullScanLimit = 50
	sampleWindow  = 15
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

func stripWhitespace(s string) string {
	return whitespaceRegex.ReplaceAllString(s, "")
}

// Doc abstracts a PDF document for text extraction.
type Doc interface {
	NumPage() int
	Page(i int) (Page, error)
	Close() error
}

// Page abstracts a single PDF page for text extraction.
type Page interface {
	Text() (string, error)
	Close()
}

// Opener abstracts opening a PDF path into a Doc.
type Opener interface {
	Open(path string) (Doc, error)
}

// Options configures a Classifier. Zero values pick the defaults.
type Options struct {
	MinCharsPerPage int
	MinCoverage     float64
	Opener          Opener
	// PageCounter cross-checks the page count with a second parser. Nil skips it.
	PageCounter func(path string) (int, error)
}

// Classifier labels PDFs as text or scanned by probing a sample of pages.
type Classifier struct {
	minChars    int
	minCoverage float64
	opener      Opener
	pageCounter func(string) (int, error)
}

func New(opts Options) *Classifier {
	if opts.MinCharsPerPage <= 0 {
		opts.MinCharsPerPage = DefaultMinChars
	}
	if opts.MinCoverage <= 0 || opts.MinCoverage > 1 {
		opts.MinCoverage = DefaultMinCoverage
	}
	if opts.Opener == nil {
		opts.Opener = defaultOpener
	}
	return &Classifier{
		minChars:    opts.MinCharsPerPage,
		minCoverage: opts.MinCoverage,
		opener:      opts.Opener,
		pageCounter: opts.PageCounter,
	}
}

// Classify opens the document at path and decides its type. Any failure to
// open or parse the document is reported as task.ErrUnreadablePDF.
func (c *Classifier) Classify(ctx context.Context, path string) (Result, error) {
	if c.opener == nil {
		return Result{}, errors.New("no PDF opener configured")
	}
	start := time.Now()

	d, err := c.opener.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", task.ErrUnreadablePDF, err)
	}
	defer d.Close()

	total := d.NumPage()
	if total <= 0 {
		return Result{}, fmt.Errorf("%w: document has no pages", task.ErrUnreadablePDF)
	}
	if c.pageCounter != nil {
		if n, err := c.pageCounter(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("secondary page count failed")
		} else if n != total {
			log.Warn().Int("fitz", total).Int("pdfcpu", n).Str("file", path).Msg("page count mismatch")
		}
	}

	sampleIdx := sampleIndices(total)
	probes := make([]PageProbe, 0, len(sampleIdx))
	covered := 0
	for _, idx := range sampleIdx {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		probe := PageProbe{PageIndex: idx}
		p, perr := d.Page(idx)
		if perr != nil {
			probe.Err = perr.Error()
			probes = append(probes, probe)
			continue
		}
		text, terr := p.Text()
		p.Close()
		if terr != nil {
			probe.Err = terr.Error()
			probes = append(probes, probe)
			continue
		}
		probe.CharCount = len([]rune(stripWhitespace(text)))
		probe.Covered = probe.CharCount >= c.minChars
		if probe.Covered {
			covered++
		}
		probes = append(probes, probe)
	}

	diag := &Diagnostics{
		FilePath:        path,
		TotalPages:      total,
		SampledPages:    sampleIdx,
		CoveredPages:    covered,
		Coverage:        float64(covered) / float64(len(sampleIdx)),
		MinCharsPerPage: c.minChars,
		MinCoverage:     c.minCoverage,
		Probes:          probes,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	kind := task.PDFScanned
	if diag.Coverage >= c.minCoverage {
		kind = task.PDFText
	}
	log.Debug().
		Str("file", path).
		Int("pages", total).
		Int("sampled", len(sampleIdx)).
		Float64("coverage", diag.Coverage).
		Str("pdf_type", string(kind)).
		Msg("classified document")
	return Result{PDFType: kind, PageCount: total, Diagnostics: diag}, nil
}

// sampleIndices returns every page for short documents; longer ones are
// sampled at the start, the middle and the end.
func sampleIndices(total int) []int {
	if total <= 0 {
		return []int{}
	}
	if total <= fullScanLimit {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	out := make([]int, 0, 3*sampleWindow)
	for i := 0; i < sampleWindow; i++ {
		out = append(out, i)
	}
	midStart := total/2 - sampleWindow/2
	for i := midStart; i < midStart+sampleWindow; i++ {
		out = append(out, i)
	}
	for i := total - sampleWindow; i < total; i++ {
		out = append(out, i)
	}
	return out
}
