package paragraph

import (
	"image"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/local/pdfocr/internal/ocr"
)

const (
	DefaultGapFactor       = 1.5
	DefaultIndentTolerance = 0.02
	DefaultBandFraction    = 0.1
	DefaultMinRepeats      = 3
)

// Options tunes reconstruction. Zero values take the defaults.
type Options struct {
	// GapFactor times the median line height is the vertical gap that
	// starts a new paragraph.
	GapFactor float64
	// IndentTolerance is a fraction of page width.
	IndentTolerance float64
	// BandFraction is the height fraction at the top and bottom of a page
	// where headers and footers are looked for.
	BandFraction float64
	MinRepeats   int
}

func (o Options) withDefaults() Options {
	if o.GapFactor <= 0 {
		o.GapFactor = DefaultGapFactor
	}
	if o.IndentTolerance <= 0 {
		o.IndentTolerance = DefaultIndentTolerance
	}
	if o.BandFraction <= 0 || o.BandFraction >= 0.5 {
		o.BandFraction = DefaultBandFraction
	}
	if o.MinRepeats <= 0 {
		o.MinRepeats = DefaultMinRepeats
	}
	return o
}

// PageLines is the recognizer output for one page.
type PageLines struct {
	Index  int
	Result ocr.Result
}

// PageResult is the reconstructed text of one page.
type PageResult struct {
	Index      int
	Paragraphs []string
	Suppressed []string
}

type line struct {
	text string
	box  image.Rectangle
}

// Reconstruct merges boxes into lines, drops headers and footers repeated
// across the document and groups the rest into paragraphs. Results keep
// the order of pages.
func Reconstruct(pages []PageLines, opts Options) []PageResult {
	opts = opts.withDefaults()

	merged := make([][]line, len(pages))
	for i, p := range pages {
		merged[i] = mergeLines(p.Result.Lines)
	}
	repeated := boilerplate(pages, merged, opts)

	out := make([]PageResult, len(pages))
	for i, p := range pages {
		res := PageResult{Index: p.Index}
		var body []line
		for _, l := range merged[i] {
			if inBand(l.box, p.Result.Height, opts.BandFraction) && repeated[normalize(l.text)] {
				res.Suppressed = append(res.Suppressed, l.text)
				continue
			}
			body = append(body, l)
		}
		res.Paragraphs = split(body, p.Result.Width, opts)
		out[i] = res
	}
	return out
}

// mergeLines joins boxes that overlap vertically by more than half of the
// smaller height, left to right.
func mergeLines(in []ocr.Line) []line {
	boxes := make([]ocr.Line, 0, len(in))
	for _, l := range in {
		if strings.TrimSpace(l.Text) != "" {
			boxes = append(boxes, l)
		}
	}
	sort.SliceStable(boxes, func(i, j int) bool {
		if boxes[i].Box.Min.Y != boxes[j].Box.Min.Y {
			return boxes[i].Box.Min.Y < boxes[j].Box.Min.Y
		}
		return boxes[i].Box.Min.X < boxes[j].Box.Min.X
	})

	type group struct {
		parts []ocr.Line
		box   image.Rectangle
	}
	var groups []*group
	for _, b := range boxes {
		if n := len(groups); n > 0 && sameLine(groups[n-1].box, b.Box) {
			g := groups[n-1]
			g.parts = append(g.parts, b)
			g.box = g.box.Union(b.Box)
			continue
		}
		groups = append(groups, &group{parts: []ocr.Line{b}, box: b.Box})
	}

	out := make([]line, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g.parts, func(i, j int) bool { return g.parts[i].Box.Min.X < g.parts[j].Box.Min.X })
		words := make([]string, 0, len(g.parts))
		for _, p := range g.parts {
			words = append(words, strings.TrimSpace(p.Text))
		}
		out = append(out, line{text: strings.Join(words, " "), box: g.box})
	}
	return out
}

func sameLine(a, b image.Rectangle) bool {
	top := max(a.Min.Y, b.Min.Y)
	bottom := min(a.Max.Y, b.Max.Y)
	overlap := bottom - top
	if overlap <= 0 {
		return false
	}
	smaller := min(a.Dy(), b.Dy())
	if smaller <= 0 {
		return false
	}
	return overlap*2 > smaller
}

func inBand(box image.Rectangle, height int, frac float64) bool {
	if height <= 0 {
		return false
	}
	band := float64(height) * frac
	return float64(box.Min.Y) < band || float64(box.Max.Y) > float64(height)-band
}

var digits = regexp.MustCompile(`[0-9]+`)

// normalize folds case, collapses digit runs and squeezes whitespace so
// that "Page 3" and "page 14" compare equal.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = digits.ReplaceAllString(s, "#")
	return strings.Join(strings.Fields(s), " ")
}

// boilerplate returns the normalized band lines present on more than half
// of the pages and on at least MinRepeats pages.
func boilerplate(pages []PageLines, merged [][]line, opts Options) map[string]bool {
	counts := map[string]int{}
	for i, p := range pages {
		seen := map[string]bool{}
		for _, l := range merged[i] {
			if !inBand(l.box, p.Result.Height, opts.BandFraction) {
				continue
			}
			key := normalize(l.text)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			counts[key]++
		}
	}
	out := map[string]bool{}
	for key, n := range counts {
		if n*2 > len(pages) && n >= opts.MinRepeats {
			out[key] = true
		}
	}
	return out
}

var listItem = regexp.MustCompile(`^([-•*▪–]\s|\d{1,3}[.)]\s|\(?[a-zA-Z0-9]{1,3}\)\s)`)

func isListItem(s string) bool { return listItem.MatchString(s) }

// split groups lines into paragraphs on large gaps, indentation shifts
// and list item starts.
func split(lines []line, width int, opts Options) []string {
	if len(lines) == 0 {
		return nil
	}
	gapLimit := opts.GapFactor * float64(medianHeight(lines))
	tol := opts.IndentTolerance * float64(width)
	if width <= 0 {
		tol = 0
	}

	var paras []string
	cur := []line{lines[0]}
	prevDelta := 0
	flush := func() {
		paras = append(paras, joinLines(cur))
	}
	for _, l := range lines[1:] {
		prev := cur[len(cur)-1]
		gap := float64(l.box.Min.Y - prev.box.Max.Y)
		delta := l.box.Min.X - prev.box.Min.X

		brk := gap > gapLimit || isListItem(l.text) || indentBreak(prevDelta, delta, len(cur), tol)
		if brk {
			flush()
			cur = []line{l}
			prevDelta = 0
			continue
		}
		cur = append(cur, l)
		prevDelta = delta
	}
	flush()
	return paras
}

// indentBreak reports a paragraph start from left-edge movement: a shift
// after a stable run, or a shift that reverses the previous one as in
// hanging indents.
func indentBreak(prevDelta, delta, run int, tol float64) bool {
	p, d := float64(prevDelta), float64(delta)
	if abs(d) <= tol {
		return false
	}
	if run >= 2 && abs(p) <= tol {
		return true
	}
	return abs(p) > tol && (p > 0) != (d > 0)
}

func medianHeight(lines []line) int {
	hs := make([]int, len(lines))
	for i, l := range lines {
		hs[i] = l.box.Dy()
	}
	sort.Ints(hs)
	m := hs[len(hs)/2]
	if len(hs)%2 == 0 {
		m = (hs[len(hs)/2-1] + hs[len(hs)/2]) / 2
	}
	if m <= 0 {
		m = 1
	}
	return m
}

// joinLines concatenates paragraph lines, rejoining words hyphenated at a
// line end.
func joinLines(lines []line) string {
	var b strings.Builder
	for i, l := range lines {
		t := strings.TrimSpace(l.text)
		if i == 0 {
			b.WriteString(t)
			continue
		}
		s := b.String()
		if strings.HasSuffix(s, "-") && len(s) > 1 && startsLower(t) && unicode.IsLetter(rune(s[len(s)-2])) {
			cut := strings.TrimSuffix(s, "-")
			b.Reset()
			b.WriteString(cut)
			b.WriteString(t)
			continue
		}
		b.WriteByte(' ')
		b.WriteString(t)
	}
	return b.String()
}

func startsLower(s string) bool {
	for _, r := range s {
		return unicode.IsLower(r)
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
